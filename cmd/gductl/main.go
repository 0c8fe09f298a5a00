package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/gdu-service/internal/cache"
	"github.com/kjstillabower/gdu-service/internal/client"
	"github.com/kjstillabower/gdu-service/internal/config"
	"github.com/kjstillabower/gdu-service/internal/gate"
	"github.com/kjstillabower/gdu-service/internal/gdu"
	"github.com/kjstillabower/gdu-service/internal/models"
	"github.com/kjstillabower/gdu-service/internal/observability"
	"github.com/kjstillabower/gdu-service/internal/service"
	"github.com/kjstillabower/gdu-service/internal/stations"
	"github.com/kjstillabower/gdu-service/internal/validation"
)

// computer runs one GDU query (service.GDUService).
type computer interface {
	ComputeRaw(ctx context.Context, in validation.QueryInput) (models.GduResult, error)
}

// locator ranks stations around a point (stations.Directory).
type locator interface {
	Nearest(ctx context.Context, lon, lat float64) ([]models.Station, error)
}

// stack is what the subcommands run against.
type stack struct {
	service   computer
	directory locator
	close     func()
}

// stackOptions carries flag overrides applied on top of the loaded config.
type stackOptions struct {
	clipping string
}

type app struct {
	configPath string
	logger     *zap.Logger
	build      func(cfg *config.Config, opts stackOptions, logger *zap.Logger) (*stack, error)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "gductl",
		Short: "gductl - growing degree unit queries from the command line",
		Long: `gductl runs the same station selection and degree unit accumulation as
the HTTP service, directly against the climate data provider.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file (default config/{ENV_NAME}.yaml)")

	root.AddCommand(newComputeCmd(a))
	root.AddCommand(newStationsCmd(a))
	return root
}

// open loads config and builds the query stack.
func (a *app) open(opts stackOptions) (*stack, error) {
	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.LoadFile(a.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return a.build(cfg, opts, a.logger)
}

// buildStack wires the provider client, observation cache, directory, gate
// and service from cfg.
func buildStack(cfg *config.Config, opts stackOptions, logger *zap.Logger) (*stack, error) {
	clipping := cfg.Clipping
	if opts.clipping != "" {
		c, err := gdu.ParseClipping(opts.clipping)
		if err != nil {
			return nil, err
		}
		clipping = c
	}

	climateClient, err := client.NewMRCCClientWithRetry(cfg.ClimateAPIURL, cfg.ClimateAPITimeout, cfg.RetryAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	if err != nil {
		return nil, fmt.Errorf("climate client: %w", err)
	}

	closeFn := func() {}
	var obsCache cache.Cache = cache.NewInMemoryCache()
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, fmt.Errorf("memcached cache: %w", err)
		}
		obsCache = mc
		closeFn = func() { _ = mc.Close() }
	}
	observations := cache.NewCachedObservations(climateClient, obsCache, cfg.CacheTTL, clockwork.NewRealClock(), logger)

	directory := stations.NewDirectory(climateClient, cfg.StationRegions, logger)
	seriesGate := gate.New(observations, gate.Config{Element: cfg.StationElement, MaxAttempts: cfg.StationMaxAttempts}, logger)
	svc := service.NewGDUService(directory, seriesGate, service.Config{
		Clipping:     clipping,
		QueryTimeout: cfg.RequestTimeout,
		DefaultBase:  cfg.BaseTemperature,
		DefaultUpper: cfg.UpperThreshold,
		MaxRangeDays: cfg.MaxRangeDays,
	}, logger)

	return &stack{service: svc, directory: directory, close: closeFn}, nil
}

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	a := &app{logger: logger, build: buildStack}
	if err := newRootCmd(a).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
