package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/gdu-service/internal/cache"
	"github.com/kjstillabower/gdu-service/internal/circuitbreaker"
	"github.com/kjstillabower/gdu-service/internal/client"
	"github.com/kjstillabower/gdu-service/internal/config"
	"github.com/kjstillabower/gdu-service/internal/gate"
	"github.com/kjstillabower/gdu-service/internal/health"
	httphandler "github.com/kjstillabower/gdu-service/internal/http"
	"github.com/kjstillabower/gdu-service/internal/observability"
	"github.com/kjstillabower/gdu-service/internal/service"
	"github.com/kjstillabower/gdu-service/internal/stations"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	climateClient, err := client.NewMRCCClientWithRetry(
		cfg.ClimateAPIURL,
		cfg.ClimateAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("climate client", zap.Error(err))
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "climate_api",
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("climate_api", from.String(), to.String(), int(to))
				logger.Warn("circuit breaker transition", zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		climateClient.WithCircuitBreaker(breaker)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	cacheSvc, memcacheCloser, err := newCache(cfg, logger)
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}
	observations := cache.NewCachedObservations(climateClient, cacheSvc, cfg.CacheTTL, clockwork.NewRealClock(), logger)

	directory := stations.NewDirectory(climateClient, cfg.StationRegions, logger)
	seriesGate := gate.New(observations, gate.Config{
		Element:     cfg.StationElement,
		MaxAttempts: cfg.StationMaxAttempts,
	}, logger)
	gduService := service.NewGDUService(directory, seriesGate, service.Config{
		Clipping:        cfg.Clipping,
		QueryTimeout:    cfg.RequestTimeout,
		CoalesceEnabled: cfg.CoalesceEnabled,
		CoalesceTimeout: cfg.CoalesceTimeout,
		DefaultBase:     cfg.BaseTemperature,
		DefaultUpper:    cfg.UpperThreshold,
		MaxRangeDays:    cfg.MaxRangeDays,
	}, logger)
	logger.Info("gdu service configured",
		zap.Strings("regions", cfg.StationRegions),
		zap.String("clipping", cfg.Clipping.String()),
		zap.Float64("base_temperature", cfg.BaseTemperature),
		zap.Float64("upper_threshold", cfg.UpperThreshold),
	)

	tracker := health.NewTracker(nil)
	observability.RegisterRateLimitGauges(
		func() int { return tracker.RequestCount(cfg.OverloadWindow) },
		func() int { return tracker.DenialCount(cfg.OverloadWindow) },
	)

	healthConfig := &httphandler.HealthConfig{
		Thresholds: health.Thresholds{
			OverloadWindow:         cfg.OverloadWindow,
			OverloadThresholdPct:   cfg.OverloadThresholdPct,
			RateLimitRPS:           cfg.RateLimitRPS,
			DegradedWindow:         cfg.DegradedWindow,
			DegradedErrorPct:       cfg.DegradedErrorPct,
			IdleWindow:             cfg.IdleWindow,
			IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
			MinimumLifespan:        cfg.MinimumLifespan,
		},
		Version: version,
	}
	if breaker != nil {
		healthConfig.BreakerOpen = func() bool { return breaker.State() == circuitbreaker.StateOpen }
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(gduService, tracker, healthConfig, logger)
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		Tracker:        tracker,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		// a cold query walks several stations; leave room past the request deadline
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	tracker.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// newCache builds the configured observation cache backend. The second
// return value is non-nil for memcached so the caller can ping and close it.
func newCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, *cache.MemcachedCache, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, fmt.Errorf("memcached cache: %w", err)
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc, nil
	default:
		logger.Info("cache backend: in_memory")
		return cache.NewInMemoryCache(), nil, nil
	}
}
