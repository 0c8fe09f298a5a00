//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/gdu-service/internal/cache"
	"github.com/kjstillabower/gdu-service/internal/circuitbreaker"
	"github.com/kjstillabower/gdu-service/internal/client"
	"github.com/kjstillabower/gdu-service/internal/gate"
	"github.com/kjstillabower/gdu-service/internal/gdu"
	"github.com/kjstillabower/gdu-service/internal/observability"
	"github.com/kjstillabower/gdu-service/internal/service"
	"github.com/kjstillabower/gdu-service/internal/stations"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIURL        string
	Regions       []string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test unless CLIMATE_API_INTEGRATION is set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	if os.Getenv("CLIMATE_API_INTEGRATION") == "" {
		t.Skip("CLIMATE_API_INTEGRATION not set, skipping integration test")
	}

	apiURL := os.Getenv("CLIMATE_API_URL")
	if apiURL == "" {
		apiURL = "https://cli-dap.mrcc.purdue.edu"
	}
	regions := []string{"MN", "SD", "ND", "IA", "WI"}
	if v := os.Getenv("STATION_REGIONS"); v != "" {
		regions = strings.Split(v, ",")
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIURL:        apiURL,
		Regions:       regions,
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationService wires the full query stack against the live
// provider: breaker-guarded client, observation cache, directory, gate.
// Returns the service, the cache for inspection, and a cleanup function.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.GDUService, cache.Cache, func()) {
	t.Helper()
	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("create logger: %v", err)
	}

	mrcc, err := client.NewMRCCClientWithRetry(cfg.APIURL, 30*time.Second, 3, 200*time.Millisecond, 2*time.Second)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	mrcc.WithCircuitBreaker(circuitbreaker.New(circuitbreaker.Config{Component: "climate_api"}))

	var (
		cacheSvc cache.Cache
		cleanup  = func() {}
	)
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err != nil {
			t.Fatalf("create memcached cache: %v", err)
		}
		if err := mc.Ping(); err != nil {
			t.Skipf("memcached not reachable at %s: %v", cfg.MemcachedAddr, err)
		}
		cacheSvc = mc
		cleanup = func() { _ = mc.Close() }
	default:
		cacheSvc = cache.NewInMemoryCache()
	}

	observations := cache.NewCachedObservations(mrcc, cacheSvc, time.Hour, clockwork.NewRealClock(), logger)
	dir := stations.NewDirectory(mrcc, cfg.Regions, logger)
	g := gate.New(observations, gate.Config{}, logger)
	svc := service.NewGDUService(dir, g, service.Config{
		Clipping:     gdu.ClipLegacy,
		QueryTimeout: 5 * time.Minute,
	}, logger)
	return svc, cacheSvc, cleanup
}
