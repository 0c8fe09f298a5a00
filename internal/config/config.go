package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/gdu-service/internal/gdu"
	"github.com/kjstillabower/gdu-service/internal/validation"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	ClimateAPIURL     string
	ClimateAPITimeout time.Duration

	RequestTimeout time.Duration
	MaxRangeDays   int

	CacheBackend          string // "in_memory" or "memcached"
	CacheTTL              time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	IdleThresholdReqPerMin int
	IdleWindow             time.Duration
	MinimumLifespan        time.Duration
	DegradedWindow         time.Duration
	DegradedErrorPct       int

	BaseTemperature float64
	UpperThreshold  float64
	Clipping        gdu.Clipping

	StationRegions     []string
	StationElement     string
	StationMaxAttempts int
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	ClimateAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"climate_api"`

	Request struct {
		Timeout      string `yaml:"timeout"`
		MaxRangeDays int    `yaml:"max_range_days"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
		Coalesce struct {
			Enabled *bool  `yaml:"enabled"`
			Timeout string `yaml:"timeout"`
		} `yaml:"coalesce"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow         string `yaml:"overload_window"`
		OverloadThresholdPct   int    `yaml:"overload_threshold_pct"`
		IdleThresholdReqPerMin int    `yaml:"idle_threshold_req_per_min"`
		IdleWindow             string `yaml:"idle_window"`
		MinimumLifespan        string `yaml:"minimum_lifespan"`
		DegradedWindow         string `yaml:"degraded_window"`
		DegradedErrorPct       int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	GDU struct {
		BaseTemperature *float64 `yaml:"base_temperature"`
		UpperThreshold  *float64 `yaml:"upper_threshold"`
		Clipping        string   `yaml:"clipping"`
	} `yaml:"gdu"`

	Stations struct {
		Regions     []string `yaml:"regions"`
		Element     string   `yaml:"element"`
		MaxAttempts int      `yaml:"max_attempts"`
	} `yaml:"stations"`
}

var defaultRegions = []string{"MN", "SD", "ND", "IA", "WI"}

// Load reads an optional .env file, then config/{ENV_NAME}.yaml (default dev)
// relative to the working directory, then applies env overrides. Call from
// project root.
func Load() (*Config, error) {
	// .env is optional; variables already set in the environment win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return parse(data, true)
}

// LoadFile builds a Config from the YAML file at path without env overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a validated Config from YAML bytes. Empty or nil data yields
// the defaults. Environment overrides are not applied.
func Parse(data []byte) (*Config, error) {
	return parse(data, false)
}

func parse(data []byte, withEnv bool) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.ClimateAPIURL = strings.TrimSpace(fc.ClimateAPI.URL)
	cfg.ClimateAPITimeout = parseDurationOrZero(fc.ClimateAPI.Timeout, 10*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 60*time.Second)
	cfg.MaxRangeDays = fc.Request.MaxRangeDays
	if cfg.MaxRangeDays == 0 {
		cfg.MaxRangeDays = validation.DefaultMaxRangeDays
	}

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 24*time.Hour)
	cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 10
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled == nil || *cb.Enabled
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	co := fc.Reliability.Coalesce
	cfg.CoalesceEnabled = co.Enabled == nil || *co.Enabled
	cfg.CoalesceTimeout = parseDuration(co.Timeout, 60*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 30*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	lc := fc.Lifecycle
	cfg.OverloadWindow = parseDuration(lc.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = lc.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.IdleThresholdReqPerMin = lc.IdleThresholdReqPerMin
	if cfg.IdleThresholdReqPerMin < 0 {
		cfg.IdleThresholdReqPerMin = 0
	}
	cfg.IdleWindow = parseDurationOrZero(lc.IdleWindow, 5*time.Minute)
	cfg.MinimumLifespan = parseDurationOrZero(lc.MinimumLifespan, 5*time.Minute)
	cfg.DegradedWindow = parseDuration(lc.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = lc.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 25
	}

	cfg.BaseTemperature = gdu.DefaultBaseTemperature
	if fc.GDU.BaseTemperature != nil {
		cfg.BaseTemperature = *fc.GDU.BaseTemperature
	}
	cfg.UpperThreshold = gdu.DefaultUpperThreshold
	if fc.GDU.UpperThreshold != nil {
		cfg.UpperThreshold = *fc.GDU.UpperThreshold
	}
	clipping, err := gdu.ParseClipping(fc.GDU.Clipping)
	if err != nil {
		return nil, fmt.Errorf("gdu.clipping: %w", err)
	}
	cfg.Clipping = clipping

	cfg.StationRegions = normalizeRegions(fc.Stations.Regions)
	cfg.StationElement = strings.TrimSpace(fc.Stations.Element)
	cfg.StationMaxAttempts = fc.Stations.MaxAttempts

	if withEnv {
		applyEnv(cfg)
	}
	if cfg.ClimateAPIURL == "" {
		cfg.ClimateAPIURL = "https://cli-dap.mrcc.purdue.edu"
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	if len(cfg.StationRegions) == 0 {
		cfg.StationRegions = append([]string(nil), defaultRegions...)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with CLIMATE_API_URL, CACHE_BACKEND,
// MEMCACHED_ADDRS and STATION_REGIONS (comma separated) when set.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CLIMATE_API_URL")); v != "" {
		cfg.ClimateAPIURL = v
	}
	if v := strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND"))); v != "" {
		cfg.CacheBackend = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")); v != "" {
		cfg.MemcachedAddrs = v
	}
	if v := os.Getenv("STATION_REGIONS"); strings.TrimSpace(v) != "" {
		cfg.StationRegions = normalizeRegions(strings.Split(v, ","))
	}
}

// normalizeRegions trims, upper-cases and de-duplicates region codes.
func normalizeRegions(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, r := range in {
		r = strings.ToUpper(strings.TrimSpace(r))
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is so callers can disable a feature with "0s".
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values. The request
// timeout is raised to cover at least one upstream call.
func validate(cfg *Config) error {
	if cfg.ClimateAPITimeout <= 0 {
		return fmt.Errorf("climate_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.ClimateAPITimeout {
		cfg.RequestTimeout = cfg.ClimateAPITimeout + time.Second
	}
	if cfg.MaxRangeDays < 1 {
		return fmt.Errorf("request.max_range_days must be positive, got %d", cfg.MaxRangeDays)
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.BaseTemperature >= cfg.UpperThreshold {
		return fmt.Errorf("gdu.base_temperature %v must be below gdu.upper_threshold %v", cfg.BaseTemperature, cfg.UpperThreshold)
	}
	if cfg.StationMaxAttempts < 0 {
		return fmt.Errorf("stations.max_attempts must be >= 0, got %d", cfg.StationMaxAttempts)
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return fmt.Errorf("reliability.retry_max_delay %v must be >= retry_base_delay %v", cfg.RetryMaxDelay, cfg.RetryBaseDelay)
	}
	return nil
}
