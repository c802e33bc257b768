package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	WeatherAPIURL     string
	WeatherAPITimeout time.Duration
	ProbeTimeout      time.Duration
	IncludeHourly     bool
	ForecastDays      int

	BreakerFailures         int
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenRequests int
	BreakerInterval         time.Duration

	RequestTimeout time.Duration

	CacheBackend   string // "in_memory", "memcached" or "redis"
	CacheTTL       time.Duration
	StaleRetention time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisURL string

	MinInterval   time.Duration
	FetchDeadline time.Duration

	BatchMaxSize      int
	BatchDefaultLimit int
	BatchWorkers      int

	FreshWithin time.Duration
	StaleAfter  time.Duration

	LocationsFile string
	AssetsDir     string

	RefreshInterval time.Duration // zero disables the scheduler
	RefreshPrewarm  bool
	RefreshOnStart  bool

	RateLimitRPS   int
	RateLimitBurst int

	UpdateKey string

	ShutdownTimeout time.Duration

	TrackedLocations []string
}

type fileConfig struct {
	Server struct {
		Port      string `yaml:"port"`
		AssetsDir string `yaml:"assets_dir"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL           string `yaml:"url"`
		Timeout       string `yaml:"timeout"`
		ProbeTimeout  string `yaml:"probe_timeout"`
		IncludeHourly bool   `yaml:"include_hourly"`
		ForecastDays  int    `yaml:"forecast_days"`
	} `yaml:"weather_api"`

	CircuitBreaker struct {
		ConsecutiveFailures int    `yaml:"consecutive_failures"`
		OpenTimeout         string `yaml:"open_timeout"`
		HalfOpenRequests    int    `yaml:"half_open_requests"`
		Interval            string `yaml:"interval"`
	} `yaml:"circuit_breaker"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend        string `yaml:"backend"`
		TTL            string `yaml:"ttl"`
		StaleRetention string `yaml:"stale_retention"`
		Memcached      struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			URL string `yaml:"url"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Upstream struct {
		MinInterval   string `yaml:"min_interval"`
		FetchDeadline string `yaml:"fetch_deadline"`
	} `yaml:"upstream"`

	Batch struct {
		MaxSize      int `yaml:"max_size"`
		DefaultLimit int `yaml:"default_limit"`
		Workers      int `yaml:"workers"`
	} `yaml:"batch"`

	Freshness struct {
		FreshWithin string `yaml:"fresh_within"`
		StaleAfter  string `yaml:"stale_after"`
	} `yaml:"freshness"`

	Locations struct {
		File string `yaml:"file"`
	} `yaml:"locations"`

	Refresh struct {
		Interval   string `yaml:"interval"`
		Prewarm    *bool  `yaml:"prewarm"`
		RunOnStart bool   `yaml:"run_on_start"`
	} `yaml:"refresh"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	UpdateKey string `yaml:"update_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// The update key comes from UPDATE_KEY env or the secrets file; when neither is
// set the update endpoint is open. Call from project root.
func Load() (*Config, error) {
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

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = envOr("PORT", fc.Server.Port)
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.AssetsDir = strings.TrimSpace(fc.Server.AssetsDir)

	cfg.UpdateKey = os.Getenv("UPDATE_KEY")
	if cfg.UpdateKey == "" {
		key, err := loadUpdateKeyFromSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.UpdateKey = key
	}

	cfg.WeatherAPIURL = fc.WeatherAPI.URL
	if cfg.WeatherAPIURL == "" {
		cfg.WeatherAPIURL = "https://api.open-meteo.com"
	}
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.ProbeTimeout = parseDuration(fc.WeatherAPI.ProbeTimeout, 2*time.Second)
	cfg.IncludeHourly = fc.WeatherAPI.IncludeHourly
	cfg.ForecastDays = fc.WeatherAPI.ForecastDays

	cfg.BreakerFailures = fc.CircuitBreaker.ConsecutiveFailures
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	cfg.BreakerOpenTimeout = parseDuration(fc.CircuitBreaker.OpenTimeout, 30*time.Second)
	cfg.BreakerHalfOpenRequests = fc.CircuitBreaker.HalfOpenRequests
	if cfg.BreakerHalfOpenRequests <= 0 {
		cfg.BreakerHalfOpenRequests = 1
	}
	cfg.BreakerInterval = parseDuration(fc.CircuitBreaker.Interval, time.Minute)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 90*time.Second)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	cfg.StaleRetention = parseDuration(fc.Cache.StaleRetention, 24*time.Hour)
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.RedisURL = envOr("REDIS_URL", fc.Cache.Redis.URL)

	cfg.MinInterval = parseDurationOrZero(fc.Upstream.MinInterval, 200*time.Millisecond)
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	cfg.FetchDeadline = parseDuration(fc.Upstream.FetchDeadline, 15*time.Second)

	cfg.BatchMaxSize = fc.Batch.MaxSize
	if cfg.BatchMaxSize <= 0 {
		cfg.BatchMaxSize = 300
	}
	cfg.BatchDefaultLimit = fc.Batch.DefaultLimit
	if cfg.BatchDefaultLimit <= 0 {
		cfg.BatchDefaultLimit = 50
	}
	cfg.BatchWorkers = fc.Batch.Workers
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = 4
	}

	cfg.FreshWithin = parseDuration(fc.Freshness.FreshWithin, 24*time.Hour)
	cfg.StaleAfter = parseDurationOrZero(fc.Freshness.StaleAfter, 0)

	cfg.LocationsFile = envOr("LOCATIONS_FILE", fc.Locations.File)
	if cfg.LocationsFile == "" {
		cfg.LocationsFile = "geolocations.json"
	}

	cfg.RefreshInterval = parseDurationOrZero(fc.Refresh.Interval, 0)
	cfg.RefreshPrewarm = true
	if fc.Refresh.Prewarm != nil {
		cfg.RefreshPrewarm = *fc.Refresh.Prewarm
	}
	cfg.RefreshOnStart = fc.Refresh.RunOnStart

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.TrackedLocations = fc.Metrics.TrackedLocations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadUpdateKeyFromSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.UpdateKey), nil
}

// envOr returns the trimmed env var key when set, else the trimmed fallback.
func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
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
// Returns zero or negative durations as-is (caller should handle fallback).
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

// validate performs post-load validation. It rejects a non-positive upstream
// timeout and unknown cache backends. FetchDeadline is raised to cover one
// upstream call plus one gate interval. RequestTimeout is raised to cover
// a cold max-size batch: BatchMaxSize gate intervals plus one FetchDeadline.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if floor := cfg.WeatherAPITimeout + cfg.MinInterval; cfg.FetchDeadline < floor {
		cfg.FetchDeadline = floor
	}
	if floor := time.Duration(cfg.BatchMaxSize)*cfg.MinInterval + cfg.FetchDeadline; cfg.RequestTimeout < floor {
		cfg.RequestTimeout = floor
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	case "redis":
		if cfg.RedisURL == "" {
			return fmt.Errorf("cache.redis.url (or REDIS_URL) required for redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or redis, got %q", cfg.CacheBackend)
	}
	if cfg.BatchDefaultLimit > cfg.BatchMaxSize {
		return fmt.Errorf("batch.default_limit (%d) exceeds batch.max_size (%d)", cfg.BatchDefaultLimit, cfg.BatchMaxSize)
	}
	if cfg.StaleAfter < 0 {
		return fmt.Errorf("freshness.stale_after must not be negative")
	}
	if cfg.RefreshInterval < 0 {
		return fmt.Errorf("refresh.interval must not be negative")
	}
	return nil
}
