//go:build integration
// +build integration

// Package testhelpers builds a full service stack for integration tests
// against the real Open-Meteo API and optional remote cache backends.
package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/weather-station/internal/cache"
	"github.com/kjstillabower/weather-station/internal/client"
	"github.com/kjstillabower/weather-station/internal/models"
	"github.com/kjstillabower/weather-station/internal/registry"
	"github.com/kjstillabower/weather-station/internal/service"
	"github.com/kjstillabower/weather-station/internal/status"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	UpstreamURL   string
	CacheBackend  string // "in_memory", "memcached" or "redis"
	MemcachedAddr string
	RedisURL      string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test when SKIP_UPSTREAM_INTEGRATION is set (e.g. offline CI).
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	if os.Getenv("SKIP_UPSTREAM_INTEGRATION") != "" {
		t.Skip("SKIP_UPSTREAM_INTEGRATION set, skipping integration test")
	}
	cfg := IntegrationTestConfig{
		UpstreamURL:   os.Getenv("UPSTREAM_URL"),
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: os.Getenv("MEMCACHED_ADDRS"),
		RedisURL:      os.Getenv("REDIS_URL"),
	}
	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = client.DefaultBaseURL
	}
	if cfg.MemcachedAddr == "" {
		cfg.MemcachedAddr = "localhost:11211"
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://localhost:6379/15"
	}
	return cfg
}

// IntegrationLocations is a small real registry used across integration tests.
func IntegrationLocations(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]models.LocationRecord{
		{Name: "Seattle", Latitude: 47.6062, Longitude: -122.3321, Region: "WA", Country: "US", Timezone: "America/Los_Angeles"},
		{Name: "London", Latitude: 51.5074, Longitude: -0.1278, Country: "GB"},
		{Name: "Tokyo", Latitude: 35.6762, Longitude: 139.6503, Country: "JP", Timezone: "Asia/Tokyo"},
	})
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	return reg
}

// SetupIntegrationStore returns the configured store, falling back to
// in-memory when the remote backend is unreachable.
func SetupIntegrationStore(t *testing.T, cfg IntegrationTestConfig) cache.Store {
	t.Helper()
	switch cfg.CacheBackend {
	case "memcached":
		mc := cache.NewMemcachedStore(cfg.MemcachedAddr, 500*time.Millisecond, 2, time.Hour)
		err := mc.Ping()
		if err == nil {
			t.Cleanup(func() {
				_ = mc.Clear(context.Background())
				_ = mc.Close()
			})
			t.Logf("Using memcached store at %s", cfg.MemcachedAddr)
			return mc
		}
		t.Logf("memcached not available (%v), using in-memory store", err)
	case "redis":
		rc, err := cache.ConnectRedis(cfg.RedisURL)
		if err == nil {
			rs := cache.NewRedisStore(rc, time.Hour)
			if err = rs.Ping(context.Background()); err == nil {
				t.Cleanup(func() {
					_ = rs.Clear(context.Background())
					_ = rs.Close()
				})
				t.Logf("Using redis store at %s", cfg.RedisURL)
				return rs
			}
		}
		t.Logf("redis not available (%v), using in-memory store", err)
	}
	return cache.NewInMemoryStore()
}

// SetupIntegrationClient creates an Open-Meteo client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) client.WeatherClient {
	t.Helper()
	c, err := client.NewOpenMeteoClient(client.Options{BaseURL: cfg.UpstreamURL, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("NewOpenMeteoClient() error = %v", err)
	}
	return c
}

// SetupIntegrationCoordinator wires registry, client, store, manager and coordinator.
func SetupIntegrationCoordinator(t *testing.T, cfg IntegrationTestConfig) (*service.Coordinator, cache.Store) {
	t.Helper()
	reg := IntegrationLocations(t)
	store := SetupIntegrationStore(t, cfg)
	mgr := service.NewManager(reg, SetupIntegrationClient(t, cfg), store, nil, service.ManagerConfig{
		TTL:           5 * time.Minute,
		MinInterval:   200 * time.Millisecond,
		FetchDeadline: 15 * time.Second,
		ProbeTimeout:  5 * time.Second,
		Workers:       2,
	}, nil)
	coord := service.NewCoordinator(mgr, reg, service.CoordinatorConfig{
		MaxBatchSize: 10,
		DefaultLimit: 3,
		Thresholds:   status.Thresholds{FreshWithin: time.Hour},
	}, nil)
	return coord, store
}
