package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-station/internal/models"
	"github.com/kjstillabower/weather-station/internal/observability"
	"github.com/kjstillabower/weather-station/internal/status"
)

// CoordinatorConfig bounds batch requests and sets freshness thresholds.
type CoordinatorConfig struct {
	MaxBatchSize int
	DefaultLimit int
	Thresholds   status.Thresholds
}

// StatusReport is a status snapshot plus its freshness classification.
type StatusReport struct {
	status.Report
	Snapshot       models.StatusSnapshot
	TotalLocations int
	InFlight       []models.FetchState
}

// Coordinator is the entry point for the web layer and the refresh scheduler.
type Coordinator struct {
	manager   *Manager
	locations Locations
	cfg       CoordinatorConfig
	logger    *zap.Logger
}

func NewCoordinator(manager *Manager, locations Locations, cfg CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 300
	}
	if cfg.DefaultLimit <= 0 || cfg.DefaultLimit > cfg.MaxBatchSize {
		cfg.DefaultLimit = min(50, cfg.MaxBatchSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{manager: manager, locations: locations, cfg: cfg, logger: logger}
}

// DefaultLimit is the batch size used when a request does not give one.
func (c *Coordinator) DefaultLimit() int {
	return c.cfg.DefaultLimit
}

// ClampLimit bounds a requested batch size to [1, MaxBatchSize].
func (c *Coordinator) ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > c.cfg.MaxBatchSize {
		return c.cfg.MaxBatchSize
	}
	return limit
}

// GetWeatherBatch fetches the first limit registry locations in registry order.
func (c *Coordinator) GetWeatherBatch(ctx context.Context, limit int) (models.BatchResult, error) {
	if c.locations.Len() == 0 {
		return models.BatchResult{}, ErrRegistryEmpty
	}
	return c.manager.GetMany(ctx, c.locations.Names(), c.ClampLimit(limit)), nil
}

// GetLive returns one location's snapshot.
func (c *Coordinator) GetLive(ctx context.Context, name string) (models.WeatherSnapshot, error) {
	observability.RecordLiveQuery(name)
	return c.manager.Get(ctx, name)
}

// GetStatus returns the manager status classified against the configured thresholds.
func (c *Coordinator) GetStatus(ctx context.Context) StatusReport {
	snap := c.manager.Status(ctx)
	return StatusReport{
		Report:         status.Classify(snap, c.cfg.Thresholds),
		Snapshot:       snap,
		TotalLocations: c.locations.Len(),
		InFlight:       c.manager.InFlight(),
	}
}

// ForceUpdate refreshes the cache. With prewarm, registry locations up to
// MaxBatchSize are refetched and each entry is replaced only when its fetch
// succeeds, so an outage leaves stale entries servable. Without prewarm every
// entry is dropped. It returns false when invalidation fails or a prewarm
// refreshes no location at all.
func (c *Coordinator) ForceUpdate(ctx context.Context, prewarm bool) bool {
	logger := observability.LoggerFromContext(ctx, c.logger)
	if !prewarm {
		if err := c.manager.InvalidateAll(ctx); err != nil {
			logger.Error("force update: invalidation failed", zap.Error(err))
			return false
		}
		logger.Info("force update: cache cleared")
		return true
	}
	if c.locations.Len() == 0 {
		return true
	}

	start := time.Now()
	res := c.manager.Refresh(ctx, c.locations.Names(), c.cfg.MaxBatchSize)
	logger.Info("force update: prewarm complete",
		zap.Int("fetched", res.TotalFetched),
		zap.Int("failed", len(res.Failed)),
		zap.Duration("elapsed", time.Since(start)))
	return res.TotalFetched > 0
}

// InFlight returns the upstream fetches currently running, oldest first.
func (c *Coordinator) InFlight() []models.FetchState {
	return c.manager.InFlight()
}

// CacheTTL returns the TTL applied to new cache entries.
func (c *Coordinator) CacheTTL() time.Duration {
	return c.manager.TTL()
}

// SetCacheTTL changes the TTL for future cache entries.
func (c *Coordinator) SetCacheTTL(d time.Duration) error {
	return c.manager.SetTTL(d)
}

// MaxBatchSize is the upper bound applied by ClampLimit.
func (c *Coordinator) MaxBatchSize() int {
	return c.cfg.MaxBatchSize
}

// ListLocations returns every registry location in registry order.
func (c *Coordinator) ListLocations() []models.LocationRecord {
	return c.locations.All()
}
