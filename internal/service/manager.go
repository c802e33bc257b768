package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-station/internal/cache"
	"github.com/kjstillabower/weather-station/internal/client"
	"github.com/kjstillabower/weather-station/internal/models"
	"github.com/kjstillabower/weather-station/internal/observability"
	"github.com/kjstillabower/weather-station/internal/traffic"
)

// Locations is the read-only location lookup the manager serves from.
type Locations interface {
	Lookup(name string) (models.LocationRecord, bool)
	All() []models.LocationRecord
	Names() []string
	Len() int
}

// ManagerConfig holds the tunables of the live data manager.
type ManagerConfig struct {
	TTL           time.Duration // freshness window for new cache entries
	MinInterval   time.Duration // minimum spacing between upstream dispatches
	FetchDeadline time.Duration // bound on gate wait plus upstream call for one fetch
	ProbeTimeout  time.Duration // bound on the reachability probe in Status
	Workers       int           // concurrent fetches in GetMany
}

// Manager serves weather snapshots cache-aside with soft expiry, one in-flight
// fetch per location, and a shared dispatch gate in front of upstream.
type Manager struct {
	locations Locations
	client    client.WeatherClient
	store     cache.Store
	gate      *Gate
	coalescer *requestCoalescer
	fetches   *fetchTracker
	outcomes  *traffic.Tracker
	logger    *zap.Logger
	now       func() time.Time

	ttl          atomic.Int64
	probeTimeout time.Duration
	workers      int
	batches      atomic.Int32

	mu          sync.Mutex
	lastSuccess time.Time
}

// NewManager wires a manager. outcomes may be nil, in which case a private tracker is used.
func NewManager(locations Locations, c client.WeatherClient, store cache.Store, outcomes *traffic.Tracker, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FetchDeadline <= 0 {
		cfg.FetchDeadline = 15 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if outcomes == nil {
		outcomes = traffic.NewTracker(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		locations:    locations,
		client:       c,
		store:        store,
		gate:         NewGate(cfg.MinInterval),
		coalescer:    newRequestCoalescer(cfg.FetchDeadline),
		fetches:      newFetchTracker(),
		outcomes:     outcomes,
		logger:       logger,
		now:          time.Now,
		probeTimeout: cfg.ProbeTimeout,
		workers:      cfg.Workers,
	}
	m.ttl.Store(int64(cfg.TTL))
	return m
}

// TTL returns the TTL applied to new cache entries.
func (m *Manager) TTL() time.Duration {
	return time.Duration(m.ttl.Load())
}

// SetTTL changes the TTL for future insertions. Existing entries keep theirs.
func (m *Manager) SetTTL(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("ttl must be positive, got %v", d)
	}
	m.ttl.Store(int64(d))
	return nil
}

// Get returns the snapshot for name. A fresh entry is returned without touching
// upstream. Otherwise one fetch is made (shared with concurrent callers); if it
// fails and an expired entry exists, that entry is returned with Stale set.
func (m *Manager) Get(ctx context.Context, name string) (models.WeatherSnapshot, error) {
	rec, ok := m.locations.Lookup(name)
	if !ok {
		return models.WeatherSnapshot{}, &FetchError{Location: name, Kind: ErrLocationUnknown}
	}
	logger := observability.LoggerFromContext(ctx, m.logger)

	entry, found, err := m.store.Get(ctx, rec.Name)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		logger.Warn("cache get failed", zap.String("location", rec.Name), zap.Error(err))
		found = false
	}
	if found && !entry.IsStale(m.now()) {
		observability.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return entry.Snapshot, nil
	}
	if found {
		observability.CacheLookupsTotal.WithLabelValues("stale").Inc()
	} else {
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	snap, shared, err := m.coalescer.GetOrDo(ctx, rec.Name, func(fctx context.Context) (models.WeatherSnapshot, error) {
		return m.fetchAndStore(fctx, rec)
	})
	if shared {
		observability.CoalescedFetchesTotal.Inc()
	}
	if err == nil {
		return snap, nil
	}

	if found {
		observability.StaleServedTotal.Inc()
		logger.Info("serving stale snapshot",
			zap.String("location", rec.Name),
			zap.Duration("age", entry.Age(m.now())),
			zap.Error(err))
		stale := entry.Snapshot
		stale.Stale = true
		return stale, nil
	}
	return models.WeatherSnapshot{}, &FetchError{Location: rec.Name, Kind: ErrUnavailable, Err: err}
}

// fetchAndStore runs gate, upstream call and store write under fctx.
func (m *Manager) fetchAndStore(fctx context.Context, rec models.LocationRecord) (models.WeatherSnapshot, error) {
	logger := observability.LoggerFromContext(fctx, m.logger)
	started := time.Now()
	m.fetches.Start(rec.Name, m.now())
	observability.FetchesInFlight.Inc()
	defer func() {
		m.fetches.Done(rec.Name)
		observability.FetchesInFlight.Dec()
	}()

	dispatched, err := m.gate.Wait(fctx)
	if err != nil {
		m.outcomes.RecordError()
		return models.WeatherSnapshot{}, fmt.Errorf("waiting for dispatch slot: %w", err)
	}
	observability.ObserveGateWait(dispatched.Sub(started))

	snap, err := m.client.Fetch(fctx, rec)
	if err != nil {
		m.outcomes.RecordError()
		logger.Warn("upstream fetch failed",
			zap.String("location", rec.Name),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err))
		return models.WeatherSnapshot{}, err
	}
	m.outcomes.RecordSuccess()

	now := m.now()
	snap.FetchedAt = now
	snap.Stale = false
	m.mu.Lock()
	if now.After(m.lastSuccess) {
		m.lastSuccess = now
	}
	m.mu.Unlock()

	entry := models.CacheEntry{Snapshot: snap, TTL: m.TTL(), InsertedAt: now}
	if err := m.store.Set(fctx, rec.Name, entry); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set").Inc()
		logger.Warn("cache set failed", zap.String("location", rec.Name), zap.Error(err))
	}
	logger.Debug("weather fetched", zap.String("location", rec.Name), zap.Duration("duration", time.Since(started)))
	return snap, nil
}

// GetMany fetches the first limit names (all when limit <= 0) with at most
// Workers concurrent lookups. Failures are collected, not returned. When ctx is
// done no further lookups start; those locations are reported failed and
// Canceled is set. Fetches already dispatched complete and populate the cache.
func (m *Manager) GetMany(ctx context.Context, names []string, limit int) models.BatchResult {
	return m.runBatch(ctx, "batch", names, limit, m.Get)
}

// Refresh refetches the first limit names regardless of freshness. A success
// replaces the cached entry; a failure leaves the existing entry in place so
// it can still be served stale. Nothing is deleted.
func (m *Manager) Refresh(ctx context.Context, names []string, limit int) models.BatchResult {
	return m.runBatch(ctx, "refresh", names, limit, m.refresh)
}

// refresh is Get without the fresh-hit shortcut or the stale fallback.
func (m *Manager) refresh(ctx context.Context, name string) (models.WeatherSnapshot, error) {
	rec, ok := m.locations.Lookup(name)
	if !ok {
		return models.WeatherSnapshot{}, &FetchError{Location: name, Kind: ErrLocationUnknown}
	}
	snap, shared, err := m.coalescer.GetOrDo(ctx, rec.Name, func(fctx context.Context) (models.WeatherSnapshot, error) {
		return m.fetchAndStore(fctx, rec)
	})
	if shared {
		observability.CoalescedFetchesTotal.Inc()
	}
	if err != nil {
		return models.WeatherSnapshot{}, &FetchError{Location: rec.Name, Kind: ErrUnavailable, Err: err}
	}
	return snap, nil
}

func (m *Manager) runBatch(ctx context.Context, kind string, names []string, limit int, lookup func(context.Context, string) (models.WeatherSnapshot, error)) models.BatchResult {
	start := time.Now()
	m.batches.Add(1)
	defer m.batches.Add(-1)

	names = dedupe(names)
	if limit > 0 && limit < len(names) {
		names = names[:limit]
	}

	type outcome struct {
		snap models.WeatherSnapshot
		err  error
	}
	results := make([]outcome, len(names))
	launched := 0

	var g errgroup.Group
	g.SetLimit(m.workers)
	for i, name := range names {
		if ctx.Err() != nil {
			break
		}
		i, name := i, name
		g.Go(func() error {
			snap, err := lookup(ctx, name)
			results[i] = outcome{snap: snap, err: err}
			return nil
		})
		launched++
	}
	_ = g.Wait()

	res := models.BatchResult{
		Results:        make(map[string]models.WeatherSnapshot, len(names)),
		TotalRequested: len(names),
		Canceled:       ctx.Err() != nil,
	}
	for i, name := range names {
		if i >= launched || results[i].err != nil {
			res.Failed = append(res.Failed, name)
			continue
		}
		res.Results[name] = results[i].snap
		res.Order = append(res.Order, name)
	}
	res.TotalFetched = len(res.Order)
	res.Elapsed = time.Since(start)

	observability.BatchDuration.Observe(res.Elapsed.Seconds())
	observability.BatchLocationsTotal.WithLabelValues("fetched").Add(float64(res.TotalFetched))
	observability.BatchLocationsTotal.WithLabelValues("failed").Add(float64(len(res.Failed)))
	observability.LoggerFromContext(ctx, m.logger).Info(kind+" complete",
		zap.Int("requested", res.TotalRequested),
		zap.Int("fetched", res.TotalFetched),
		zap.Int("failed", len(res.Failed)),
		zap.Bool("canceled", res.Canceled),
		zap.Duration("elapsed", res.Elapsed))
	return res
}

// Invalidate drops the cached entry for name.
func (m *Manager) Invalidate(ctx context.Context, name string) error {
	rec, ok := m.locations.Lookup(name)
	if !ok {
		return &FetchError{Location: name, Kind: ErrLocationUnknown}
	}
	m.coalescer.Forget(rec.Name)
	if err := m.store.Delete(ctx, rec.Name); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("delete").Inc()
		return fmt.Errorf("invalidate %s: %w", rec.Name, err)
	}
	return nil
}

// InvalidateAll drops every cached entry. Fetches already in flight still
// store their result, but later callers start new fetches instead of joining them.
func (m *Manager) InvalidateAll(ctx context.Context) error {
	for _, name := range m.locations.Names() {
		m.coalescer.Forget(name)
	}
	if err := m.store.Clear(ctx); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("clear").Inc()
		return fmt.Errorf("invalidate all: %w", err)
	}
	return nil
}

// Status reads the store and probes upstream. The probe is bounded by the
// probe timeout even if the client ignores its context. No manager locks are
// held while probing.
func (m *Manager) Status(ctx context.Context) models.StatusSnapshot {
	logger := observability.LoggerFromContext(ctx, m.logger)
	snap := models.StatusSnapshot{
		InFlight:             m.fetches.Count(),
		BatchInProgress:      m.batches.Load() > 0,
		RecentUpstreamCalls:  m.outcomes.Calls(),
		RecentUpstreamErrors: m.outcomes.Errors(),
	}

	entries, err := m.store.Entries(ctx)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("entries").Inc()
		logger.Warn("cache entries failed", zap.Error(err))
	}
	now := m.now()
	snap.CacheSize = len(entries)
	for i, e := range entries {
		age := e.Age(now)
		if i == 0 || age > snap.OldestEntryAge {
			snap.OldestEntryAge = age
		}
		if i == 0 || age < snap.NewestEntryAge {
			snap.NewestEntryAge = age
		}
	}

	m.mu.Lock()
	snap.LastSuccessfulFetch = m.lastSuccess
	m.mu.Unlock()

	if err := m.probe(ctx); err != nil {
		snap.UpstreamError = err.Error()
		logger.Debug("upstream probe failed", zap.Error(err))
	} else {
		snap.UpstreamAccessible = true
	}
	snap.LastCheckTime = m.now()
	return snap
}

func (m *Manager) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.client.Probe(pctx) }()
	select {
	case err := <-done:
		return err
	case <-pctx.Done():
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: probe exceeded %v", client.ErrUpstreamTimeout, m.probeTimeout)
		}
		return pctx.Err()
	}
}

// InFlight returns the fetches currently running, oldest first.
func (m *Manager) InFlight() []models.FetchState {
	return m.fetches.States()
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
