package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/weather-station/internal/cache"
	"github.com/kjstillabower/weather-station/internal/models"
	"github.com/kjstillabower/weather-station/internal/registry"
)

var errUpstreamDown = errors.New("upstream down")

// mockClient is a hand-rolled client.WeatherClient. fetch and probe default to success.
type mockClient struct {
	mu        sync.Mutex
	calls     int
	callTimes []time.Time
	fetch     func(ctx context.Context, loc models.LocationRecord, call int) (models.WeatherSnapshot, error)
	probe     func(ctx context.Context) error
}

func (m *mockClient) Fetch(ctx context.Context, loc models.LocationRecord) (models.WeatherSnapshot, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.callTimes = append(m.callTimes, time.Now())
	m.mu.Unlock()
	if m.fetch != nil {
		return m.fetch(ctx, loc, call)
	}
	return snapshotFor(loc, 20.0), nil
}

func (m *mockClient) Probe(ctx context.Context) error {
	if m.probe != nil {
		return m.probe(ctx)
	}
	return nil
}

func (m *mockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockClient) CallTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.callTimes...)
}

func snapshotFor(loc models.LocationRecord, temp float64) models.WeatherSnapshot {
	return models.WeatherSnapshot{
		Location:    loc.Name,
		Coordinates: models.Coordinates{Latitude: loc.Latitude, Longitude: loc.Longitude},
		Current:     models.CurrentConditions{Temperature: temp},
	}
}

// fakeClock is a goroutine-safe settable clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// failingStore wraps an InMemoryStore and fails selected operations.
type failingStore struct {
	*cache.InMemoryStore
	failGet   bool
	failClear bool
}

func (s *failingStore) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	if s.failGet {
		return models.CacheEntry{}, false, errors.New("cache get: connection refused")
	}
	return s.InMemoryStore.Get(ctx, key)
}

func (s *failingStore) Clear(ctx context.Context) error {
	if s.failClear {
		return errors.New("cache clear: connection refused")
	}
	return s.InMemoryStore.Clear(ctx)
}

func newTestRegistry(t *testing.T, n int) *registry.Registry {
	t.Helper()
	recs := make([]models.LocationRecord, n)
	for i := range recs {
		recs[i] = models.LocationRecord{Name: fmt.Sprintf("loc-%d", i+1), Latitude: float64(i), Longitude: float64(i)}
	}
	r, err := registry.New(recs)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	return r
}

func testvilleRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.New([]models.LocationRecord{{Name: "Testville", Latitude: 0, Longitude: 0}})
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	return r
}

func defaultTestConfig() ManagerConfig {
	return ManagerConfig{
		TTL:           time.Minute,
		FetchDeadline: 2 * time.Second,
		ProbeTimeout:  200 * time.Millisecond,
		Workers:       4,
	}
}

func newTestManager(t *testing.T, locs Locations, c *mockClient, store cache.Store, cfg ManagerConfig) (*Manager, *fakeClock) {
	t.Helper()
	if store == nil {
		store = cache.NewInMemoryStore()
	}
	m := NewManager(locs, c, store, nil, cfg, nil)
	clock := newFakeClock()
	m.now = clock.Now
	return m, clock
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
