package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/weather-station/internal/cache"
	"github.com/kjstillabower/weather-station/internal/client"
	"github.com/kjstillabower/weather-station/internal/models"
)

// TestManager_Get_EndToEnd verifies the miss, hit, invalidate, unavailable sequence.
func TestManager_Get_EndToEnd(t *testing.T) {
	mc := &mockClient{fetch: func(ctx context.Context, loc models.LocationRecord, call int) (models.WeatherSnapshot, error) {
		if call == 1 {
			return snapshotFor(loc, 20.0), nil
		}
		return models.WeatherSnapshot{}, errUpstreamDown
	}}
	m, clock := newTestManager(t, testvilleRegistry(t), mc, nil, defaultTestConfig())
	ctx := context.Background()

	got, err := m.Get(ctx, "Testville")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Current.Temperature != 20.0 {
		t.Errorf("Temperature = %v, want 20.0", got.Current.Temperature)
	}
	if !got.FetchedAt.Equal(clock.Now()) {
		t.Errorf("FetchedAt = %v, want manager clock %v", got.FetchedAt, clock.Now())
	}

	if _, err := m.Get(ctx, "testville"); err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if n := mc.Calls(); n != 1 {
		t.Errorf("upstream calls = %d, want 1 (second Get is a cache hit)", n)
	}

	if err := m.Invalidate(ctx, "Testville"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	_, err = m.Get(ctx, "Testville")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get() after invalidate error = %v, want ErrUnavailable", err)
	}
	if !errors.Is(err, errUpstreamDown) {
		t.Errorf("Get() error should wrap the upstream cause, got %v", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Location != "Testville" {
		t.Errorf("Get() error = %#v, want *FetchError for Testville", err)
	}
}

func TestManager_Get_UnknownLocation(t *testing.T) {
	mc := &mockClient{}
	m, _ := newTestManager(t, testvilleRegistry(t), mc, nil, defaultTestConfig())

	_, err := m.Get(context.Background(), "Atlantis")
	if !errors.Is(err, ErrLocationUnknown) {
		t.Errorf("Get() error = %v, want ErrLocationUnknown", err)
	}
	if mc.Calls() != 0 {
		t.Errorf("upstream calls = %d, want 0", mc.Calls())
	}
}

// TestManager_Get_Staleness verifies TTL handling: fresh at T+30s, refetched at
// T+61s, and served stale when that refetch fails.
func TestManager_Get_Staleness(t *testing.T) {
	mc := &mockClient{fetch: func(ctx context.Context, loc models.LocationRecord, call int) (models.WeatherSnapshot, error) {
		if call == 1 {
			return snapshotFor(loc, 15.0), nil
		}
		return models.WeatherSnapshot{}, client.ErrUpstreamTimeout
	}}
	cfg := defaultTestConfig()
	cfg.TTL = 60 * time.Second
	m, clock := newTestManager(t, testvilleRegistry(t), mc, nil, cfg)
	ctx := context.Background()

	first, err := m.Get(ctx, "Testville")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	clock.Advance(30 * time.Second)
	got, err := m.Get(ctx, "Testville")
	if err != nil || got.Stale {
		t.Fatalf("Get() at T+30s = stale %v, err %v; want fresh hit", got.Stale, err)
	}
	if mc.Calls() != 1 {
		t.Errorf("upstream calls at T+30s = %d, want 1", mc.Calls())
	}

	clock.Advance(31 * time.Second)
	got, err = m.Get(ctx, "Testville")
	if err != nil {
		t.Fatalf("Get() at T+61s error = %v, want stale fallback", err)
	}
	if !got.Stale {
		t.Error("Stale = false, want true after failed refresh")
	}
	if got.Current.Temperature != 15.0 || !got.FetchedAt.Equal(first.FetchedAt) {
		t.Errorf("stale snapshot = %+v, want original data", got)
	}
	if mc.Calls() != 2 {
		t.Errorf("upstream calls at T+61s = %d, want 2", mc.Calls())
	}
}

func TestManager_Get_StaleRefreshSucceeds(t *testing.T) {
	mc := &mockClient{fetch: func(ctx context.Context, loc models.LocationRecord, call int) (models.WeatherSnapshot, error) {
		return snapshotFor(loc, float64(call)), nil
	}}
	cfg := defaultTestConfig()
	cfg.TTL = 60 * time.Second
	m, clock := newTestManager(t, testvilleRegistry(t), mc, nil, cfg)
	ctx := context.Background()

	_, _ = m.Get(ctx, "Testville")
	clock.Advance(61 * time.Second)
	got, err := m.Get(ctx, "Testville")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Stale || got.Current.Temperature != 2 {
		t.Errorf("Get() = %+v, want fresh second fetch", got)
	}
	if !got.FetchedAt.Equal(clock.Now()) {
		t.Errorf("FetchedAt = %v, want %v", got.FetchedAt, clock.Now())
	}
}

// TestManager_Get_Dedup verifies concurrent misses for one location share a single upstream call.
func TestManager_Get_Dedup(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	mc := &mockClient{fetch: func(ctx context.Context, loc models.LocationRecord, call int) (models.WeatherSnapshot, error) {
		started <- struct{}{}
		<-release
		return snapshotFor(loc, 20.0), nil
	}}
	m, _ := newTestManager(t, testvilleRegistry(t), mc, nil, defaultTestConfig())

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	temps := make([]float64, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := m.Get(context.Background(), "Testville")
			errs[i], temps[i] = err, snap.Current.Temperature
		}(i)
	}

	<-started
	time.Sleep(50 * time.Millisecond) // let the other callers join
	close(release)
	wg.Wait()

	for i := range errs {
		if errs[i] != nil || temps[i] != 20.0 {
			t.Errorf("caller %d = %v, %v", i, temps[i], errs[i])
		}
	}
	if n := mc.Calls(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

// TestManager_Get_CallerCancelDetachesFetch verifies a caller that gives up
// gets an error while the fetch still completes and populates the cache.
func TestManager_Get_CallerCancelDetachesFetch(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	mc := &mockClient{fetch: func(ctx context.Context, loc models.LocationRecord, call int) (models.WeatherSnapshot, error) {
		started <- struct{}{}
		select {
		case <-release:
			return snapshotFor(loc, 20.0), nil
		case <-ctx.Done():
			return models.WeatherSnapshot{}, ctx.Err()
		}
	}}
	store := cache.NewInMemoryStore()
	m, _ := newTestManager(t, testvilleRegistry(t), mc, store, defaultTestConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Get(ctx, "Testville")
		errCh <- err
	}()
	<-started
	cancel()

	err := <-errCh
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Get() error = %v, want context.Canceled", err)
	}

	close(release)
	waitFor(t, time.Second, func() bool {
		_, ok, _ := store.Get(context.Background(), "Testville")
		return ok
	})
}

// TestManager_Get_FetchDeadline verifies the per-fetch deadline bounds a hung upstream.
func TestManager_Get_FetchDeadline(t *testing.T) {
	mc := &mockClient{fetch: func(ctx context.Context, loc models.LocationRecord, call int) (models.WeatherSnapshot, error) {
		<-ctx.Done()
		return models.WeatherSnapshot{}, ctx.Err()
	}}
	cfg := defaultTestConfig()
	cfg.FetchDeadline = 50 * time.Millisecond
	m, _ := newTestManager(t, testvilleRegistry(t), mc, nil, cfg)

	start := time.Now()
	_, err := m.Get(context.Background(), "Testville")
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Get() error = %v, want ErrUnavailable wrapping DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Get() took %v, want bounded by fetch deadline", elapsed)
	}
}

func TestManager_Get_CacheErrorTreatedAsMiss(t *testing.T) {
	mc := &mockClient{}
	store := &failingStore{InMemoryStore: cache.NewInMemoryStore(), failGet: true}
	m, _ := newTestManager(t, testvilleRegistry(t), mc, store, defaultTestConfig())

	got, err := m.Get(context.Background(), "Testville")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Current.Temperature != 20.0 || mc.Calls() != 1 {
		t.Errorf("Get() = %+v with %d calls, want upstream fetch", got, mc.Calls())
	}
}

// TestManager_GetMany_PartialFailure verifies the batch continues past failures
// and reports them in request order.
func TestManager_GetMany_PartialFailure(t *testing.T) {
	mc := &mockClient{fetch: func(ctx context.Context, loc models.LocationRecord, call int) (models.WeatherSnapshot, error) {
		if loc.Name == "loc-3" || loc.Name == "loc-5" {
			return models.WeatherSnapshot{}, errUpstreamDown
		}
		return snapshotFor(loc, 10), nil
	}}
	reg := newTestRegistry(t, 10)
	m, _ := newTestManager(t, reg, mc, nil, defaultTestConfig())

	res := m.GetMany(context.Background(), reg.Names(), 10)
	if res.TotalRequested != 10 || res.TotalFetched != 8 {
		t.Errorf("requested/fetched = %d/%d, want 10/8", res.TotalRequested, res.TotalFetched)
	}
	if len(res.Failed) != 2 || res.Failed[0] != "loc-3" || res.Failed[1] != "loc-5" {
		t.Errorf("Failed = %v, want [loc-3 loc-5]", res.Failed)
	}
	if len(res.Results) != 8 || len(res.Order) != 8 {
		t.Errorf("Results/Order = %d/%d, want 8/8", len(res.Results), len(res.Order))
	}
	if res.Order[0] != "loc-1" || res.Order[2] != "loc-4" {
		t.Errorf("Order = %v, want request order", res.Order)
	}
	if res.Canceled {
		t.Error("Canceled = true, want false")
	}
}

func TestManager_GetMany_LimitAndDuplicates(t *testing.T) {
	mc := &mockClient{}
	reg := newTestRegistry(t, 5)
	m, _ := newTestManager(t, reg, mc, nil, defaultTestConfig())

	res := m.GetMany(context.Background(), []string{"loc-1", "loc-1", "loc-2", "loc-3"}, 2)
	if res.TotalRequested != 2 || res.TotalFetched != 2 {
		t.Errorf("requested/fetched = %d/%d, want 2/2", res.TotalRequested, res.TotalFetched)
	}
	if mc.Calls() != 2 {
		t.Errorf("upstream calls = %d, want 2", mc.Calls())
	}
}

func TestManager_GetMany_CanceledBeforeStart(t *testing.T) {
	mc := &mockClient{}
	reg := newTestRegistry(t, 3)
	m, _ := newTestManager(t, reg, mc, nil, defaultTestConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := m.GetMany(ctx, reg.Names(), 0)
	if !res.Canceled {
		t.Error("Canceled = false, want true")
	}
	if len(res.Failed) != 3 || res.TotalFetched != 0 {
		t.Errorf("Failed = %v, fetched %d; want all 3 failed", res.Failed, res.TotalFetched)
	}
	if mc.Calls() != 0 {
		t.Errorf("upstream calls = %d, want 0", mc.Calls())
	}
}

// TestManager_GetMany_RateLimited verifies upstream dispatches are spaced by MinInterval.
func TestManager_GetMany_RateLimited(t *testing.T) {
	mc := &mockClient{}
	reg := newTestRegistry(t, 5)
	cfg := defaultTestConfig()
	cfg.MinInterval = 30 * time.Millisecond
	cfg.Workers = 5
	m, _ := newTestManager(t, reg, mc, nil, cfg)

	start := time.Now()
	res := m.GetMany(context.Background(), reg.Names(), 0)
	elapsed := time.Since(start)

	if res.TotalFetched != 5 {
		t.Fatalf("TotalFetched = %d, want 5", res.TotalFetched)
	}
	if elapsed < 4*cfg.MinInterval {
		t.Errorf("elapsed = %v, want >= %v for 5 spaced dispatches", elapsed, 4*cfg.MinInterval)
	}
	times := mc.CallTimes()
	for i := 1; i < len(times); i++ {
		// call times trail dispatch times; allow scheduling slack
		if gap := times[i].Sub(times[i-1]); gap < cfg.MinInterval-10*time.Millisecond {
			t.Errorf("gap between calls %d and %d = %v, want about >= %v", i-1, i, gap, cfg.MinInterval)
		}
	}
}

// TestManager_Status verifies cache ages, probe outcome and batch flags.
func TestManager_Status(t *testing.T) {
	mc := &mockClient{}
	reg := newTestRegistry(t, 2)
	m, clock := newTestManager(t, reg, mc, nil, defaultTestConfig())
	ctx := context.Background()

	empty := m.Status(ctx)
	if empty.CacheSize != 0 || !empty.UpstreamAccessible {
		t.Errorf("Status() on empty cache = %+v", empty)
	}

	_, _ = m.Get(ctx, "loc-1")
	clock.Advance(10 * time.Minute)
	_, _ = m.Get(ctx, "loc-2")
	clock.Advance(time.Minute)

	st := m.Status(ctx)
	if st.CacheSize != 2 {
		t.Errorf("CacheSize = %d, want 2", st.CacheSize)
	}
	if st.OldestEntryAge != 11*time.Minute || st.NewestEntryAge != time.Minute {
		t.Errorf("ages = %v/%v, want 11m/1m", st.OldestEntryAge, st.NewestEntryAge)
	}
	if st.RecentUpstreamCalls != 2 || st.RecentUpstreamErrors != 0 {
		t.Errorf("recent calls/errors = %d/%d, want 2/0", st.RecentUpstreamCalls, st.RecentUpstreamErrors)
	}
	if st.LastSuccessfulFetch.IsZero() || !st.LastCheckTime.Equal(clock.Now()) {
		t.Errorf("LastSuccessfulFetch/LastCheckTime = %v/%v", st.LastSuccessfulFetch, st.LastCheckTime)
	}
}

// TestManager_Status_ProbeBounded verifies Status returns within the probe
// timeout even when the probe ignores its context.
func TestManager_Status_ProbeBounded(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	mc := &mockClient{probe: func(ctx context.Context) error {
		<-block
		return nil
	}}
	cfg := defaultTestConfig()
	cfg.ProbeTimeout = 50 * time.Millisecond
	m, _ := newTestManager(t, testvilleRegistry(t), mc, nil, cfg)

	start := time.Now()
	st := m.Status(context.Background())
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Status() took %v, want about the probe timeout", elapsed)
	}
	if st.UpstreamAccessible {
		t.Error("UpstreamAccessible = true, want false on probe timeout")
	}
	if st.UpstreamError == "" {
		t.Error("UpstreamError is empty")
	}
}

func TestManager_Status_BatchInProgress(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	mc := &mockClient{fetch: func(ctx context.Context, loc models.LocationRecord, call int) (models.WeatherSnapshot, error) {
		started <- struct{}{}
		<-release
		return snapshotFor(loc, 1), nil
	}}
	reg := newTestRegistry(t, 1)
	m, _ := newTestManager(t, reg, mc, nil, defaultTestConfig())

	done := make(chan struct{})
	go func() {
		m.GetMany(context.Background(), reg.Names(), 0)
		close(done)
	}()
	<-started

	st := m.Status(context.Background())
	if !st.BatchInProgress || st.InFlight != 1 {
		t.Errorf("BatchInProgress/InFlight = %v/%d, want true/1", st.BatchInProgress, st.InFlight)
	}
	if states := m.InFlight(); len(states) != 1 || states[0].Location != "loc-1" {
		t.Errorf("InFlight() = %+v", states)
	}
	close(release)
	<-done

	if st := m.Status(context.Background()); st.BatchInProgress || st.InFlight != 0 {
		t.Errorf("after batch BatchInProgress/InFlight = %v/%d, want false/0", st.BatchInProgress, st.InFlight)
	}
}

// TestManager_SetTTL verifies a TTL change applies to future insertions only.
func TestManager_SetTTL(t *testing.T) {
	mc := &mockClient{}
	store := cache.NewInMemoryStore()
	reg := newTestRegistry(t, 2)
	m, _ := newTestManager(t, reg, mc, store, defaultTestConfig())
	ctx := context.Background()

	_, _ = m.Get(ctx, "loc-1")
	if err := m.SetTTL(5 * time.Minute); err != nil {
		t.Fatalf("SetTTL() error = %v", err)
	}
	_, _ = m.Get(ctx, "loc-2")

	e1, _, _ := store.Get(ctx, "loc-1")
	e2, _, _ := store.Get(ctx, "loc-2")
	if e1.TTL != time.Minute || e2.TTL != 5*time.Minute {
		t.Errorf("TTLs = %v/%v, want 1m/5m", e1.TTL, e2.TTL)
	}
	if err := m.SetTTL(0); err == nil {
		t.Error("SetTTL(0) error = nil, want error")
	}
	if m.TTL() != 5*time.Minute {
		t.Errorf("TTL() = %v, want 5m", m.TTL())
	}
}

func TestManager_InvalidateAll(t *testing.T) {
	mc := &mockClient{}
	reg := newTestRegistry(t, 3)
	m, _ := newTestManager(t, reg, mc, nil, defaultTestConfig())
	ctx := context.Background()

	m.GetMany(ctx, reg.Names(), 0)
	if err := m.InvalidateAll(ctx); err != nil {
		t.Fatalf("InvalidateAll() error = %v", err)
	}
	if st := m.Status(ctx); st.CacheSize != 0 {
		t.Errorf("CacheSize = %d, want 0", st.CacheSize)
	}
	if err := m.Invalidate(ctx, "nowhere"); !errors.Is(err, ErrLocationUnknown) {
		t.Errorf("Invalidate(unknown) error = %v, want ErrLocationUnknown", err)
	}
}

// TestManager_Invalidate_NewFetchAfterInFlight verifies a Get issued after
// invalidation starts its own fetch instead of joining one begun before it.
func TestManager_Invalidate_NewFetchAfterInFlight(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	mc := &mockClient{fetch: func(ctx context.Context, loc models.LocationRecord, call int) (models.WeatherSnapshot, error) {
		started <- struct{}{}
		if call == 1 {
			<-release
		}
		return snapshotFor(loc, float64(call)), nil
	}}
	m, _ := newTestManager(t, testvilleRegistry(t), mc, nil, defaultTestConfig())
	ctx := context.Background()

	go func() { _, _ = m.Get(ctx, "Testville") }()
	<-started

	if err := m.Invalidate(ctx, "Testville"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	snap, err := m.Get(ctx, "Testville")
	close(release)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if snap.Current.Temperature != 2 || mc.Calls() != 2 {
		t.Errorf("Get() temp %v after %d calls, want a second fetch", snap.Current.Temperature, mc.Calls())
	}
}

func TestManager_Refresh(t *testing.T) {
	mc := &mockClient{}
	reg := newTestRegistry(t, 3)
	m, clock := newTestManager(t, reg, mc, nil, defaultTestConfig())
	ctx := context.Background()

	m.GetMany(ctx, reg.Names(), 0)
	mc.fetch = func(ctx context.Context, loc models.LocationRecord, call int) (models.WeatherSnapshot, error) {
		if loc.Name == "loc-2" {
			return models.WeatherSnapshot{}, errUpstreamDown
		}
		return snapshotFor(loc, 30.0), nil
	}
	clock.Advance(time.Second)

	res := m.Refresh(ctx, reg.Names(), 0)
	if res.TotalFetched != 2 || len(res.Failed) != 1 || res.Failed[0] != "loc-2" {
		t.Errorf("Refresh() fetched %d failed %v, want 2 and [loc-2]", res.TotalFetched, res.Failed)
	}
	if n := mc.Calls(); n != 6 {
		t.Errorf("upstream calls = %d, want 6 (fresh entries are refetched)", n)
	}
	if st := m.Status(ctx); st.CacheSize != 3 {
		t.Errorf("CacheSize = %d, want 3 (failed refresh keeps its entry)", st.CacheSize)
	}
	kept, _ := m.Get(ctx, "loc-2")
	if kept.Current.Temperature != 20.0 {
		t.Errorf("loc-2 temperature = %v, want original 20.0", kept.Current.Temperature)
	}
	if res := m.Refresh(ctx, []string{"nowhere"}, 0); len(res.Failed) != 1 {
		t.Errorf("Refresh(unknown) failed = %v, want [nowhere]", res.Failed)
	}
}
