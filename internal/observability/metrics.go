package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/weather-station/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (dashboard reload storms).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Watch for: batch route p95 growing with location count.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Open-Meteo call rate by outcome. Watch for: error vs success ratio.
	UpstreamCallsTotal *prometheus.CounterVec

	// Open-Meteo latency. Watch for: p99 near the client timeout.
	UpstreamDuration *prometheus.HistogramVec

	// Upstream failures by category (timeout, network, rate_limited, ...).
	UpstreamErrorsTotal *prometheus.CounterVec

	// Circuit breaker state: 0 closed, 1 half-open, 2 open.
	UpstreamCircuitState prometheus.Gauge

	// Cache lookups by result: hit, miss, stale.
	CacheLookupsTotal *prometheus.CounterVec

	// Cache backend failures by operation. Lookups that fail count as misses.
	CacheErrorsTotal *prometheus.CounterVec

	// Stale snapshots served after a failed refresh. Watch for: sustained growth = upstream outage.
	StaleServedTotal prometheus.Counter

	// Callers that joined an existing in-flight fetch instead of starting one.
	CoalescedFetchesTotal prometheus.Counter

	// Upstream fetches currently running.
	FetchesInFlight prometheus.Gauge

	// Time spent waiting at the dispatch gate. Watch for: queueing during batch refreshes.
	GateWaitDuration prometheus.Histogram

	// Batch request latency end to end.
	BatchDuration prometheus.Histogram

	// Locations processed by batches, by outcome: fetched, failed.
	BatchLocationsTotal *prometheus.CounterVec

	// Single-location lookups.
	LiveQueriesTotal prometheus.Counter

	// Per-location lookups (allow-list; others go to "other").
	LiveQueriesByLocationTotal *prometheus.CounterVec

	// Inbound API rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	// Scheduled refresh runs by result: success, failure.
	RefreshRunsTotal *prometheus.CounterVec

	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}

	trafficGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total number of Open-Meteo API calls",
		},
		[]string{"status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "Open-Meteo API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamErrorsTotal",
			Help: "Open-Meteo failures by error category",
		},
		[]string{"category"},
	)
	UpstreamCircuitState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstreamCircuitState",
			Help: "Upstream circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheLookupsTotal",
			Help: "Cache lookups by result (hit, miss, stale)",
		},
		[]string{"result"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors by operation",
		},
		[]string{"op"},
	)
	StaleServedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "staleServedTotal",
			Help: "Snapshots served flagged stale after a failed refresh",
		},
	)
	CoalescedFetchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescedFetchesTotal",
			Help: "Lookups that shared an in-flight upstream fetch",
		},
	)
	FetchesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fetchesInFlight",
			Help: "Upstream fetches currently running",
		},
	)
	GateWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateWaitSeconds",
			Help:    "Time spent waiting for the upstream dispatch gate",
			Buckets: []float64{0, .05, .1, .25, .5, 1, 5, 15, 30, 60},
		},
	)
	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batchDurationSeconds",
			Help:    "Batch request latency in seconds",
			Buckets: []float64{.01, .1, .5, 1, 5, 15, 30, 60, 120},
		},
	)
	BatchLocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchLocationsTotal",
			Help: "Locations processed by batch requests, by outcome",
		},
		[]string{"outcome"},
	)
	LiveQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liveQueriesTotal",
			Help: "Total number of single-location lookups",
		},
	)
	LiveQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveQueriesByLocationTotal",
			Help: "Single-location lookups by location (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	RefreshRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshRunsTotal",
			Help: "Scheduled refresh runs by result",
		},
		[]string{"result"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration, UpstreamErrorsTotal, UpstreamCircuitState,
		CacheLookupsTotal, CacheErrorsTotal, StaleServedTotal,
		CoalescedFetchesTotal, FetchesInFlight, GateWaitDuration,
		BatchDuration, BatchLocationsTotal,
		LiveQueriesTotal, LiveQueriesByLocationTotal,
		RateLimitDeniedTotal, RefreshRunsTotal,
	)
}

// RegisterTrafficGauges exposes the upstream outcome window of t as gauges.
// Call once from main after config load.
func RegisterTrafficGauges(t *traffic.Tracker) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "upstreamCallsInWindow",
					Help: "Upstream calls in the recent outcome window",
				},
				func() float64 { return float64(t.Calls()) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "upstreamErrorsInWindow",
					Help: "Upstream errors in the recent outcome window",
				},
				func() float64 { return float64(t.Errors()) },
			),
		)
	})
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// RecordLiveQuery records a single-location lookup for the given location.
func RecordLiveQuery(location string) {
	LiveQueriesTotal.Inc()
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc]
	trackedLocationsMu.RUnlock()
	if ok {
		LiveQueriesByLocationTotal.WithLabelValues(loc).Inc()
	} else {
		LiveQueriesByLocationTotal.WithLabelValues("other").Inc()
	}
}

// ObserveGateWait records how long a fetch waited at the dispatch gate.
func ObserveGateWait(d time.Duration) {
	GateWaitDuration.Observe(d.Seconds())
}

func normalizeLocationForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
