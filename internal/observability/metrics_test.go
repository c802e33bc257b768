package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kjstillabower/weather-station/internal/traffic"
)

// TestMetrics_Usable verifies that label dimensions match usage across the
// client, http, service and scheduler packages.
func TestMetrics_Usable(t *testing.T) {
	// Route uses path template to avoid cardinality (/api/data/live/{city} not /api/data/live/seattle)
	HTTPRequestsTotal.WithLabelValues("GET", "/api/data/live/{city}", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/api/data/live/{city}").Observe(0.01)
	UpstreamCallsTotal.WithLabelValues("success").Inc()
	UpstreamDuration.WithLabelValues("success").Observe(0.1)
	UpstreamErrorsTotal.WithLabelValues("timeout").Inc()
	CacheLookupsTotal.WithLabelValues("hit").Inc()
	CacheErrorsTotal.WithLabelValues("get").Inc()
	BatchLocationsTotal.WithLabelValues("fetched").Inc()
	RefreshRunsTotal.WithLabelValues("success").Inc()
	ObserveGateWait(50 * time.Millisecond)
}

// TestSetTrackedLocations_and_RecordLiveQuery verifies that tracked locations get
// their own label and others fall into "other".
func TestSetTrackedLocations_and_RecordLiveQuery(t *testing.T) {
	SetTrackedLocations([]string{"Seattle", "portland"})
	RecordLiveQuery(" seattle ")
	RecordLiveQuery("unknown-city")
	SetTrackedLocations(nil) // reset for other tests
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format, including the traffic window gauges.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	tr := traffic.NewTracker(time.Minute)
	tr.RecordSuccess()
	RegisterTrafficGauges(tr)

	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()

	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"httpRequestsTotal", "upstreamCallsInWindow"} {
		if !strings.Contains(body, name) {
			t.Errorf("MetricsHandler response missing %s", name)
		}
	}
}
