package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-station/internal/lifecycle"
	"github.com/kjstillabower/weather-station/internal/models"
	"github.com/kjstillabower/weather-station/internal/observability"
	"github.com/kjstillabower/weather-station/internal/scheduler"
	"github.com/kjstillabower/weather-station/internal/service"
	"github.com/kjstillabower/weather-station/internal/validation"
)

// UpdateKeyHeader carries the shared key for POST /api/data/update.
const UpdateKeyHeader = "X-Update-Key"

// HandlerConfig holds optional handler dependencies.
type HandlerConfig struct {
	// UpdateKey, when set, must match the X-Update-Key header on force updates.
	UpdateKey string

	// CachePing, when set, is called by /health to check a remote cache backend.
	CachePing func(ctx context.Context) error

	// RefreshState, when set, reports the periodic refresh job in status and config.
	RefreshState func() scheduler.State

	UpstreamURL string
	Version     string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	coordinator      *service.Coordinator
	cfg              HandlerConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(coordinator *service.Coordinator, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Handler{coordinator: coordinator, cfg: cfg, logger: logger}
}

type batchResponse struct {
	Data           []models.WeatherSnapshot `json:"data"`
	Failed         []string                 `json:"failed"`
	Count          int                      `json:"count"`
	Requested      int                      `json:"requested"`
	Limit          int                      `json:"limit"`
	TotalLocations int                      `json:"total_locations"`
	ElapsedMs      int64                    `json:"elapsed_ms"`
	Canceled       bool                     `json:"canceled,omitempty"`
	Timestamp      string                   `json:"timestamp"`
}

// GetWeatherBatch handles GET /api/data/weather?limit=N.
func (h *Handler) GetWeatherBatch(w http.ResponseWriter, r *http.Request) {
	limit, err := validation.Limit(r.URL.Query().Get("limit"), h.coordinator.DefaultLimit())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", err.Error())
		return
	}
	limit = h.coordinator.ClampLimit(limit)

	res, err := h.coordinator.GetWeatherBatch(r.Context(), limit)
	if err != nil {
		if errors.Is(err, service.ErrRegistryEmpty) {
			writeError(w, r, http.StatusInternalServerError, "NO_LOCATIONS", "No locations configured")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "Unable to fetch weather data")
		return
	}

	resp := batchResponse{
		Data:           make([]models.WeatherSnapshot, 0, len(res.Order)),
		Failed:         res.Failed,
		Count:          res.TotalFetched,
		Requested:      res.TotalRequested,
		Limit:          limit,
		TotalLocations: len(h.coordinator.ListLocations()),
		ElapsedMs:      res.Elapsed.Milliseconds(),
		Canceled:       res.Canceled,
		Timestamp:      timestamp(),
	}
	for _, name := range res.Order {
		resp.Data = append(resp.Data, res.Results[name])
	}
	if resp.Failed == nil {
		resp.Failed = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetLive handles GET /api/data/live/{city}.
func (h *Handler) GetLive(w http.ResponseWriter, r *http.Request) {
	city, err := validation.CityName(mux.Vars(r)["city"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	}

	snap, err := h.coordinator.GetLive(r.Context(), city)
	if err != nil {
		if errors.Is(err, service.ErrLocationUnknown) {
			writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", "Unknown location: "+city)
			return
		}
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type statusResponse struct {
	Status                string          `json:"status"`
	Reason                string          `json:"reason,omitempty"`
	Message               string          `json:"message"`
	UpstreamAccessible    bool            `json:"upstream_accessible"`
	UpstreamError         string          `json:"upstream_error,omitempty"`
	CacheSize             int             `json:"cache_size"`
	TotalLocations        int             `json:"total_locations"`
	OldestEntryAgeSeconds float64         `json:"oldest_entry_age_seconds"`
	NewestEntryAgeSeconds float64         `json:"newest_entry_age_seconds"`
	InFlight              int             `json:"in_flight"`
	BatchInProgress       bool            `json:"batch_in_progress"`
	RecentUpstreamCalls   int             `json:"recent_upstream_calls"`
	RecentUpstreamErrors  int             `json:"recent_upstream_errors"`
	LastCheckTime         string          `json:"last_check_time"`
	LastSuccessfulFetch   *string         `json:"last_successful_fetch"`
	InFlightFetches       []inFlightFetch `json:"in_flight_fetches"`
	AutoUpdate            autoUpdate      `json:"auto_update"`
	Timestamp             string          `json:"timestamp"`
}

type inFlightFetch struct {
	Location  string `json:"location"`
	StartedAt string `json:"started_at"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

type autoUpdate struct {
	Enabled         bool    `json:"enabled"`
	IntervalSeconds float64 `json:"interval_seconds"`
	Running         bool    `json:"running"`
	LastRun         *string `json:"last_run"`
	LastRunOK       bool    `json:"last_run_ok"`
	NextRun         *string `json:"next_run"`
}

func (h *Handler) refreshState() scheduler.State {
	if h.cfg.RefreshState == nil {
		return scheduler.State{}
	}
	return h.cfg.RefreshState()
}

func formatOptional(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// GetStatus handles GET /api/data/status and GET /api/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	rep := h.coordinator.GetStatus(r.Context())
	snap := rep.Snapshot
	resp := statusResponse{
		Status:                string(rep.Status),
		Reason:                rep.Reason,
		Message:               rep.Message,
		UpstreamAccessible:    rep.UpstreamAccessible,
		UpstreamError:         snap.UpstreamError,
		CacheSize:             snap.CacheSize,
		TotalLocations:        rep.TotalLocations,
		OldestEntryAgeSeconds: snap.OldestEntryAge.Seconds(),
		NewestEntryAgeSeconds: snap.NewestEntryAge.Seconds(),
		InFlight:              snap.InFlight,
		BatchInProgress:       snap.BatchInProgress,
		RecentUpstreamCalls:   snap.RecentUpstreamCalls,
		RecentUpstreamErrors:  snap.RecentUpstreamErrors,
		LastCheckTime:         snap.LastCheckTime.UTC().Format(time.RFC3339),
		Timestamp:             timestamp(),
	}
	resp.LastSuccessfulFetch = formatOptional(snap.LastSuccessfulFetch)

	now := time.Now()
	resp.InFlightFetches = make([]inFlightFetch, 0, len(rep.InFlight))
	for _, f := range rep.InFlight {
		resp.InFlightFetches = append(resp.InFlightFetches, inFlightFetch{
			Location:  f.Location,
			StartedAt: f.StartedAt.UTC().Format(time.RFC3339),
			ElapsedMs: now.Sub(f.StartedAt).Milliseconds(),
		})
	}

	rs := h.refreshState()
	resp.AutoUpdate = autoUpdate{
		Enabled:         rs.Enabled,
		IntervalSeconds: rs.Interval.Seconds(),
		Running:         rs.Running,
		LastRun:         formatOptional(rs.LastRun),
		LastRunOK:       rs.LastSuccess,
		NextRun:         formatOptional(rs.NextRun),
	}
	writeJSON(w, http.StatusOK, resp)
}

// PostUpdate handles POST /api/data/update?prewarm=true. When an update key is
// configured the request must carry it in X-Update-Key.
func (h *Handler) PostUpdate(w http.ResponseWriter, r *http.Request) {
	if h.cfg.UpdateKey != "" {
		got := r.Header.Get(UpdateKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.UpdateKey)) != 1 {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid update key")
			return
		}
	}
	prewarm := false
	if raw := r.URL.Query().Get("prewarm"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_PREWARM", "prewarm must be a boolean")
			return
		}
		prewarm = v
	}

	ok := h.coordinator.ForceUpdate(r.Context(), prewarm)
	resp := map[string]interface{}{
		"success":   ok,
		"message":   "Data update completed successfully",
		"timestamp": timestamp(),
	}
	if !ok {
		resp["message"] = "Data update failed"
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetConfig handles GET /api/config with public settings only.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	rs := h.refreshState()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"app_name":                "weather-station",
		"app_version":             h.cfg.Version,
		"api_url":                 h.cfg.UpstreamURL,
		"auto_update_enabled":     rs.Enabled,
		"update_interval_seconds": rs.Interval.Seconds(),
		"cache_ttl_seconds":       h.coordinator.CacheTTL().Seconds(),
		"max_batch_size":          h.coordinator.MaxBatchSize(),
		"default_limit":           h.coordinator.DefaultLimit(),
		"total_locations":         len(h.coordinator.ListLocations()),
		"timestamp":               timestamp(),
	})
}

// GetLocations handles GET /api/data/locations.
func (h *Handler) GetLocations(w http.ResponseWriter, r *http.Request) {
	locs := h.coordinator.ListLocations()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"locations": locs,
		"count":     len(locs),
		"timestamp": timestamp(),
	})
}

// GetHealth handles GET /health. It is a liveness check: it does not call upstream.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status, statusCode := "healthy", http.StatusOK
	checks := make(map[string]string)
	if h.cfg.CachePing != nil {
		if err := h.cfg.CachePing(r.Context()); err != nil {
			checks["cache"] = "unhealthy"
			status, statusCode = "degraded", http.StatusServiceUnavailable
			observability.LoggerFromContext(r.Context(), h.logger).Debug("cache ping failed", zap.Error(err))
		} else {
			checks["cache"] = "healthy"
		}
	}
	shuttingDown := lifecycle.IsShuttingDown()
	if shuttingDown {
		status, statusCode = "shutting-down", http.StatusServiceUnavailable
	}

	h.healthStatusMu.Lock()
	if prev := h.healthStatusPrev; prev != "" && prev != status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", status))
	}
	h.healthStatusPrev = status
	h.healthStatusMu.Unlock()

	writeJSON(w, statusCode, map[string]interface{}{
		"status":         status,
		"service":        "weather-station",
		"version":        h.cfg.Version,
		"shutting_down":  shuttingDown,
		"uptime_seconds": int64(lifecycle.Uptime().Seconds()),
		"checks":         checks,
		"timestamp":      timestamp(),
	})
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError writes a 503 for a location that could not be served.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
	observability.LoggerFromContext(r.Context(), nil).Debug("upstream error", zap.Error(err))
}
