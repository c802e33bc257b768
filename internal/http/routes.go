package http

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-station/internal/observability"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	RequestTimeout time.Duration
	Limiter        *rate.Limiter // nil disables inbound rate limiting
	AssetsDir      string        // empty disables static files and the dashboard page
}

// NewRouter wires the handler routes and middleware.
//
//	GET  /health
//	GET  /metrics
//	GET  /api/status
//	GET  /api/config
//	GET  /api/data/status
//	GET  /api/data/weather?limit=N
//	GET  /api/data/live/{city}
//	GET  /api/data/locations
//	POST /api/data/update?prewarm=true
//	GET  /assets/... and / when AssetsDir is set
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())

	api := router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))
	if cfg.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	api.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/config", h.GetConfig).Methods(http.MethodGet)
	api.HandleFunc("/data/status", h.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/data/weather", h.GetWeatherBatch).Methods(http.MethodGet)
	api.HandleFunc("/data/live/{city}", h.GetLive).Methods(http.MethodGet)
	api.HandleFunc("/data/locations", h.GetLocations).Methods(http.MethodGet)
	api.HandleFunc("/data/update", h.PostUpdate).Methods(http.MethodPost)

	if cfg.AssetsDir != "" {
		router.PathPrefix("/assets/").Handler(
			http.StripPrefix("/assets/", http.FileServer(http.Dir(cfg.AssetsDir)))).Methods(http.MethodGet)
		index := filepath.Join(cfg.AssetsDir, "index.html")
		router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if _, err := os.Stat(index); err != nil {
				writeError(w, r, http.StatusNotFound, "NOT_FOUND", "Dashboard not found")
				return
			}
			http.ServeFile(w, r, index)
		}).Methods(http.MethodGet)
	}
	return router
}
