package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-station/internal/cache"
	"github.com/kjstillabower/weather-station/internal/client"
	"github.com/kjstillabower/weather-station/internal/config"
	httphandler "github.com/kjstillabower/weather-station/internal/http"
	"github.com/kjstillabower/weather-station/internal/lifecycle"
	"github.com/kjstillabower/weather-station/internal/observability"
	"github.com/kjstillabower/weather-station/internal/registry"
	"github.com/kjstillabower/weather-station/internal/scheduler"
	"github.com/kjstillabower/weather-station/internal/service"
	"github.com/kjstillabower/weather-station/internal/status"
	"github.com/kjstillabower/weather-station/internal/traffic"
)

func main() {
	envErr := godotenv.Load()

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	if envErr != nil {
		logger.Debug("no .env file loaded", zap.Error(envErr))
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	locations, err := registry.Load(cfg.LocationsFile)
	if err != nil {
		logger.Fatal("location registry", zap.Error(err), zap.String("path", cfg.LocationsFile))
	}
	if locations.Len() == 0 {
		logger.Warn("location registry is empty", zap.String("path", cfg.LocationsFile))
	}
	logger.Info("location registry loaded", zap.Int("count", locations.Len()))

	var (
		store     cache.Store
		cachePing func(context.Context) error
		closer    io.Closer
	)
	switch cfg.CacheBackend {
	case "memcached":
		mc := cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.StaleRetention)
		if err := mc.Ping(); err != nil {
			logger.Warn("memcached not reachable at startup", zap.Error(err))
		}
		store, closer = mc, mc
		cachePing = func(context.Context) error { return mc.Ping() }
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case "redis":
		rc, err := cache.ConnectRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis cache", zap.Error(err))
		}
		rs := cache.NewRedisStore(rc, cfg.StaleRetention)
		store, closer = rs, rs
		cachePing = rs.Ping
		logger.Info("cache backend: redis")
	default:
		store = cache.NewInMemoryStore()
		logger.Info("cache backend: in_memory")
	}

	weatherClient, err := client.NewOpenMeteoClient(client.Options{
		BaseURL:       cfg.WeatherAPIURL,
		Timeout:       cfg.WeatherAPITimeout,
		IncludeHourly: cfg.IncludeHourly,
		ForecastDays:  cfg.ForecastDays,
		Breaker: client.BreakerSettings{
			ConsecutiveFailures: uint32(cfg.BreakerFailures),
			OpenTimeout:         cfg.BreakerOpenTimeout,
			HalfOpenRequests:    uint32(cfg.BreakerHalfOpenRequests),
			Interval:            cfg.BreakerInterval,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	outcomes := traffic.NewTracker(traffic.DefaultWindow)
	observability.RegisterTrafficGauges(outcomes)
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	manager := service.NewManager(locations, weatherClient, store, outcomes, service.ManagerConfig{
		TTL:           cfg.CacheTTL,
		MinInterval:   cfg.MinInterval,
		FetchDeadline: cfg.FetchDeadline,
		ProbeTimeout:  cfg.ProbeTimeout,
		Workers:       cfg.BatchWorkers,
	}, logger)
	coordinator := service.NewCoordinator(manager, locations, service.CoordinatorConfig{
		MaxBatchSize: cfg.BatchMaxSize,
		DefaultLimit: cfg.BatchDefaultLimit,
		Thresholds:   status.Thresholds{FreshWithin: cfg.FreshWithin, StaleAfter: cfg.StaleAfter},
	}, logger)

	var sched *scheduler.Scheduler
	if cfg.RefreshInterval > 0 {
		sched, err = scheduler.New(coordinator, scheduler.Config{
			Interval:   cfg.RefreshInterval,
			Prewarm:    cfg.RefreshPrewarm,
			RunOnStart: cfg.RefreshOnStart,
		}, logger)
		if err != nil {
			logger.Fatal("scheduler", zap.Error(err))
		}
		if err := sched.Start(); err != nil {
			logger.Fatal("scheduler start", zap.Error(err))
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	if cfg.UpdateKey == "" {
		logger.Warn("no update key configured; POST /api/data/update is open")
	}
	handler := httphandler.NewHandler(coordinator, httphandler.HandlerConfig{
		UpdateKey:    cfg.UpdateKey,
		CachePing:    cachePing,
		RefreshState: sched.State,
		UpstreamURL:  cfg.WeatherAPIURL,
	}, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		AssetsDir:      cfg.AssetsDir,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
	}

	lifecycle.MarkStarted(time.Now())
	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	go reloadOnHangup(coordinator, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	if sched != nil {
		sched.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if closer != nil {
		if err := closer.Close(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
	if err := observability.FlushTelemetry(logger); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry flush: %v\n", err)
	}
}

// reloadOnHangup re-reads the config file on SIGHUP and applies the cache TTL.
// Other settings need a restart.
func reloadOnHangup(coordinator *service.Coordinator, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	for range hup {
		cfg, err := config.Load()
		if err != nil {
			logger.Error("config reload", zap.Error(err))
			continue
		}
		prev := coordinator.CacheTTL()
		if err := coordinator.SetCacheTTL(cfg.CacheTTL); err != nil {
			logger.Error("config reload: cache ttl", zap.Error(err))
			continue
		}
		logger.Info("config reloaded", zap.Duration("previous_ttl", prev), zap.Duration("cache_ttl", cfg.CacheTTL))
	}
}
