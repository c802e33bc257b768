// Package scheduler drives periodic cache refreshes from outside the data manager.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-station/internal/observability"
)

// Refresher is the operation the scheduler invokes on every tick.
type Refresher interface {
	ForceUpdate(ctx context.Context, prewarm bool) bool
}

// Config controls the refresh job.
type Config struct {
	Interval   time.Duration // time between refreshes
	Prewarm    bool          // refetch every location after clearing
	RunOnStart bool          // run once immediately on Start
	Timeout    time.Duration // bound on a single refresh run
}

// State describes the refresh job for status reporting.
type State struct {
	Enabled     bool
	Interval    time.Duration
	Running     bool
	Started     bool
	LastRun     time.Time
	LastSuccess bool
	NextRun     time.Time
}

// Scheduler periodically calls Refresher.ForceUpdate.
type Scheduler struct {
	scheduler *gocron.Scheduler
	job       *gocron.Job
	refresher Refresher
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	started bool
	running bool
	lastRun time.Time
	lastOK  bool
}

func New(refresher Refresher, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("refresh interval must be positive")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		refresher: refresher,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Start schedules the refresh job and starts the scheduler in the background.
// Runs never overlap: a tick that fires while a run is in progress is skipped.
func (s *Scheduler) Start() error {
	job := s.scheduler.Every(s.cfg.Interval).SingletonMode()
	if !s.cfg.RunOnStart {
		job = job.WaitForSchedule()
	}
	j, err := job.Do(s.RunOnce)
	if err != nil {
		return err
	}
	s.scheduler.StartAsync()
	s.mu.Lock()
	s.job, s.started = j, true
	s.mu.Unlock()
	s.logger.Info("refresh scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Bool("prewarm", s.cfg.Prewarm),
		zap.Bool("runOnStart", s.cfg.RunOnStart))
	return nil
}

// RunOnce performs one refresh and records its outcome.
func (s *Scheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	ctx = observability.WithLogger(ctx, s.logger.With(zap.String("job", "refresh")))

	start := time.Now()
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	ok := s.refresher.ForceUpdate(ctx, s.cfg.Prewarm)
	s.mu.Lock()
	s.running, s.lastRun, s.lastOK = false, start, ok
	s.mu.Unlock()
	if ok {
		observability.RefreshRunsTotal.WithLabelValues("success").Inc()
		s.logger.Info("scheduled refresh complete", zap.Duration("elapsed", time.Since(start)))
		return
	}
	observability.RefreshRunsTotal.WithLabelValues("failure").Inc()
	s.logger.Warn("scheduled refresh failed", zap.Duration("elapsed", time.Since(start)))
}

// State reports whether the job is running and how its last run went.
// A nil Scheduler reports a disabled job.
func (s *Scheduler) State() State {
	if s == nil {
		return State{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Enabled:     true,
		Interval:    s.cfg.Interval,
		Running:     s.running,
		Started:     s.started,
		LastRun:     s.lastRun,
		LastSuccess: s.lastOK,
	}
	if s.job != nil && s.started {
		st.NextRun = s.job.NextRun()
	}
	return st
}

// Stop stops the scheduler. Future runs are cancelled; a run in progress finishes.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}
