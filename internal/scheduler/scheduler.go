// Package scheduler runs the periodic grid refresh and snapshot retention.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/jonboulle/clockwork"

	"github.com/airgrid/server/internal/store"
)

// Refresher is a region whose grid can be refetched.
type Refresher interface {
	Refresh(ctx context.Context) (store.Snapshot, error)
}

// Config contains scheduler configuration.
type Config struct {
	Regions         map[string]Refresher
	Interval        time.Duration // refresh period (default 15m)
	Timeout         time.Duration // per-region refresh timeout (default 30s)
	Store           store.Store   // nil disables retention
	Retention       time.Duration // snapshots older than this are deleted (default 48h)
	CleanupInterval time.Duration // default 1h
	Clock           clockwork.Clock
	Logger          *slog.Logger
}

// Scheduler periodically refreshes every region.
type Scheduler struct {
	cfg       Config
	scheduler *gocron.Scheduler
}

// New creates a new Scheduler. Nothing runs until Start.
func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 48 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		scheduler: gocron.NewScheduler(time.UTC),
	}
}

// Start schedules the jobs and starts the underlying scheduler. The first
// refresh runs one interval from now; callers refresh at startup themselves.
func (s *Scheduler) Start() error {
	if len(s.cfg.Regions) == 0 {
		s.cfg.Logger.Warn("scheduler: no regions configured; nothing to schedule")
		return nil
	}

	minutes := int(s.cfg.Interval.Minutes())
	if minutes <= 0 {
		minutes = 1
	}
	if _, err := s.scheduler.Every(minutes).Minutes().WaitForSchedule().Do(func() {
		s.RefreshAll(context.Background())
	}); err != nil {
		return err
	}

	if s.cfg.Store != nil {
		if _, err := s.scheduler.Every(s.cfg.CleanupInterval).WaitForSchedule().Do(func() {
			s.Cleanup(context.Background())
		}); err != nil {
			return err
		}
	}

	s.scheduler.StartAsync()
	s.cfg.Logger.Info("scheduler started", "interval", s.cfg.Interval, "regions", len(s.cfg.Regions))
	return nil
}

// RefreshAll refreshes every region concurrently and returns the number of
// failures.
func (s *Scheduler) RefreshAll(ctx context.Context) int {
	s.cfg.Logger.Debug("scheduler: running grid refresh job")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
	)
	for id, r := range s.cfg.Regions {
		wg.Add(1)
		go func(id string, r Refresher) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()

			if _, err := r.Refresh(ctx); err != nil {
				s.cfg.Logger.Warn("scheduler: refresh failed", "region", id, "error", err)
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}(id, r)
	}
	wg.Wait()
	s.cfg.Logger.Debug("scheduler: completed grid refresh job", "failures", failures)
	return failures
}

// Cleanup deletes snapshots older than the retention window, measured from
// the configured clock.
func (s *Scheduler) Cleanup(ctx context.Context) (int64, error) {
	if s.cfg.Store == nil {
		return 0, nil
	}
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.Retention)
	removed, err := s.cfg.Store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.cfg.Logger.Error("scheduler: snapshot cleanup failed", "error", err)
		return 0, err
	}
	if removed > 0 {
		s.cfg.Logger.Info("scheduler: removed old snapshots", "count", removed)
	}
	return removed, nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
