// Package cron fires due recurring schedules by launching background
// agent runs, and drives the periodic housekeeping pass.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/HobbyCoders/agentdeck/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Launcher enqueues a background run from a stored launch spec.
// *scheduler.Scheduler implements it.
type Launcher interface {
	LaunchRaw(ctx context.Context, raw []byte) (string, error)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store    *persistence.Store
	Launcher Launcher
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	// Maintenance, when set, runs once per tick after due schedules
	// fire. Used for stale session and device cleanup.
	Maintenance func(ctx context.Context)
}

// Scheduler periodically queries the store for due schedules and
// launches a run for each one.
type Scheduler struct {
	store       *persistence.Store
	launcher    Launcher
	logger      *slog.Logger
	interval    time.Duration
	maintenance func(ctx context.Context)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:       cfg.Store,
		launcher:    cfg.Launcher,
		logger:      logger.With("component", "cron"),
		interval:    interval,
		maintenance: cfg.Maintenance,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// loop is the main scheduler loop. It ticks at the configured interval,
// queries for due schedules, and fires each one.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick queries for due schedules, fires each one, then runs the
// housekeeping pass.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("cron: failed to query due schedules", "error", err)
	} else {
		for _, sched := range due {
			s.fire(ctx, sched, now)
		}
	}

	if s.maintenance != nil {
		s.maintenance(ctx)
	}
}

// fire launches a run for the given schedule and updates its run
// timestamps.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) {
	runID, err := s.launcher.LaunchRaw(ctx, []byte(sched.Spec))
	if err != nil {
		s.logger.Error("cron: failed to launch run for schedule",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"error", err,
		)
		return
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time",
			"schedule_id", sched.ID,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		return
	}

	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("cron: failed to update schedule run",
			"schedule_id", sched.ID,
			"error", err,
		)
		return
	}

	s.logger.Info("cron: schedule fired",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"run_id", runID,
		"next_run_at", nextRun,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
