/*
scheduler.go - Daily accrual trigger

PURPOSE:
  Fires Runner.RunCycle once a day at a fixed wall-clock time in the
  accrual zone (default 03:00 Asia/Manila). The manual endpoint calls the
  same Runner, so both triggers share one run lock.

DESIGN:
  - robfig/cron with cron.WithLocation(zone): the schedule is read in the
    civil zone, not the host's local time
  - Each fire runs synchronously on the cron goroutine; overlapping fires
    are handled by the run lock, not here
  - Stop waits for an in-flight run to finish

USAGE:
  scheduler, err := NewAccrualScheduler(runner, "0 3 * * *", logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerRun endpoint (manual run)
  - accrual/runner.go: RunCycle
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/warp/leave-accrual/accrual"
)

// AccrualScheduler triggers the daily accrual run.
type AccrualScheduler struct {
	runner   *accrual.Runner
	expr     string
	schedule cronlib.Schedule
	logger   *slog.Logger

	cron    *cronlib.Cron
	mu      sync.Mutex
	started bool
	lastRun *accrual.RunSummary
}

// NewAccrualScheduler parses expr (standard 5-field cron) in the runner's zone.
func NewAccrualScheduler(runner *accrual.Runner, expr string, logger *slog.Logger) (*AccrualScheduler, error) {
	schedule, err := cronlib.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &AccrualScheduler{
		runner:   runner,
		expr:     expr,
		schedule: schedule,
		logger:   logger,
		cron:     cronlib.New(cronlib.WithLocation(runner.Zone())),
	}
	s.cron.Schedule(schedule, cronlib.FuncJob(s.fire))
	return s, nil
}

// Start begins firing on the schedule. Calling Start twice is a no-op.
func (s *AccrualScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.cron.Start()
	s.started = true

	s.logger.Info("accrual scheduler started",
		slog.String("schedule", s.expr),
		slog.String("zone", s.runner.Zone().String()),
		slog.Time("next_run", s.NextRunTime(time.Now())),
	)
}

// Stop halts the schedule and waits for a running job to return.
func (s *AccrualScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("accrual scheduler stopped")
}

func (s *AccrualScheduler) fire() {
	summary := s.runner.RunCycle(context.Background(), accrual.TriggerSchedule)

	s.mu.Lock()
	s.lastRun = &summary
	s.mu.Unlock()
}

// Expression returns the cron expression the scheduler was built with.
func (s *AccrualScheduler) Expression() string { return s.expr }

// NextRunTime returns the first fire time strictly after now, in the zone.
func (s *AccrualScheduler) NextRunTime(now time.Time) time.Time {
	return s.schedule.Next(now.In(s.runner.Zone()))
}

// LastRun returns the summary of the most recent scheduled run, or nil.
func (s *AccrualScheduler) LastRun() *accrual.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// Running reports whether Start has been called without a matching Stop.
func (s *AccrualScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
