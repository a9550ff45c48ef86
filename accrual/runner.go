/*
runner.go - One locked execution of the accrual job

PURPOSE:
  Drives a full accrual cycle safely under overlapping triggers. The daily
  timer and the manual endpoint both call RunCycle; the store-backed run
  lock guarantees at most one of them does any work.

CYCLE:
  1. Acquire run lock (atomic CAS in the store). Held elsewhere -> return
     "already running" without touching any account.
  2. today := civil day in zone; cutoff := today 23:59:59.999 in zone.
  3. ListDueAccounts(cutoff), Compute() each, ApplyAccrual() each result.
  4. Release the lock in a deferred step. Runs after errors, after a
     cancelled ctx and after a recovered panic.
  5. Return a RunSummary.

FAILURE POLICY:
  FailFast (default): first account error aborts the remaining batch. Safe
    because every update is independently idempotent; the next run picks up
    where this one stopped.
  ContinueOnError: collect per-account failures, keep going, report them all.

STALE LOCKS:
  A process that dies mid-run leaves the lock held. With WithStaleLockAfter
  the next run may take over a lock older than the threshold; without it
  an operator must clear the lock (ForceReleaseLock).
*/
package accrual

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/leave-accrual/civil"
	"github.com/warp/leave-accrual/observability"
)

// =============================================================================
// SUMMARY
// =============================================================================

// ReasonAlreadyRunning is reported when another run holds the lock.
const ReasonAlreadyRunning = "already running"

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// RunSummary is the outcome of one RunCycle call.
type RunSummary struct {
	RunID          string
	Trigger        Trigger
	Success        bool
	Reason         string
	Today          civil.Date
	TotalEmployees int
	UpdatedCount   int
	Updates        []AuditEntry
	Failures       []Failure
	Timestamp      time.Time
	Error          string
}

// AuditEntry describes one account credited by a run.
type AuditEntry struct {
	EmployeeID         string
	EmployeeName       string
	AccruedDays        decimal.Decimal
	MonthsPassed       int
	NewBalance         decimal.Decimal
	NewNextAccrualDate civil.Date
	Description        string
}

// Failure is one account the run could not process.
type Failure struct {
	EmployeeID string
	Error      string
}

// DaysAccrued sums AccruedDays over all updates.
func (s RunSummary) DaysAccrued() decimal.Decimal {
	total := decimal.Zero
	for _, u := range s.Updates {
		total = total.Add(u.AccruedDays)
	}
	return total
}

// Skipped reports whether the run never got the lock.
func (s RunSummary) Skipped() bool { return s.Reason == ReasonAlreadyRunning }

// =============================================================================
// RUNNER
// =============================================================================

type FailurePolicy string

const (
	FailFast        FailurePolicy = "fail_fast"
	ContinueOnError FailurePolicy = "continue_on_error"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool { return p == FailFast || p == ContinueOnError }

// Runner executes accrual cycles.
type Runner struct {
	accounts AccountStore
	locks    LockStore
	runs     RunRecorder
	zone     *time.Location

	jobName    string
	policy     FailurePolicy
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

type Option func(*Runner)

// WithJobName overrides the run lock key.
func WithJobName(name string) Option { return func(r *Runner) { r.jobName = name } }

// WithRunRecorder persists a RunRecord for every run that held the lock.
func WithRunRecorder(rec RunRecorder) Option { return func(r *Runner) { r.runs = rec } }

// WithFailurePolicy selects fail-fast or continue-on-error.
func WithFailurePolicy(p FailurePolicy) Option { return func(r *Runner) { r.policy = p } }

// WithStaleLockAfter lets a run take over a lock held longer than d.
// Zero disables takeover.
func WithStaleLockAfter(d time.Duration) Option { return func(r *Runner) { r.staleAfter = d } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// WithIDGenerator replaces the run id source.
func WithIDGenerator(gen func() string) Option { return func(r *Runner) { r.newID = gen } }

// NewRunner creates a Runner. zone is the civil zone every date is read in.
func NewRunner(accounts AccountStore, locks LockStore, zone *time.Location, opts ...Option) *Runner {
	r := &Runner{
		accounts: accounts,
		locks:    locks,
		zone:     zone,
		jobName:  DefaultJobName,
		policy:   FailFast,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Zone returns the civil zone the runner reads dates in.
func (r *Runner) Zone() *time.Location { return r.zone }

// JobName returns the run lock key.
func (r *Runner) JobName() string { return r.jobName }

// RunCycle performs one accrual cycle. It never panics and never returns an
// error: every failure is reported in the summary.
func (r *Runner) RunCycle(ctx context.Context, trigger Trigger) (summary RunSummary) {
	started := r.now()
	summary = RunSummary{
		RunID:     r.newID(),
		Trigger:   trigger,
		Today:     civil.Today(started, r.zone),
		Timestamp: started,
	}

	acquired, err := r.locks.AcquireLock(ctx, r.jobName, summary.RunID, started, r.staleAfter)
	if err != nil {
		summary.Error = fmt.Sprintf("acquire run lock: %v", err)
		observability.RunsTotal.WithLabelValues("failed").Inc()
		r.logger.Error("leave accrual lock acquisition failed",
			slog.String("job", r.jobName),
			slog.String("error", err.Error()),
		)
		return summary
	}
	if !acquired {
		summary.Reason = ReasonAlreadyRunning
		observability.LockContention.Inc()
		observability.RunsTotal.WithLabelValues("skipped").Inc()
		r.logContention(ctx)
		return summary
	}

	observability.LockHeld.Set(1)
	defer r.finish(ctx, started, &summary)

	r.process(ctx, &summary)
	return summary
}

func (r *Runner) process(ctx context.Context, s *RunSummary) {
	defer func() {
		if p := recover(); p != nil {
			s.Success = false
			s.Error = fmt.Sprintf("panic during accrual run: %v", p)
			r.logger.Error("leave accrual run panicked", slog.String("run_id", s.RunID), slog.Any("panic", p))
		}
	}()

	r.logger.Info("starting leave accrual run",
		slog.String("run_id", s.RunID),
		slog.String("trigger", string(s.Trigger)),
		slog.String("today", s.Today.String()),
	)

	cutoff := s.Today.EndOfDay(r.zone)
	accounts, err := r.accounts.ListDueAccounts(ctx, cutoff)
	if err != nil {
		s.Error = fmt.Sprintf("list due accounts: %v", err)
		return
	}
	s.TotalEmployees = len(accounts)

	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			s.Error = fmt.Sprintf("run interrupted: %v", err)
			return
		}
		if !acct.IsActive {
			continue
		}

		entry, err := r.accrue(ctx, s.RunID, acct, s.Today)
		if err != nil {
			observability.AccountFailures.Inc()
			if r.policy == ContinueOnError {
				s.Failures = append(s.Failures, Failure{EmployeeID: acct.EmployeeID, Error: err.Error()})
				r.logger.Warn("leave accrual failed for account",
					slog.String("employee_id", acct.EmployeeID),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.Error = err.Error()
			return
		}
		if entry == nil {
			continue
		}
		s.Updates = append(s.Updates, *entry)
		s.UpdatedCount++
	}

	if len(s.Failures) > 0 {
		s.Error = fmt.Sprintf("%d of %d account(s) failed", len(s.Failures), s.TotalEmployees)
		return
	}
	s.Success = true
}

func (r *Runner) accrue(ctx context.Context, runID string, acct LeaveAccount, today civil.Date) (*AuditEntry, error) {
	res, err := Compute(acct, today, r.zone)
	if err != nil || res == nil {
		return nil, err
	}

	update := AccountUpdate{
		CurrentBalance:      res.NewBalance,
		LastAccrualDate:     res.NewLastAccrualDate.In(r.zone),
		NextAccrualDate:     res.NewNextAccrualDate.In(r.zone),
		ExpectedNextAccrual: acct.NextAccrualDate,
		History: HistoryEntry{
			EmployeeID:   acct.EmployeeID,
			RunID:        runID,
			Date:         r.now(),
			Days:         res.AccruedDays,
			MonthsPassed: res.MonthsPassed,
			Description:  res.Description,
		},
	}
	if err := r.accounts.ApplyAccrual(ctx, acct.EmployeeID, update); err != nil {
		return nil, &AccountError{EmployeeID: acct.EmployeeID, Reason: "apply accrual", Err: err}
	}

	observability.AccountsAccrued.Inc()
	observability.DaysAccrued.Add(res.AccruedDays.InexactFloat64())
	r.logger.Info("accrued leave",
		slog.String("employee_id", acct.EmployeeID),
		slog.String("employee_name", acct.EmployeeName),
		slog.String("days", res.AccruedDays.String()),
		slog.Int("months", res.MonthsPassed),
	)

	return &AuditEntry{
		EmployeeID:         acct.EmployeeID,
		EmployeeName:       acct.EmployeeName,
		AccruedDays:        res.AccruedDays,
		MonthsPassed:       res.MonthsPassed,
		NewBalance:         res.NewBalance,
		NewNextAccrualDate: res.NewNextAccrualDate,
		Description:        res.Description,
	}, nil
}

// finish releases the lock and records the run. The caller's ctx may already
// be cancelled; cleanup must still reach the store.
func (r *Runner) finish(ctx context.Context, started time.Time, s *RunSummary) {
	cleanupCtx := context.WithoutCancel(ctx)
	completed := r.now()

	if err := r.locks.ReleaseLock(cleanupCtx, r.jobName, s.RunID, completed); err != nil {
		r.logger.Error("failed to release run lock",
			slog.String("job", r.jobName),
			slog.String("run_id", s.RunID),
			slog.String("error", err.Error()),
		)
		if s.Error == "" {
			s.Error = fmt.Sprintf("release run lock: %v", err)
		}
		s.Success = false
	} else {
		observability.LockHeld.Set(0)
	}

	status := RunCompleted
	outcome := "success"
	if !s.Success {
		status = RunFailed
		outcome = "failed"
	}
	observability.RunsTotal.WithLabelValues(outcome).Inc()
	observability.RunDuration.Observe(completed.Sub(started).Seconds())

	if r.runs != nil {
		rec := RunRecord{
			ID:             s.RunID,
			JobName:        r.jobName,
			Trigger:        string(s.Trigger),
			Status:         status,
			Today:          s.Today.String(),
			TotalEmployees: s.TotalEmployees,
			UpdatedCount:   s.UpdatedCount,
			FailedCount:    len(s.Failures),
			DaysAccrued:    s.DaysAccrued(),
			Error:          s.Error,
			StartedAt:      started,
			CompletedAt:    completed,
		}
		if err := r.runs.SaveRun(cleanupCtx, rec); err != nil {
			r.logger.Warn("failed to record accrual run",
				slog.String("run_id", s.RunID),
				slog.String("error", err.Error()),
			)
		}
	}

	r.logger.Info("leave accrual run completed",
		slog.String("run_id", s.RunID),
		slog.Bool("success", s.Success),
		slog.Int("found", s.TotalEmployees),
		slog.Int("updated", s.UpdatedCount),
		slog.Int("failed", len(s.Failures)),
	)
}

func (r *Runner) logContention(ctx context.Context) {
	attrs := []any{slog.String("job", r.jobName)}
	if lock, err := r.locks.GetLock(ctx, r.jobName); err == nil && lock != nil && lock.LockedAt != nil {
		attrs = append(attrs, slog.Time("locked_since", *lock.LockedAt), slog.String("holder", lock.Owner))
	}
	r.logger.Warn("leave accrual job already running", attrs...)
}
