package accrual_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-accrual/accrual"
	"github.com/warp/leave-accrual/accrual/store"
	"github.com/warp/leave-accrual/civil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("run-%d", n.Add(1)) }
}

func newRunner(t *testing.T, accounts accrual.AccountStore, locks accrual.LockStore, now time.Time, opts ...accrual.Option) *accrual.Runner {
	t.Helper()
	base := []accrual.Option{
		accrual.WithClock(fixedClock(now)),
		accrual.WithLogger(quietLogger),
		accrual.WithIDGenerator(sequentialIDs()),
	}
	return accrual.NewRunner(accounts, locks, zone(t), append(base, opts...)...)
}

// dueAccount is due on Feb 15 2024 with rate 1.5.
func dueAccount(t *testing.T, id string) accrual.LeaveAccount {
	return account(zone(t), id,
		day(2024, time.January, 15), day(2024, time.January, 15), day(2024, time.February, 15), "1.5", "10")
}

func assertUnlocked(t *testing.T, mem *store.Memory) {
	t.Helper()
	lock, err := mem.GetLock(context.Background(), accrual.DefaultJobName)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.False(t, lock.IsLocked, "run lock must be released")
	assert.NotNil(t, lock.ReleasedAt)
}

func getAccount(t *testing.T, mem *store.Memory, id string) accrual.LeaveAccount {
	t.Helper()
	acct, err := mem.GetAccount(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, acct)
	return *acct
}

// failingStore wraps Memory and fails or panics on selected operations.
type failingStore struct {
	*store.Memory
	listErr   error
	failApply map[string]error
	panicOn   string
}

func (f *failingStore) ListDueAccounts(ctx context.Context, threshold time.Time) ([]accrual.LeaveAccount, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Memory.ListDueAccounts(ctx, threshold)
}

func (f *failingStore) ApplyAccrual(ctx context.Context, id string, u accrual.AccountUpdate) error {
	if id == f.panicOn {
		panic("store exploded")
	}
	if err, ok := f.failApply[id]; ok {
		return err
	}
	return f.Memory.ApplyAccrual(ctx, id, u)
}

// blockingStore parks ListDueAccounts until released.
type blockingStore struct {
	*store.Memory
	entered chan struct{}
	release chan struct{}
	scans   atomic.Int32
}

func (b *blockingStore) ListDueAccounts(ctx context.Context, threshold time.Time) ([]accrual.LeaveAccount, error) {
	b.scans.Add(1)
	close(b.entered)
	<-b.release
	return b.Memory.ListDueAccounts(ctx, threshold)
}

// =============================================================================
// BASIC CYCLE
// =============================================================================

func TestRunCycle_AccruesDueAccounts(t *testing.T) {
	// GIVEN: one due account, one due tomorrow, one inactive due account
	loc := zone(t)
	mem := store.NewMemory()
	mem.PutAccount(dueAccount(t, "emp-due"))

	tomorrow := dueAccount(t, "emp-tomorrow")
	tomorrow.NextAccrualDate = day(2024, time.February, 16).In(loc)
	mem.PutAccount(tomorrow)

	inactive := dueAccount(t, "emp-inactive")
	inactive.IsActive = false
	mem.PutAccount(inactive)

	now := time.Date(2024, time.February, 15, 3, 0, 0, 0, loc)
	runner := newRunner(t, mem, mem, now, accrual.WithRunRecorder(mem))

	// WHEN
	summary := runner.RunCycle(context.Background(), accrual.TriggerSchedule)

	// THEN
	require.True(t, summary.Success, summary.Error)
	assert.Empty(t, summary.Reason)
	assert.Equal(t, day(2024, time.February, 15), summary.Today)
	assert.Equal(t, 1, summary.TotalEmployees)
	assert.Equal(t, 1, summary.UpdatedCount)
	require.Len(t, summary.Updates, 1)
	assert.Equal(t, "emp-due", summary.Updates[0].EmployeeID)
	assert.Equal(t, "Employee emp-due", summary.Updates[0].EmployeeName)
	assertDecimal(t, "1.5", summary.Updates[0].AccruedDays)
	assert.Equal(t, 1, summary.Updates[0].MonthsPassed)

	updated := getAccount(t, mem, "emp-due")
	assertDecimal(t, "11.5", updated.CurrentBalance)
	assert.Equal(t, day(2024, time.February, 15), civil.DateOf(updated.LastAccrualDate, loc))
	assert.Equal(t, day(2024, time.March, 15), civil.DateOf(updated.NextAccrualDate, loc))

	assertDecimal(t, "10", getAccount(t, mem, "emp-tomorrow").CurrentBalance)
	assertDecimal(t, "10", getAccount(t, mem, "emp-inactive").CurrentBalance)

	history, err := mem.History(context.Background(), "emp-due")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, summary.RunID, history[0].RunID)
	assert.Equal(t, "Accrued 1.5 days for 1 month(s)", history[0].Description)

	assertUnlocked(t, mem)

	runs := mem.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, accrual.RunCompleted, runs[0].Status)
	assert.Equal(t, "2024-02-15", runs[0].Today)
	assertDecimal(t, "1.5", runs[0].DaysAccrued)
}

func TestRunCycle_TodayIsReadInZone(t *testing.T) {
	// GIVEN: 16:30 UTC on Feb 14 is already Feb 15 in Manila
	mem := store.NewMemory()
	mem.PutAccount(dueAccount(t, "emp-1"))

	now := time.Date(2024, time.February, 14, 16, 30, 0, 0, time.UTC)
	summary := newRunner(t, mem, mem, now).RunCycle(context.Background(), accrual.TriggerManual)

	require.True(t, summary.Success, summary.Error)
	assert.Equal(t, day(2024, time.February, 15), summary.Today)
	assert.Equal(t, 1, summary.UpdatedCount)
}

func TestRunCycle_SecondRunSameDayAccruesNothing(t *testing.T) {
	loc := zone(t)
	mem := store.NewMemory()
	mem.PutAccount(dueAccount(t, "emp-1"))
	runner := newRunner(t, mem, mem, time.Date(2024, time.February, 15, 3, 0, 0, 0, loc))

	first := runner.RunCycle(context.Background(), accrual.TriggerSchedule)
	require.True(t, first.Success)
	require.Equal(t, 1, first.UpdatedCount)

	second := runner.RunCycle(context.Background(), accrual.TriggerManual)
	require.True(t, second.Success)
	assert.Equal(t, 0, second.TotalEmployees)
	assert.Equal(t, 0, second.UpdatedCount)
	assert.Empty(t, second.Updates)

	assertDecimal(t, "11.5", getAccount(t, mem, "emp-1").CurrentBalance)
}

func TestRunCycle_NothingDue(t *testing.T) {
	mem := store.NewMemory()
	summary := newRunner(t, mem, mem, time.Now()).RunCycle(context.Background(), accrual.TriggerManual)

	assert.True(t, summary.Success)
	assert.Equal(t, 0, summary.TotalEmployees)
	assert.Empty(t, summary.Updates)
	assertUnlocked(t, mem)
}

func TestRunCycle_MultiMonthCatchUp(t *testing.T) {
	loc := zone(t)
	mem := store.NewMemory()
	mem.PutAccount(dueAccount(t, "emp-1"))

	summary := newRunner(t, mem, mem, time.Date(2024, time.April, 15, 3, 0, 0, 0, loc)).
		RunCycle(context.Background(), accrual.TriggerSchedule)

	require.True(t, summary.Success)
	require.Len(t, summary.Updates, 1)
	assert.Equal(t, 3, summary.Updates[0].MonthsPassed)
	assertDecimal(t, "4.5", summary.Updates[0].AccruedDays)

	updated := getAccount(t, mem, "emp-1")
	assertDecimal(t, "14.5", updated.CurrentBalance)
	assert.Equal(t, day(2024, time.May, 15), civil.DateOf(updated.NextAccrualDate, loc))
}

// =============================================================================
// MUTUAL EXCLUSION
// =============================================================================

func TestRunCycle_LockHeldReturnsAlreadyRunning(t *testing.T) {
	// GIVEN: another run holds the lock
	loc := zone(t)
	mem := store.NewMemory()
	mem.PutAccount(dueAccount(t, "emp-1"))
	now := time.Date(2024, time.February, 15, 3, 0, 0, 0, loc)

	ok, err := mem.AcquireLock(context.Background(), accrual.DefaultJobName, "other-run", now.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.True(t, ok)

	// WHEN
	summary := newRunner(t, mem, mem, now, accrual.WithRunRecorder(mem)).
		RunCycle(context.Background(), accrual.TriggerManual)

	// THEN: no account touched, lock still belongs to the other run
	assert.False(t, summary.Success)
	assert.True(t, summary.Skipped())
	assert.Equal(t, accrual.ReasonAlreadyRunning, summary.Reason)
	assert.Empty(t, summary.Error)
	assert.Equal(t, 0, summary.TotalEmployees)
	assertDecimal(t, "10", getAccount(t, mem, "emp-1").CurrentBalance)

	lock, err := mem.GetLock(context.Background(), accrual.DefaultJobName)
	require.NoError(t, err)
	assert.True(t, lock.IsLocked)
	assert.Equal(t, "other-run", lock.Owner)
	assert.Empty(t, mem.Runs())
}

func TestRunCycle_ConcurrentRunsOnlyOneScans(t *testing.T) {
	// GIVEN: a store that parks the first scan
	loc := zone(t)
	mem := store.NewMemory()
	mem.PutAccount(dueAccount(t, "emp-1"))
	blocking := &blockingStore{Memory: mem, entered: make(chan struct{}), release: make(chan struct{})}
	runner := newRunner(t, blocking, mem, time.Date(2024, time.February, 15, 3, 0, 0, 0, loc))

	var wg sync.WaitGroup
	var first accrual.RunSummary
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = runner.RunCycle(context.Background(), accrual.TriggerSchedule)
	}()
	<-blocking.entered

	// WHEN: a second trigger fires while the first holds the lock
	second := runner.RunCycle(context.Background(), accrual.TriggerManual)

	close(blocking.release)
	wg.Wait()

	// THEN
	assert.True(t, second.Skipped())
	assert.True(t, first.Success, first.Error)
	assert.Equal(t, 1, first.UpdatedCount)
	assert.Equal(t, int32(1), blocking.scans.Load())
	assertDecimal(t, "11.5", getAccount(t, mem, "emp-1").CurrentBalance)
	assertUnlocked(t, mem)
}

func TestRunCycle_ManyConcurrentTriggersCreditOnce(t *testing.T) {
	loc := zone(t)
	mem := store.NewMemory()
	mem.PutAccount(dueAccount(t, "emp-1"))
	runner := newRunner(t, mem, mem, time.Date(2024, time.February, 15, 3, 0, 0, 0, loc))

	var wg sync.WaitGroup
	summaries := make([]accrual.RunSummary, 8)
	for i := range summaries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			summaries[i] = runner.RunCycle(context.Background(), accrual.TriggerManual)
		}(i)
	}
	wg.Wait()

	updated := 0
	for _, s := range summaries {
		assert.True(t, s.Success || s.Skipped(), s.Error)
		updated += s.UpdatedCount
	}
	assert.Equal(t, 1, updated)
	assertDecimal(t, "11.5", getAccount(t, mem, "emp-1").CurrentBalance)
	assertUnlocked(t, mem)
}

func TestRunCycle_StaleLockTakeover(t *testing.T) {
	loc := zone(t)
	now := time.Date(2024, time.February, 15, 3, 0, 0, 0, loc)

	setup := func() *store.Memory {
		mem := store.NewMemory()
		mem.PutAccount(dueAccount(t, "emp-1"))
		_, err := mem.AcquireLock(context.Background(), accrual.DefaultJobName, "crashed-run", now.Add(-3*time.Hour), 0)
		require.NoError(t, err)
		return mem
	}

	t.Run("disabled by default", func(t *testing.T) {
		mem := setup()
		summary := newRunner(t, mem, mem, now).RunCycle(context.Background(), accrual.TriggerSchedule)
		assert.True(t, summary.Skipped())
	})

	t.Run("lock younger than threshold is respected", func(t *testing.T) {
		mem := setup()
		summary := newRunner(t, mem, mem, now, accrual.WithStaleLockAfter(6*time.Hour)).
			RunCycle(context.Background(), accrual.TriggerSchedule)
		assert.True(t, summary.Skipped())
	})

	t.Run("lock older than threshold is taken over", func(t *testing.T) {
		mem := setup()
		summary := newRunner(t, mem, mem, now, accrual.WithStaleLockAfter(2*time.Hour)).
			RunCycle(context.Background(), accrual.TriggerSchedule)
		require.True(t, summary.Success, summary.Error)
		assert.Equal(t, 1, summary.UpdatedCount)
		assertUnlocked(t, mem)
	})
}

func TestRunCycle_CustomJobNameUsesSeparateLock(t *testing.T) {
	loc := zone(t)
	mem := store.NewMemory()
	mem.PutAccount(dueAccount(t, "emp-1"))
	now := time.Date(2024, time.February, 15, 3, 0, 0, 0, loc)

	_, err := mem.AcquireLock(context.Background(), accrual.DefaultJobName, "other", now, 0)
	require.NoError(t, err)

	runner := newRunner(t, mem, mem, now, accrual.WithJobName("leaveAccrualEU"))
	assert.Equal(t, "leaveAccrualEU", runner.JobName())

	summary := runner.RunCycle(context.Background(), accrual.TriggerManual)
	assert.True(t, summary.Success, summary.Error)
}

// =============================================================================
// FAILURES AND LOCK RELEASE
// =============================================================================

func TestRunCycle_ReleasesLockWhenListFails(t *testing.T) {
	mem := store.NewMemory()
	fs := &failingStore{Memory: mem, listErr: errors.New("database is locked")}

	summary := newRunner(t, fs, mem, time.Now(), accrual.WithRunRecorder(mem)).
		RunCycle(context.Background(), accrual.TriggerSchedule)

	assert.False(t, summary.Success)
	assert.False(t, summary.Skipped())
	assert.Contains(t, summary.Error, "database is locked")
	assertUnlocked(t, mem)

	runs := mem.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, accrual.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "database is locked")
}

func TestRunCycle_ReleasesLockAfterPanic(t *testing.T) {
	loc := zone(t)
	mem := store.NewMemory()
	mem.PutAccount(dueAccount(t, "emp-1"))
	fs := &failingStore{Memory: mem, panicOn: "emp-1"}

	var summary accrual.RunSummary
	require.NotPanics(t, func() {
		summary = newRunner(t, fs, mem, time.Date(2024, time.February, 15, 3, 0, 0, 0, loc)).
			RunCycle(context.Background(), accrual.TriggerSchedule)
	})

	assert.False(t, summary.Success)
	assert.Contains(t, summary.Error, "store exploded")
	assertUnlocked(t, mem)

	// The next run can proceed.
	next := newRunner(t, mem, mem, time.Date(2024, time.February, 15, 4, 0, 0, 0, loc)).
		RunCycle(context.Background(), accrual.TriggerManual)
	assert.True(t, next.Success, next.Error)
	assert.Equal(t, 1, next.UpdatedCount)
}

func TestRunCycle_ReleasesLockWhenContextCancelled(t *testing.T) {
	loc := zone(t)
	mem := store.NewMemory()
	mem.PutAccount(dueAccount(t, "emp-1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := newRunner(t, mem, mem, time.Date(2024, time.February, 15, 3, 0, 0, 0, loc)).
		RunCycle(ctx, accrual.TriggerSchedule)

	assert.False(t, summary.Success)
	assert.Contains(t, summary.Error, "run interrupted")
	assertDecimal(t, "10", getAccount(t, mem, "emp-1").CurrentBalance)
	assertUnlocked(t, mem)
}

func TestRunCycle_InvalidAccountFailsRun(t *testing.T) {
	loc := zone(t)
	mem := store.NewMemory()
	bad := dueAccount(t, "emp-bad")
	bad.StartDate = time.Time{}
	mem.PutAccount(bad)

	summary := newRunner(t, mem, mem, time.Date(2024, time.February, 15, 3, 0, 0, 0, loc)).
		RunCycle(context.Background(), accrual.TriggerSchedule)

	assert.False(t, summary.Success)
	assert.Contains(t, summary.Error, "emp-bad")
	assertUnlocked(t, mem)
}

func threeAccountStore(t *testing.T) (*store.Memory, *failingStore) {
	mem := store.NewMemory()
	for _, id := range []string{"emp-a", "emp-b", "emp-c"} {
		mem.PutAccount(dueAccount(t, id))
	}
	return mem, &failingStore{
		Memory:    mem,
		failApply: map[string]error{"emp-b": errors.New("disk full")},
	}
}

func TestRunCycle_FailFastStopsAtFirstError(t *testing.T) {
	loc := zone(t)
	mem, fs := threeAccountStore(t)

	summary := newRunner(t, fs, mem, time.Date(2024, time.February, 15, 3, 0, 0, 0, loc)).
		RunCycle(context.Background(), accrual.TriggerSchedule)

	assert.False(t, summary.Success)
	assert.Contains(t, summary.Error, "emp-b")
	assert.Contains(t, summary.Error, "disk full")
	assert.Equal(t, 3, summary.TotalEmployees)
	assert.Equal(t, 1, summary.UpdatedCount)
	assert.Empty(t, summary.Failures)

	// Updates before the failure persist; later accounts wait for the next run.
	assertDecimal(t, "11.5", getAccount(t, mem, "emp-a").CurrentBalance)
	assertDecimal(t, "10", getAccount(t, mem, "emp-b").CurrentBalance)
	assertDecimal(t, "10", getAccount(t, mem, "emp-c").CurrentBalance)
	assertUnlocked(t, mem)
}

func TestRunCycle_ContinueOnErrorCollectsFailures(t *testing.T) {
	loc := zone(t)
	mem, fs := threeAccountStore(t)

	summary := newRunner(t, fs, mem, time.Date(2024, time.February, 15, 3, 0, 0, 0, loc),
		accrual.WithFailurePolicy(accrual.ContinueOnError)).
		RunCycle(context.Background(), accrual.TriggerSchedule)

	assert.False(t, summary.Success)
	assert.Equal(t, "1 of 3 account(s) failed", summary.Error)
	assert.Equal(t, 2, summary.UpdatedCount)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "emp-b", summary.Failures[0].EmployeeID)
	assert.Contains(t, summary.Failures[0].Error, "disk full")

	assertDecimal(t, "11.5", getAccount(t, mem, "emp-a").CurrentBalance)
	assertDecimal(t, "10", getAccount(t, mem, "emp-b").CurrentBalance)
	assertDecimal(t, "11.5", getAccount(t, mem, "emp-c").CurrentBalance)
	assertUnlocked(t, mem)
}

func TestRunCycle_ConcurrentModificationIsReported(t *testing.T) {
	loc := zone(t)
	mem, fs := threeAccountStore(t)
	fs.failApply = map[string]error{"emp-a": accrual.ErrConcurrentModification}

	summary := newRunner(t, fs, mem, time.Date(2024, time.February, 15, 3, 0, 0, 0, loc),
		accrual.WithFailurePolicy(accrual.ContinueOnError)).
		RunCycle(context.Background(), accrual.TriggerSchedule)

	require.Len(t, summary.Failures, 1)
	assert.Contains(t, summary.Failures[0].Error, accrual.ErrConcurrentModification.Error())
}

func TestFailurePolicy_Valid(t *testing.T) {
	assert.True(t, accrual.FailFast.Valid())
	assert.True(t, accrual.ContinueOnError.Valid())
	assert.False(t, accrual.FailurePolicy("retry").Valid())
}

func TestIsRetryable(t *testing.T) {
	wrapped := &accrual.AccountError{EmployeeID: "e", Err: accrual.ErrConcurrentModification}
	assert.True(t, accrual.IsRetryable(wrapped))
	assert.False(t, accrual.IsRetryable(accrual.ErrInvalidAccount))
}
