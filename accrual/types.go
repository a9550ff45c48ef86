/*
Package accrual implements the monthly leave-accrual batch job.

PURPOSE:
  Once per day, find every active leave account whose next accrual date has
  arrived (in the configured civil zone), credit the whole months elapsed,
  and move the account's cadence pointers forward. Runs are serialized by a
  store-backed run lock so a timer run and a manual run can never both
  credit the same month.

KEY CONCEPTS IN THIS FILE (types.go):
  - LeaveAccount: One employee's balance and accrual cadence
  - AccountUpdate: The fields a run writes back
  - RunLock: The named mutual-exclusion record
  - RunRecord: Bookkeeping for one run that held the lock

DESIGN PRINCIPLES:
  1. Pure core: Compute() does no I/O and reads no clock
  2. Precision: Balances use decimal.Decimal, never float64
  3. Idempotence: A run that re-reads an account after its update finds it
     not due, so retries never double-credit

SEE ALSO:
  - calculator.go: Due-ness and the state transition
  - runner.go: One locked execution cycle
  - store.go: Persistence contract
*/
package accrual

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEAVE ACCOUNT
// =============================================================================

// LeaveAccount is one employee's leave balance. Dates are absolute instants
// interpreted as civil days in the engine's zone.
type LeaveAccount struct {
	EmployeeID        string
	EmployeeName      string
	AnnualLeaveCredit decimal.Decimal
	AccrualRate       decimal.Decimal // days per elapsed month
	CurrentBalance    decimal.Decimal
	StartDate         time.Time
	LastAccrualDate   time.Time
	NextAccrualDate   time.Time
	IsActive          bool
	EmploymentStatus  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AccountUpdate is the partial update a run applies to one account.
// ExpectedNextAccrual guards against a second writer: the update only lands
// if the stored next accrual date still matches.
type AccountUpdate struct {
	CurrentBalance      decimal.Decimal
	LastAccrualDate     time.Time
	NextAccrualDate     time.Time
	ExpectedNextAccrual time.Time

	// History is appended alongside the update.
	History HistoryEntry
}

// HistoryEntry is one line of an account's accrual history.
type HistoryEntry struct {
	EmployeeID   string
	RunID        string
	Date         time.Time
	Days         decimal.Decimal
	MonthsPassed int
	Description  string
}

// =============================================================================
// RUN LOCK
// =============================================================================

// DefaultJobName keys the run lock.
const DefaultJobName = "leaveAccrual"

// RunLock is the named mutual-exclusion record shared by every trigger.
type RunLock struct {
	JobName    string
	IsLocked   bool
	Owner      string
	LockedAt   *time.Time
	ReleasedAt *time.Time
}

// =============================================================================
// RUN RECORD
// =============================================================================

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunRecord is the persisted trace of a run that held the lock.
type RunRecord struct {
	ID             string
	JobName        string
	Trigger        string
	Status         RunStatus
	Today          string // civil date, YYYY-MM-DD
	TotalEmployees int
	UpdatedCount   int
	FailedCount    int
	DaysAccrued    decimal.Decimal
	Error          string
	StartedAt      time.Time
	CompletedAt    time.Time
}
