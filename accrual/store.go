/*
store.go - Persistence contract consumed by the Runner

KEY INTERFACES:
  AccountStore: Due-account query and per-account partial update
  LockStore:    Atomic acquire/release of the named run lock
  RunRecorder:  Optional run history

ATOMICITY REQUIREMENTS:
  AcquireLock must be a single compare-and-set: "lock if unlocked (or
  absent, or stale), else do nothing". Two racing callers may both reach
  the store; exactly one of them may see true.

  ApplyAccrual must write the account fields and the history entry together,
  and only if ExpectedNextAccrual still matches.

IMPLEMENTATIONS:
  - accrual/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go:  SQLite
*/
package accrual

import (
	"context"
	"time"
)

// AccountStore reads and updates leave accounts.
type AccountStore interface {
	// ListDueAccounts returns active accounts with NextAccrualDate <= threshold.
	ListDueAccounts(ctx context.Context, threshold time.Time) ([]LeaveAccount, error)

	// ApplyAccrual updates one account by employee id. Returns
	// ErrAccountNotFound or ErrConcurrentModification.
	ApplyAccrual(ctx context.Context, employeeID string, update AccountUpdate) error
}

// LockStore provides the run lock.
type LockStore interface {
	// AcquireLock locks jobName for owner if it is unlocked or absent. When
	// staleAfter > 0, a lock held since before now-staleAfter is taken over.
	// Returns false (and no error) when another run holds the lock.
	AcquireLock(ctx context.Context, jobName, owner string, now time.Time, staleAfter time.Duration) (bool, error)

	// ReleaseLock unlocks jobName if owner holds it. Returns ErrLockNotHeld
	// otherwise.
	ReleaseLock(ctx context.Context, jobName, owner string, now time.Time) error

	// ForceReleaseLock unlocks jobName regardless of owner. Used by operators
	// to clear a lock left by a crashed process.
	ForceReleaseLock(ctx context.Context, jobName string, now time.Time) error

	// GetLock returns the lock record, or nil if no run ever took it.
	GetLock(ctx context.Context, jobName string) (*RunLock, error)
}

// RunRecorder persists run history. Optional.
type RunRecorder interface {
	SaveRun(ctx context.Context, run RunRecord) error
}
