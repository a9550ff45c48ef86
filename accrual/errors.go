/*
errors.go - Error types for the accrual engine

ERROR CATEGORIES:
  1. Account errors - A leave account violates its own invariants
  2. Store errors   - Persistence failures and lost updates
  3. Lock errors    - Releasing a lock the caller doesn't hold

  Lock CONTENTION is not an error. AcquireLock reports it as (false, nil)
  and the Runner turns it into a "already running" summary.

USAGE:
  if errors.Is(err, accrual.ErrInvalidAccount) {
      var accErr *accrual.AccountError
      errors.As(err, &accErr) // accErr.EmployeeID
  }
*/
package accrual

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAccount is returned when an account's dates or rate are malformed.
	ErrInvalidAccount = errors.New("invalid leave account")

	// ErrAccountNotFound is returned when updating an unknown employee id.
	ErrAccountNotFound = errors.New("leave account not found")

	// ErrAccountExists is returned when onboarding an employee twice.
	ErrAccountExists = errors.New("leave account already exists")

	// ErrConcurrentModification is returned when an account's next accrual
	// date changed between read and update.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLockNotHeld is returned when releasing a lock owned by another run.
	ErrLockNotHeld = errors.New("run lock not held by caller")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// AccountError ties a failure to one employee's account.
type AccountError struct {
	EmployeeID string
	Reason     string
	Err        error
}

func (e *AccountError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("account %s: %v", e.EmployeeID, e.Err)
	}
	return fmt.Sprintf("account %s: %s: %v", e.EmployeeID, e.Reason, e.Err)
}

func (e *AccountError) Unwrap() error {
	return e.Err
}

func invalidAccount(employeeID, reason string) error {
	return &AccountError{EmployeeID: employeeID, Reason: reason, Err: ErrInvalidAccount}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if a later run may succeed without intervention.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
