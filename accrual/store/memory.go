// Package store provides in-memory implementations of the accrual stores.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/leave-accrual/accrual"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements accrual.AccountStore, accrual.LockStore and
// accrual.RunRecorder. A single mutex makes every method atomic, which is
// all the lock CAS needs within one process.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]accrual.LeaveAccount
	history  map[string][]accrual.HistoryEntry
	locks    map[string]accrual.RunLock
	runs     []accrual.RunRecord
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]accrual.LeaveAccount),
		history:  make(map[string][]accrual.HistoryEntry),
		locks:    make(map[string]accrual.RunLock),
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// CreateAccount adds a new account and its opening history entry. Returns
// accrual.ErrAccountExists on a duplicate employee id.
func (m *Memory) CreateAccount(_ context.Context, acct accrual.LeaveAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.EmployeeID]; ok {
		return accrual.ErrAccountExists
	}
	m.accounts[acct.EmployeeID] = acct
	m.history[acct.EmployeeID] = []accrual.HistoryEntry{accrual.OpeningEntry(acct)}
	return nil
}

// PutAccount inserts or replaces an account without touching its history.
// Test helper for arbitrary states.
func (m *Memory) PutAccount(acct accrual.LeaveAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.EmployeeID] = acct
}

func (m *Memory) GetAccount(_ context.Context, employeeID string) (*accrual.LeaveAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[employeeID]
	if !ok {
		return nil, nil
	}
	return &acct, nil
}

// ListAccounts returns every account ordered by employee id.
func (m *Memory) ListAccounts(_ context.Context) ([]accrual.LeaveAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]accrual.LeaveAccount, 0, len(m.accounts))
	for _, acct := range m.accounts {
		result = append(result, acct)
	}
	sortAccounts(result)
	return result, nil
}

func (m *Memory) ListDueAccounts(_ context.Context, threshold time.Time) ([]accrual.LeaveAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []accrual.LeaveAccount
	for _, acct := range m.accounts {
		if acct.IsActive && !acct.NextAccrualDate.After(threshold) {
			result = append(result, acct)
		}
	}
	sortAccounts(result)
	return result, nil
}

// SetAccountActive toggles whether the account takes part in accrual runs.
func (m *Memory) SetAccountActive(_ context.Context, employeeID string, active bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[employeeID]
	if !ok {
		return accrual.ErrAccountNotFound
	}
	acct.IsActive = active
	acct.UpdatedAt = now
	m.accounts[employeeID] = acct
	return nil
}

func (m *Memory) ApplyAccrual(_ context.Context, employeeID string, u accrual.AccountUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[employeeID]
	if !ok {
		return accrual.ErrAccountNotFound
	}
	if !u.ExpectedNextAccrual.IsZero() && !acct.NextAccrualDate.Equal(u.ExpectedNextAccrual) {
		return accrual.ErrConcurrentModification
	}

	acct.CurrentBalance = u.CurrentBalance
	acct.LastAccrualDate = u.LastAccrualDate
	acct.NextAccrualDate = u.NextAccrualDate
	acct.UpdatedAt = u.History.Date
	m.accounts[employeeID] = acct

	if u.History.Description != "" {
		m.history[employeeID] = append(m.history[employeeID], u.History)
	}
	return nil
}

// History returns an account's accrual history, oldest first.
func (m *Memory) History(_ context.Context, employeeID string) ([]accrual.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]accrual.HistoryEntry, len(m.history[employeeID]))
	copy(result, m.history[employeeID])
	return result, nil
}

func sortAccounts(accts []accrual.LeaveAccount) {
	sort.Slice(accts, func(i, j int) bool { return accts[i].EmployeeID < accts[j].EmployeeID })
}

// =============================================================================
// RUN LOCK
// =============================================================================

func (m *Memory) AcquireLock(_ context.Context, jobName, owner string, now time.Time, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, exists := m.locks[jobName]
	if exists && lock.IsLocked && !isStale(lock, now, staleAfter) {
		return false, nil
	}

	lockedAt := now
	m.locks[jobName] = accrual.RunLock{
		JobName:    jobName,
		IsLocked:   true,
		Owner:      owner,
		LockedAt:   &lockedAt,
		ReleasedAt: lock.ReleasedAt,
	}
	return true, nil
}

func (m *Memory) ReleaseLock(_ context.Context, jobName, owner string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, exists := m.locks[jobName]
	if !exists || !lock.IsLocked || lock.Owner != owner {
		return accrual.ErrLockNotHeld
	}
	m.releaseLocked(lock, now)
	return nil
}

func (m *Memory) ForceReleaseLock(_ context.Context, jobName string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, exists := m.locks[jobName]
	if !exists {
		return nil
	}
	m.releaseLocked(lock, now)
	return nil
}

func (m *Memory) releaseLocked(lock accrual.RunLock, now time.Time) {
	releasedAt := now
	lock.IsLocked = false
	lock.ReleasedAt = &releasedAt
	m.locks[lock.JobName] = lock
}

func (m *Memory) GetLock(_ context.Context, jobName string) (*accrual.RunLock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lock, exists := m.locks[jobName]
	if !exists {
		return nil, nil
	}
	return &lock, nil
}

func isStale(lock accrual.RunLock, now time.Time, staleAfter time.Duration) bool {
	if staleAfter <= 0 || lock.LockedAt == nil {
		return false
	}
	return lock.LockedAt.Before(now.Add(-staleAfter))
}

// =============================================================================
// RUN HISTORY
// =============================================================================

func (m *Memory) SaveRun(_ context.Context, run accrual.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// Runs returns recorded runs, newest first.
func (m *Memory) Runs() []accrual.RunRecord {
	runs, _ := m.ListRuns(context.Background(), 0)
	return runs
}

// ListRuns returns the most recent runs, newest first. limit <= 0 means all.
func (m *Memory) ListRuns(_ context.Context, limit int) ([]accrual.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.runs)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]accrual.RunRecord, n)
	for i := range result {
		result[i] = m.runs[len(m.runs)-1-i]
	}
	return result, nil
}
