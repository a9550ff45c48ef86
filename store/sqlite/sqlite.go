/*
Package sqlite provides a SQLite-backed implementation of the accrual stores.

PURPOSE:
  Implements accrual.AccountStore, accrual.LockStore and accrual.RunRecorder
  on SQLite. The same statements port to PostgreSQL with minor dialect
  changes (placeholders, timestamp types).

KEY TABLES:
  leave_accounts:  One row per employee: balance and accrual cadence
  run_locks:       Named run lock, one row per job
  accrual_history: Append-only log of every credit
  accrual_runs:    One row per run that held the lock

LOCK CAS:
  AcquireLock is a single upsert:

    INSERT INTO run_locks ... VALUES (...)
    ON CONFLICT(job_name) DO UPDATE SET is_locked = 1, ...
    WHERE run_locks.is_locked = 0 OR <held longer than staleAfter>

  The row is created on first use. RowsAffected tells the caller whether it
  won. Two processes sharing the file race on the database write lock and
  exactly one update lands.

TIMESTAMPS:
  Stored as fixed-width UTC text (2006-01-02T15:04:05.000Z) so that string
  comparison in SQL orders the same as time comparison.

DECIMALS:
  Balances and rates are stored as TEXT and parsed with shopspring/decimal.

USAGE:
  store, err := sqlite.New("./data/accrual.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  runner := accrual.NewRunner(store, store, zone, accrual.WithRunRecorder(store))

SEE ALSO:
  - accrual/store.go: Interface definitions
  - accrual/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/leave-accrual/accrual"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// Store implements the accrual storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS leave_accounts (
		employee_id TEXT PRIMARY KEY,
		employee_name TEXT NOT NULL,
		annual_leave_credit TEXT NOT NULL,
		accrual_rate TEXT NOT NULL,
		current_balance TEXT NOT NULL,
		start_date TEXT NOT NULL,
		last_accrual_date TEXT NOT NULL,
		next_accrual_date TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		employment_status TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Due-account scan (hot path)
	CREATE INDEX IF NOT EXISTS idx_leave_accounts_due
		ON leave_accounts(is_active, next_accrual_date);

	CREATE TABLE IF NOT EXISTS run_locks (
		job_name TEXT PRIMARY KEY,
		is_locked INTEGER NOT NULL DEFAULT 0,
		owner TEXT NOT NULL DEFAULT '',
		locked_at TEXT,
		released_at TEXT
	);

	-- Append-only; never updated or deleted
	CREATE TABLE IF NOT EXISTS accrual_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		employee_id TEXT NOT NULL REFERENCES leave_accounts(employee_id),
		run_id TEXT NOT NULL,
		accrued_at TEXT NOT NULL,
		days TEXT NOT NULL,
		months_passed INTEGER NOT NULL,
		description TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accrual_history_employee
		ON accrual_history(employee_id, id);

	CREATE TABLE IF NOT EXISTS accrual_runs (
		id TEXT PRIMARY KEY,
		job_name TEXT NOT NULL,
		trigger_source TEXT NOT NULL,
		status TEXT NOT NULL,
		today TEXT NOT NULL,
		total_employees INTEGER NOT NULL,
		updated_count INTEGER NOT NULL,
		failed_count INTEGER NOT NULL,
		days_accrued TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accrual_runs_started
		ON accrual_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNTS (accrual.AccountStore interface)
// =============================================================================

const accountColumns = `employee_id, employee_name, annual_leave_credit, accrual_rate,
	current_balance, start_date, last_accrual_date, next_accrual_date,
	is_active, employment_status, created_at, updated_at`

// CreateAccount inserts a new account and its opening history entry.
// Returns accrual.ErrAccountExists on a duplicate employee id.
func (s *Store) CreateAccount(ctx context.Context, acct accrual.LeaveAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	query := `INSERT INTO leave_accounts (` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = sqlTx.ExecContext(ctx, query,
		acct.EmployeeID,
		acct.EmployeeName,
		acct.AnnualLeaveCredit.String(),
		acct.AccrualRate.String(),
		acct.CurrentBalance.String(),
		formatTime(acct.StartDate),
		formatTime(acct.LastAccrualDate),
		formatTime(acct.NextAccrualDate),
		acct.IsActive,
		acct.EmploymentStatus,
		formatTime(acct.CreatedAt),
		formatTime(acct.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return accrual.ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	if err := appendHistory(ctx, sqlTx, accrual.OpeningEntry(acct)); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// GetAccount returns an account, or nil if it does not exist.
func (s *Store) GetAccount(ctx context.Context, employeeID string) (*accrual.LeaveAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM leave_accounts WHERE employee_id = ?`, employeeID)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// ListAccounts returns every account ordered by employee id.
func (s *Store) ListAccounts(ctx context.Context) ([]accrual.LeaveAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryAccounts(ctx, `SELECT `+accountColumns+` FROM leave_accounts ORDER BY employee_id`)
}

// ListDueAccounts returns active accounts whose next accrual date is at or
// before threshold.
func (s *Store) ListDueAccounts(ctx context.Context, threshold time.Time) ([]accrual.LeaveAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryAccounts(ctx, `
		SELECT `+accountColumns+` FROM leave_accounts
		WHERE is_active = 1 AND next_accrual_date <= ?
		ORDER BY employee_id
	`, formatTime(threshold))
}

// SetAccountActive toggles whether the account takes part in accrual runs.
func (s *Store) SetAccountActive(ctx context.Context, employeeID string, active bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE leave_accounts SET is_active = ?, updated_at = ? WHERE employee_id = ?`,
		active, formatTime(now), employeeID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return accrual.ErrAccountNotFound
	}
	return nil
}

// ApplyAccrual writes the new balance and cadence pointers and appends the
// history entry in one transaction. The update only lands while the stored
// next accrual date still equals ExpectedNextAccrual.
func (s *Store) ApplyAccrual(ctx context.Context, employeeID string, u accrual.AccountUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	query := `
		UPDATE leave_accounts
		SET current_balance = ?, last_accrual_date = ?, next_accrual_date = ?, updated_at = ?
		WHERE employee_id = ?
	`
	args := []any{
		u.CurrentBalance.String(),
		formatTime(u.LastAccrualDate),
		formatTime(u.NextAccrualDate),
		formatTime(u.History.Date),
		employeeID,
	}
	if !u.ExpectedNextAccrual.IsZero() {
		query += ` AND next_accrual_date = ?`
		args = append(args, formatTime(u.ExpectedNextAccrual))
	}

	res, err := sqlTx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := sqlTx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM leave_accounts WHERE employee_id = ?`, employeeID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check account: %w", err)
		}
		if exists == 0 {
			return accrual.ErrAccountNotFound
		}
		return accrual.ErrConcurrentModification
	}

	if u.History.Description != "" {
		h := u.History
		h.EmployeeID = employeeID
		if err := appendHistory(ctx, sqlTx, h); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

func appendHistory(ctx context.Context, tx *sql.Tx, h accrual.HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accrual_history (employee_id, run_id, accrued_at, days, months_passed, description)
		VALUES (?, ?, ?, ?, ?, ?)
	`, h.EmployeeID, h.RunID, formatTime(h.Date), h.Days.String(), h.MonthsPassed, h.Description)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// History returns an account's accrual history, oldest first.
func (s *Store) History(ctx context.Context, employeeID string) ([]accrual.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT employee_id, run_id, accrued_at, days, months_passed, description
		FROM accrual_history
		WHERE employee_id = ?
		ORDER BY id
	`, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []accrual.HistoryEntry{}
	for rows.Next() {
		var h accrual.HistoryEntry
		var accruedAt, days string
		if err := rows.Scan(&h.EmployeeID, &h.RunID, &accruedAt, &days, &h.MonthsPassed, &h.Description); err != nil {
			return nil, err
		}
		if h.Date, err = parseTime(accruedAt); err != nil {
			return nil, err
		}
		if h.Days, err = decimal.NewFromString(days); err != nil {
			return nil, fmt.Errorf("history days %q: %w", days, err)
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

func (s *Store) queryAccounts(ctx context.Context, query string, args ...any) ([]accrual.LeaveAccount, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []accrual.LeaveAccount{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (accrual.LeaveAccount, error) {
	var acct accrual.LeaveAccount
	var annual, rate, balance string
	var start, last, next, createdAt, updatedAt string

	if err := row.Scan(
		&acct.EmployeeID, &acct.EmployeeName, &annual, &rate, &balance,
		&start, &last, &next, &acct.IsActive, &acct.EmploymentStatus,
		&createdAt, &updatedAt,
	); err != nil {
		return acct, err
	}

	var err error
	decimals := []struct {
		dst *decimal.Decimal
		src string
	}{{&acct.AnnualLeaveCredit, annual}, {&acct.AccrualRate, rate}, {&acct.CurrentBalance, balance}}
	for _, d := range decimals {
		if *d.dst, err = decimal.NewFromString(d.src); err != nil {
			return acct, fmt.Errorf("account %s: bad decimal %q: %w", acct.EmployeeID, d.src, err)
		}
	}

	times := []struct {
		dst *time.Time
		src string
	}{
		{&acct.StartDate, start}, {&acct.LastAccrualDate, last}, {&acct.NextAccrualDate, next},
		{&acct.CreatedAt, createdAt}, {&acct.UpdatedAt, updatedAt},
	}
	for _, t := range times {
		if *t.dst, err = parseTime(t.src); err != nil {
			return acct, fmt.Errorf("account %s: %w", acct.EmployeeID, err)
		}
	}
	return acct, nil
}

// =============================================================================
// RUN LOCK (accrual.LockStore interface)
// =============================================================================

// AcquireLock is a single-statement compare-and-set on run_locks.
func (s *Store) AcquireLock(ctx context.Context, jobName, owner string, now time.Time, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staleBefore := ""
	if staleAfter > 0 {
		staleBefore = formatTime(now.Add(-staleAfter))
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_locks (job_name, is_locked, owner, locked_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(job_name) DO UPDATE SET
			is_locked = 1,
			owner = excluded.owner,
			locked_at = excluded.locked_at
		WHERE run_locks.is_locked = 0
			OR (? != '' AND run_locks.locked_at < ?)
	`, jobName, owner, formatTime(now), staleBefore, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLock unlocks jobName if owner still holds it.
func (s *Store) ReleaseLock(ctx context.Context, jobName, owner string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE run_locks SET is_locked = 0, released_at = ?
		WHERE job_name = ? AND is_locked = 1 AND owner = ?
	`, formatTime(now), jobName, owner)
	if err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return accrual.ErrLockNotHeld
	}
	return nil
}

// ForceReleaseLock unlocks jobName regardless of owner.
func (s *Store) ForceReleaseLock(ctx context.Context, jobName string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE run_locks SET is_locked = 0, released_at = ? WHERE job_name = ?
	`, formatTime(now), jobName)
	if err != nil {
		return fmt.Errorf("failed to force release run lock: %w", err)
	}
	return nil
}

// GetLock returns the lock record, or nil if the lock was never taken.
func (s *Store) GetLock(ctx context.Context, jobName string) (*accrual.RunLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lock accrual.RunLock
	var lockedAt, releasedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT job_name, is_locked, owner, locked_at, released_at
		FROM run_locks WHERE job_name = ?
	`, jobName).Scan(&lock.JobName, &lock.IsLocked, &lock.Owner, &lockedAt, &releasedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if lock.LockedAt, err = parseNullTime(lockedAt); err != nil {
		return nil, err
	}
	if lock.ReleasedAt, err = parseNullTime(releasedAt); err != nil {
		return nil, err
	}
	return &lock, nil
}

// =============================================================================
// RUN HISTORY (accrual.RunRecorder interface)
// =============================================================================

// SaveRun records a run. Saving the same id twice overwrites the first row.
func (s *Store) SaveRun(ctx context.Context, r accrual.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO accrual_runs (id, job_name, trigger_source, status, today, total_employees,
			updated_count, failed_count, days_accrued, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total_employees = excluded.total_employees,
			updated_count = excluded.updated_count,
			failed_count = excluded.failed_count,
			days_accrued = excluded.days_accrued,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.JobName, r.Trigger, string(r.Status), r.Today,
		r.TotalEmployees, r.UpdatedCount, r.FailedCount, r.DaysAccrued.String(), r.Error,
		formatTime(r.StartedAt), formatTime(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first. limit <= 0 means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]accrual.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, job_name, trigger_source, status, today, total_employees, updated_count,
			failed_count, days_accrued, error, started_at, completed_at
		FROM accrual_runs
		ORDER BY started_at DESC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []accrual.RunRecord{}
	for rows.Next() {
		var r accrual.RunRecord
		var status, days, startedAt, completedAt string
		if err := rows.Scan(
			&r.ID, &r.JobName, &r.Trigger, &status, &r.Today, &r.TotalEmployees,
			&r.UpdatedCount, &r.FailedCount, &days, &r.Error, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		r.Status = accrual.RunStatus(status)
		if r.DaysAccrued, err = decimal.NewFromString(days); err != nil {
			return nil, fmt.Errorf("run %s: bad decimal %q: %w", r.ID, days, err)
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
