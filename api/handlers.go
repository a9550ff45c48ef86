/*
handlers.go - HTTP API handlers for the leave accrual service

PURPOSE:
  Exposes the accrual job and leave accounts via REST API. Handles HTTP
  request/response and JSON serialization, and delegates to the Runner
  and the store.

ENDPOINTS:
  Accrual job:
    POST   /api/accrual/run        Run one cycle now (same lock as the timer)
    GET    /api/accrual/runs       Run history
    GET    /api/accrual/lock       Current run lock
    DELETE /api/accrual/lock       Clear a lock left by a crashed process
    GET    /api/accrual/schedule   Cron expression and next fire time

  Accounts:
    GET    /api/accounts                 List accounts (MM/DD/YYYY dates)
    POST   /api/accounts                 Onboard an employee
    GET    /api/accounts/{id}            Get one account
    GET    /api/accounts/{id}/history    Accrual history
    PUT    /api/accounts/{id}/active     Include in accrual runs
    PUT    /api/accounts/{id}/inactive   Exclude from accrual runs

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Account not found
  - 409: Duplicate account, or a run already holds the lock
  - 500: Internal errors, or the run failed

SECURITY NOTE:
  No authentication. Deploy behind the HR portal's auth proxy.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/leave-accrual/accrual"
	"github.com/warp/leave-accrual/civil"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the handlers read or write besides the Runner.
// Implemented by store/sqlite.Store and accrual/store.Memory.
type Store interface {
	accrual.LockStore

	CreateAccount(ctx context.Context, acct accrual.LeaveAccount) error
	GetAccount(ctx context.Context, employeeID string) (*accrual.LeaveAccount, error)
	ListAccounts(ctx context.Context) ([]accrual.LeaveAccount, error)
	SetAccountActive(ctx context.Context, employeeID string, active bool, now time.Time) error
	History(ctx context.Context, employeeID string) ([]accrual.HistoryEntry, error)
	ListRuns(ctx context.Context, limit int) ([]accrual.RunRecord, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     Store
	Runner    *accrual.Runner
	Scheduler *AccrualScheduler // nil when the daily timer is disabled

	now func() time.Time
}

// NewHandler creates a new handler.
func NewHandler(store Store, runner *accrual.Runner, scheduler *AccrualScheduler) *Handler {
	return &Handler{
		Store:     store,
		Runner:    runner,
		Scheduler: scheduler,
		now:       time.Now,
	}
}

// =============================================================================
// ACCRUAL JOB HANDLERS
// =============================================================================

// TriggerRun executes one accrual cycle synchronously.
// POST /api/accrual/run
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	// A client hanging up must not abort a batch halfway.
	ctx := context.WithoutCancel(r.Context())
	summary := h.Runner.RunCycle(ctx, accrual.TriggerManual)

	status := http.StatusOK
	switch {
	case summary.Skipped():
		status = http.StatusConflict
	case !summary.Success:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, NewRunSummaryDTO(summary))
}

// ListRuns returns run history, newest first.
// GET /api/accrual/runs?limit=N
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, newRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// GetLock returns the run lock record.
// GET /api/accrual/lock
func (h *Handler) GetLock(w http.ResponseWriter, r *http.Request) {
	lock, err := h.Store.GetLock(r.Context(), h.Runner.JobName())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get lock", err)
		return
	}
	writeJSON(w, http.StatusOK, newLockDTO(h.Runner.JobName(), lock))
}

// ClearLock force-releases the run lock.
// DELETE /api/accrual/lock
func (h *Handler) ClearLock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobName := h.Runner.JobName()

	if err := h.Store.ForceReleaseLock(ctx, jobName, h.now()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear lock", err)
		return
	}

	lock, err := h.Store.GetLock(ctx, jobName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get lock", err)
		return
	}
	writeJSON(w, http.StatusOK, newLockDTO(jobName, lock))
}

// GetSchedule describes the daily trigger.
// GET /api/accrual/schedule
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Scheduler disabled", nil)
		return
	}
	writeJSON(w, http.StatusOK, ScheduleDTO{
		Schedule: h.Scheduler.Expression(),
		Timezone: h.Runner.Zone().String(),
		Running:  h.Scheduler.Running(),
		NextRun:  h.Scheduler.NextRunTime(h.now()).Format(time.RFC3339),
	})
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// ListAccounts returns all accounts.
// GET /api/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list accounts", err)
		return
	}

	zone := h.Runner.Zone()
	dtos := make([]AccountDTO, 0, len(accounts))
	for _, a := range accounts {
		dtos = append(dtos, newAccountDTO(a, zone))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAccount returns a single account.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newAccountDTO(*acct, h.Runner.Zone()))
}

// CreateAccount onboards an employee.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	zone := h.Runner.Zone()
	now := h.now()

	start := civil.Today(now, zone)
	if req.StartDate != "" {
		d, err := civil.ParseDate(req.StartDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid startDate format (use YYYY-MM-DD)", err)
			return
		}
		start = d
	}

	params := accrual.NewAccountParams{
		EmployeeID:       req.EmployeeID,
		EmployeeName:     req.EmployeeName,
		StartDate:        start,
		EmploymentStatus: req.EmploymentStatus,
	}
	if req.AnnualLeaveCredit != nil {
		params.AnnualLeaveCredit = decimal.NewFromFloat(*req.AnnualLeaveCredit)
	}

	acct, err := accrual.NewLeaveAccount(params, zone, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account", err)
		return
	}

	if err := h.Store.CreateAccount(r.Context(), acct); err != nil {
		if errors.Is(err, accrual.ErrAccountExists) {
			writeError(w, http.StatusConflict, "Account already exists", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create account", err)
		return
	}

	writeJSON(w, http.StatusCreated, newAccountDTO(acct, zone))
}

// GetHistory returns an account's accrual history.
// GET /api/accounts/{id}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.loadAccount(w, r); !ok {
		return
	}

	entries, err := h.Store.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get history", err)
		return
	}

	dtos := make([]HistoryEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, HistoryEntryDTO{
			Date:         e.Date.In(h.Runner.Zone()).Format(time.RFC3339),
			Days:         e.Days.InexactFloat64(),
			MonthsPassed: e.MonthsPassed,
			Description:  e.Description,
			RunID:        e.RunID,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ActivateAccount puts an account back into accrual runs.
// PUT /api/accounts/{id}/active
func (h *Handler) ActivateAccount(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// DeactivateAccount removes an account from accrual runs.
// PUT /api/accounts/{id}/inactive
func (h *Handler) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := chi.URLParam(r, "id")

	if err := h.Store.SetAccountActive(r.Context(), id, active, h.now()); err != nil {
		if errors.Is(err, accrual.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "Account not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to update account", err)
		return
	}

	acct, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newAccountDTO(*acct, h.Runner.Zone()))
}

func (h *Handler) loadAccount(w http.ResponseWriter, r *http.Request) (*accrual.LeaveAccount, bool) {
	acct, err := h.Store.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get account", err)
		return nil, false
	}
	if acct == nil {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return nil, false
	}
	return acct, true
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
