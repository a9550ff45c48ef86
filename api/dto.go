/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Field names follow the
  camelCase contract of the run summary (success, totalEmployees, ...).

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DATES:
  Account dates are rendered as MM/DD/YYYY in the accrual zone. Run and
  lock timestamps are RFC3339.

NUMBERS:
  Balances are decimal.Decimal internally and float64 on the wire.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/leave-accrual/accrual"
	"github.com/warp/leave-accrual/civil"
)

// =============================================================================
// RUN SUMMARY
// =============================================================================

// RunSummaryDTO is the JSON form of accrual.RunSummary.
type RunSummaryDTO struct {
	RunID          string             `json:"runId"`
	Trigger        string             `json:"trigger"`
	Success        bool               `json:"success"`
	Reason         string             `json:"reason,omitempty"`
	Today          string             `json:"today"`
	TotalEmployees int                `json:"totalEmployees"`
	UpdatedCount   int                `json:"updatedCount"`
	Updates        []AccrualUpdateDTO `json:"updates"`
	Failures       []FailureDTO       `json:"failures,omitempty"`
	Timestamp      string             `json:"timestamp"`
	Error          string             `json:"error,omitempty"`
}

// AccrualUpdateDTO is one credited account.
type AccrualUpdateDTO struct {
	EmployeeID      string  `json:"employeeId"`
	EmployeeName    string  `json:"employeeName"`
	AccruedDays     float64 `json:"accruedDays"`
	MonthsPassed    int     `json:"monthsPassed"`
	NewBalance      float64 `json:"newBalance"`
	NextAccrualDate string  `json:"nextAccrualDate"`
}

type FailureDTO struct {
	EmployeeID string `json:"employeeId"`
	Error      string `json:"error"`
}

// NewRunSummaryDTO converts a summary for the wire.
func NewRunSummaryDTO(s accrual.RunSummary) RunSummaryDTO {
	dto := RunSummaryDTO{
		RunID:          s.RunID,
		Trigger:        string(s.Trigger),
		Success:        s.Success,
		Reason:         s.Reason,
		Today:          s.Today.String(),
		TotalEmployees: s.TotalEmployees,
		UpdatedCount:   s.UpdatedCount,
		Updates:        make([]AccrualUpdateDTO, 0, len(s.Updates)),
		Timestamp:      s.Timestamp.Format(time.RFC3339),
		Error:          s.Error,
	}
	for _, u := range s.Updates {
		dto.Updates = append(dto.Updates, AccrualUpdateDTO{
			EmployeeID:      u.EmployeeID,
			EmployeeName:    u.EmployeeName,
			AccruedDays:     u.AccruedDays.InexactFloat64(),
			MonthsPassed:    u.MonthsPassed,
			NewBalance:      u.NewBalance.InexactFloat64(),
			NextAccrualDate: u.NewNextAccrualDate.Display(),
		})
	}
	for _, f := range s.Failures {
		dto.Failures = append(dto.Failures, FailureDTO{EmployeeID: f.EmployeeID, Error: f.Error})
	}
	return dto
}

// =============================================================================
// RUNS AND LOCK
// =============================================================================

type RunDTO struct {
	ID             string  `json:"id"`
	JobName        string  `json:"jobName"`
	Trigger        string  `json:"trigger"`
	Status         string  `json:"status"`
	Today          string  `json:"today"`
	TotalEmployees int     `json:"totalEmployees"`
	UpdatedCount   int     `json:"updatedCount"`
	FailedCount    int     `json:"failedCount"`
	DaysAccrued    float64 `json:"daysAccrued"`
	Error          string  `json:"error,omitempty"`
	StartedAt      string  `json:"startedAt"`
	CompletedAt    string  `json:"completedAt"`
}

func newRunDTO(r accrual.RunRecord) RunDTO {
	return RunDTO{
		ID:             r.ID,
		JobName:        r.JobName,
		Trigger:        r.Trigger,
		Status:         string(r.Status),
		Today:          r.Today,
		TotalEmployees: r.TotalEmployees,
		UpdatedCount:   r.UpdatedCount,
		FailedCount:    r.FailedCount,
		DaysAccrued:    r.DaysAccrued.InexactFloat64(),
		Error:          r.Error,
		StartedAt:      r.StartedAt.Format(time.RFC3339),
		CompletedAt:    r.CompletedAt.Format(time.RFC3339),
	}
}

type LockDTO struct {
	JobName    string `json:"jobName"`
	IsLocked   bool   `json:"isLocked"`
	Owner      string `json:"owner,omitempty"`
	LockedAt   string `json:"lockedAt,omitempty"`
	ReleasedAt string `json:"releasedAt,omitempty"`
}

func newLockDTO(jobName string, lock *accrual.RunLock) LockDTO {
	if lock == nil {
		return LockDTO{JobName: jobName}
	}
	dto := LockDTO{JobName: lock.JobName, IsLocked: lock.IsLocked, Owner: lock.Owner}
	if lock.LockedAt != nil {
		dto.LockedAt = lock.LockedAt.Format(time.RFC3339)
	}
	if lock.ReleasedAt != nil {
		dto.ReleasedAt = lock.ReleasedAt.Format(time.RFC3339)
	}
	return dto
}

type ScheduleDTO struct {
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone"`
	Running  bool   `json:"running"`
	NextRun  string `json:"nextRun"`
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountDTO represents a leave account in API responses.
type AccountDTO struct {
	EmployeeID        string  `json:"employeeId"`
	EmployeeName      string  `json:"employeeName"`
	AnnualLeaveCredit float64 `json:"annualLeaveCredit"`
	AccrualRate       float64 `json:"accrualRate"`
	CurrentBalance    float64 `json:"currentBalance"`
	StartDate         string  `json:"startDate"`
	LastAccrualDate   string  `json:"lastAccrualDate"`
	NextAccrualDate   string  `json:"nextAccrualDate"`
	IsActive          bool    `json:"isActive"`
	EmploymentStatus  string  `json:"employmentStatus"`
	Timezone          string  `json:"timezone"`
}

func newAccountDTO(a accrual.LeaveAccount, zone *time.Location) AccountDTO {
	return AccountDTO{
		EmployeeID:        a.EmployeeID,
		EmployeeName:      a.EmployeeName,
		AnnualLeaveCredit: a.AnnualLeaveCredit.InexactFloat64(),
		AccrualRate:       a.AccrualRate.InexactFloat64(),
		CurrentBalance:    a.CurrentBalance.InexactFloat64(),
		StartDate:         civil.DateOf(a.StartDate, zone).Display(),
		LastAccrualDate:   civil.DateOf(a.LastAccrualDate, zone).Display(),
		NextAccrualDate:   civil.DateOf(a.NextAccrualDate, zone).Display(),
		IsActive:          a.IsActive,
		EmploymentStatus:  a.EmploymentStatus,
		Timezone:          zone.String(),
	}
}

// CreateAccountRequest onboards an employee. Omitted fields take defaults:
// 18 days a year, start date today in the accrual zone.
type CreateAccountRequest struct {
	EmployeeID        string   `json:"employeeId"`
	EmployeeName      string   `json:"employeeName"`
	AnnualLeaveCredit *float64 `json:"annualLeaveCredit,omitempty"`
	StartDate         string   `json:"startDate,omitempty"` // YYYY-MM-DD
	EmploymentStatus  string   `json:"employmentStatus,omitempty"`
}

type HistoryEntryDTO struct {
	Date         string  `json:"date"`
	Days         float64 `json:"days"`
	MonthsPassed int     `json:"monthsPassed"`
	Description  string  `json:"description"`
	RunID        string  `json:"runId,omitempty"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
