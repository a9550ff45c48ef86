package accrual

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-accrual/civil"
)

// =============================================================================
// ONBOARDING - Establishes a new account's cadence
// =============================================================================

// Defaults applied when onboarding without explicit values.
var (
	DefaultAnnualLeaveCredit = decimal.NewFromInt(18)
	monthsPerYear            = decimal.NewFromInt(12)
)

const DefaultEmploymentStatus = "Probationary"

// AccountCreatedDescription labels the zero-day history entry written when an
// account is onboarded.
const AccountCreatedDescription = "Leave account created"

// OpeningEntry is the first line of every onboarded account's history.
func OpeningEntry(acct LeaveAccount) HistoryEntry {
	return HistoryEntry{
		EmployeeID:  acct.EmployeeID,
		Date:        acct.CreatedAt,
		Days:        decimal.Zero,
		Description: AccountCreatedDescription,
	}
}

// NewAccountParams describes an employee joining the accrual program.
type NewAccountParams struct {
	EmployeeID        string
	EmployeeName      string
	AnnualLeaveCredit decimal.Decimal // zero means DefaultAnnualLeaveCredit
	StartDate         civil.Date
	EmploymentStatus  string
}

// NewLeaveAccount builds an account with a zero balance, a monthly rate of
// annual/12, LastAccrualDate at the start date and NextAccrualDate one
// anchored month later.
func NewLeaveAccount(p NewAccountParams, zone *time.Location, now time.Time) (LeaveAccount, error) {
	if strings.TrimSpace(p.EmployeeID) == "" {
		return LeaveAccount{}, fmt.Errorf("%w: employee id is required", ErrInvalidAccount)
	}
	if strings.TrimSpace(p.EmployeeName) == "" {
		return LeaveAccount{}, invalidAccount(p.EmployeeID, "employee name is required")
	}
	if p.StartDate.IsZero() {
		return LeaveAccount{}, invalidAccount(p.EmployeeID, "start date is required")
	}

	annual := p.AnnualLeaveCredit
	if annual.IsZero() {
		annual = DefaultAnnualLeaveCredit
	}
	if annual.IsNegative() {
		return LeaveAccount{}, invalidAccount(p.EmployeeID, "negative annual leave credit")
	}

	status := p.EmploymentStatus
	if status == "" {
		status = DefaultEmploymentStatus
	}

	start := p.StartDate.In(zone)
	next := civil.AnchoredNextMonth(p.StartDate, p.StartDate.Day).In(zone)

	return LeaveAccount{
		EmployeeID:        p.EmployeeID,
		EmployeeName:      p.EmployeeName,
		AnnualLeaveCredit: annual,
		AccrualRate:       annual.Div(monthsPerYear),
		CurrentBalance:    decimal.Zero,
		StartDate:         start,
		LastAccrualDate:   start,
		NextAccrualDate:   next,
		IsActive:          true,
		EmploymentStatus:  status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}
