package accrual

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-accrual/civil"
)

// =============================================================================
// CALCULATOR - Pure state transition for one account
// =============================================================================

// Result is the state transition for one due account.
type Result struct {
	NewBalance         decimal.Decimal
	NewLastAccrualDate civil.Date
	NewNextAccrualDate civil.Date
	AccruedDays        decimal.Decimal
	MonthsPassed       int
	Description        string
}

// Compute decides whether acct is due on today (a civil day in zone) and, if
// so, returns the new balance and cadence pointers. It returns (nil, nil)
// when nothing is due, and an *AccountError wrapping ErrInvalidAccount when
// the account is malformed. Identical inputs always produce identical output.
//
// Due-ness: today >= civil day of NextAccrualDate.
// Months:   whole anchored months from LastAccrualDate to today.
// Anchor:   day-of-month of StartDate in zone.
func Compute(acct LeaveAccount, today civil.Date, zone *time.Location) (*Result, error) {
	if err := validate(acct); err != nil {
		return nil, err
	}

	next := civil.DateOf(acct.NextAccrualDate, zone)
	if today.Before(next) {
		return nil, nil
	}

	last := civil.DateOf(acct.LastAccrualDate, zone)
	anchor := AnchorDay(acct, zone)

	months := civil.AnchoredMonthsBetween(last, today, anchor)
	if months < 1 {
		// Clock skew or a same-day rerun after a manual edit.
		return nil, nil
	}

	accrued := acct.AccrualRate.Mul(decimal.NewFromInt(int64(months)))
	newLast := civil.AnchoredAddMonths(last, anchor, months)

	return &Result{
		NewBalance:         acct.CurrentBalance.Add(accrued),
		NewLastAccrualDate: newLast,
		NewNextAccrualDate: civil.AnchoredNextMonth(newLast, anchor),
		AccruedDays:        accrued,
		MonthsPassed:       months,
		Description:        fmt.Sprintf("Accrued %s days for %d month(s)", accrued.String(), months),
	}, nil
}

// AnchorDay is the account's accrual day-of-month.
func AnchorDay(acct LeaveAccount, zone *time.Location) int {
	return civil.DateOf(acct.StartDate, zone).Day
}

func validate(acct LeaveAccount) error {
	switch {
	case acct.StartDate.IsZero():
		return invalidAccount(acct.EmployeeID, "missing start date")
	case acct.LastAccrualDate.IsZero():
		return invalidAccount(acct.EmployeeID, "missing last accrual date")
	case acct.NextAccrualDate.IsZero():
		return invalidAccount(acct.EmployeeID, "missing next accrual date")
	case acct.NextAccrualDate.Before(acct.LastAccrualDate):
		return invalidAccount(acct.EmployeeID, "next accrual date before last accrual date")
	case acct.AccrualRate.IsNegative():
		return invalidAccount(acct.EmployeeID, "negative accrual rate")
	}
	return nil
}
