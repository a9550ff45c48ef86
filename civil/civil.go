/*
Package civil provides calendar-day arithmetic in a fixed civil timezone.

PURPOSE:
  Leave accounts store absolute instants (UTC) but every accrual decision is
  made on calendar days as seen in ONE configured zone (e.g. Asia/Manila).
  All zone conversions and the "anchored next month" rule live here so the
  calculator never touches time.Location directly.

KEY CONCEPTS:
  Date:          A calendar day (year, month, day) with no time-of-day.
  Anchor day:    The day-of-month taken from an account's start date.
                 Every accrual date is that day, clamped to the month length.
  Anchored step: Jan 31 -> Feb 29 (leap) -> Mar 31 -> Apr 30 -> May 31.
                 The anchor is never lost after a short month.

STORAGE ROUNDTRIP:
  instant --DateOf(zone)--> Date --In(zone)--> midnight instant

EXAMPLE:
  zone, _ := civil.LoadZone("Asia/Manila")
  today := civil.Today(time.Now(), zone)
  cutoff := today.EndOfDay(zone) // 23:59:59.999 local, as an instant

SEE ALSO:
  - accrual/calculator.go: Uses Date and the anchored rules
  - accrual/runner.go: Computes "today" and the candidate cutoff once per run
*/
package civil

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"
)

// =============================================================================
// ZONE
// =============================================================================

// DefaultZone is the zone the accrual job was built around.
const DefaultZone = "Asia/Manila"

// ErrInvalidZone is returned for an empty or unknown zone name.
var ErrInvalidZone = errors.New("invalid timezone")

// LoadZone resolves an IANA zone name. An empty name is rejected rather than
// silently falling back to UTC.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidZone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidZone, name, err)
	}
	return loc, nil
}

// =============================================================================
// DATE - A calendar day in no particular zone
// =============================================================================

type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate normalizes out-of-range values the way time.Date does
// (e.g. Feb 30 becomes Mar 1/2).
func NewDate(year int, month time.Month, day int) Date {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// DateOf returns the calendar day that instant t falls on in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	lt := t.In(loc)
	return Date{Year: lt.Year(), Month: lt.Month(), Day: lt.Day()}
}

// Today is DateOf(now, loc). The clock is a parameter so callers stay testable.
func Today(now time.Time, loc *time.Location) Date {
	return DateOf(now, loc)
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("civil: parse date %q: %w", s, err)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// EndOfDay returns 23:59:59.999 of d in loc.
func (d Date) EndOfDay(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 23, 59, 59, int(999*time.Millisecond), loc)
}

// Comparison
func (d Date) Compare(other Date) int {
	switch {
	case d.Year != other.Year:
		return cmpInt(d.Year, other.Year)
	case d.Month != other.Month:
		return cmpInt(int(d.Month), int(other.Month))
	default:
		return cmpInt(d.Day, other.Day)
	}
}

func (d Date) Before(other Date) bool        { return d.Compare(other) < 0 }
func (d Date) After(other Date) bool         { return d.Compare(other) > 0 }
func (d Date) Equal(other Date) bool         { return d.Compare(other) == 0 }
func (d Date) BeforeOrEqual(other Date) bool { return d.Compare(other) <= 0 }
func (d Date) AfterOrEqual(other Date) bool  { return d.Compare(other) >= 0 }
func (d Date) IsZero() bool                  { return d == Date{} }

// AddDays shifts d by n calendar days.
func (d Date) AddDays(n int) Date { return NewDate(d.Year, d.Month, d.Day+n) }

// IsLastDayOfMonth reports whether d is the final day of its month.
func (d Date) IsLastDayOfMonth() bool { return d.Day == DaysIn(d.Year, d.Month) }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Display renders MM/DD/YYYY, the format shown to HR users.
func (d Date) Display() string {
	return fmt.Sprintf("%02d/%02d/%04d", int(d.Month), d.Day, d.Year)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// =============================================================================
// MONTH ARITHMETIC
// =============================================================================

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AnchoredNextMonth returns anchorDay in the month after d, or that month's
// last day when it is shorter than anchorDay.
func AnchoredNextMonth(d Date, anchorDay int) Date {
	year, month := d.Year, d.Month+1
	if month > time.December {
		year, month = year+1, time.January
	}
	day := clampAnchor(anchorDay)
	if last := DaysIn(year, month); day > last {
		day = last
	}
	return Date{Year: year, Month: month, Day: day}
}

// AnchoredAddMonths applies AnchoredNextMonth n times. Every step lands in
// the following calendar month, so n steps land exactly n months later.
func AnchoredAddMonths(d Date, anchorDay, n int) Date {
	if n <= 0 {
		return d
	}
	total := int(d.Month) - 1 + n
	year := d.Year + total/12
	month := time.Month(total%12 + 1)
	day := clampAnchor(anchorDay)
	if last := DaysIn(year, month); day > last {
		day = last
	}
	return Date{Year: year, Month: month, Day: day}
}

// AnchoredMonthsBetween counts the whole months elapsed from `from` to `to`
// on the anchor's cadence: the number of anchored steps from `from` that land
// on or before `to`. Returns 0 when to is before from.
//
// With anchor 31, Jan 31 -> Feb 29 is one full month, and Feb 28 -> Apr 29
// is one (Mar 31), not two. Plain month subtraction gets both wrong.
func AnchoredMonthsBetween(from, to Date, anchorDay int) int {
	if to.Before(from) {
		return 0
	}

	// n-1 steps always land in the month before `to`, so start there.
	months := (to.Year-from.Year)*12 + int(to.Month) - int(from.Month) - 1
	if months < 0 {
		months = 0
	}
	cur := AnchoredAddMonths(from, anchorDay, months)
	for {
		next := AnchoredNextMonth(cur, anchorDay)
		if next.After(to) {
			return months
		}
		months++
		cur = next
	}
}

func clampAnchor(day int) int {
	switch {
	case day < 1:
		return 1
	case day > 31:
		return 31
	default:
		return day
	}
}
