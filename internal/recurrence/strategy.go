// Package recurrence expands recurrence rules into concrete occurrence dates.
//
// This file implements the Strategy Pattern for calendar stepping.
// Each frequency type (daily, weekly, monthly, yearly) has its own stepper
// that encapsulates how to move n units away from a rule's anchor date.
package recurrence

import (
	"fmt"
	"time"

	"ledger/internal/core"
)

// Stepper is the strategy interface for one frequency.
type Stepper interface {
	// Nth returns the date n units after anchor. Implementations compute from
	// the anchor, never from a previous step, so clamping does not drift.
	Nth(anchor time.Time, n int) time.Time

	// UnitsBefore returns a lower bound on the number of whole units between
	// anchor and t, used to skip ahead to a window start. t is after anchor.
	UnitsBefore(anchor, t time.Time) int
}

// DailyStepper implements Stepper for daily rules.
type DailyStepper struct{}

func (DailyStepper) Nth(anchor time.Time, n int) time.Time {
	return anchor.AddDate(0, 0, n)
}

func (DailyStepper) UnitsBefore(anchor, t time.Time) int {
	return wholeDays(anchor, t) - 1
}

// WeeklyStepper implements Stepper for weekly rules.
type WeeklyStepper struct{}

func (WeeklyStepper) Nth(anchor time.Time, n int) time.Time {
	return anchor.AddDate(0, 0, 7*n)
}

func (WeeklyStepper) UnitsBefore(anchor, t time.Time) int {
	return wholeDays(anchor, t)/7 - 1
}

// MonthlyStepper implements Stepper for monthly rules. Anchor days past the
// end of a target month land on that month's last day.
type MonthlyStepper struct{}

func (MonthlyStepper) Nth(anchor time.Time, n int) time.Time {
	return addMonthsClamped(anchor, n)
}

func (MonthlyStepper) UnitsBefore(anchor, t time.Time) int {
	t = t.In(anchor.Location())
	return (t.Year()-anchor.Year())*12 + int(t.Month()) - int(anchor.Month()) - 1
}

// YearlyStepper implements Stepper for yearly rules. Feb 29 anchors land on
// Feb 28 in common years.
type YearlyStepper struct{}

func (YearlyStepper) Nth(anchor time.Time, n int) time.Time {
	return addMonthsClamped(anchor, 12*n)
}

func (YearlyStepper) UnitsBefore(anchor, t time.Time) int {
	return t.In(anchor.Location()).Year() - anchor.Year() - 1
}

// steppers maps frequencies to their strategies.
var steppers = map[core.Frequency]Stepper{
	core.Daily:   DailyStepper{},
	core.Weekly:  WeeklyStepper{},
	core.Monthly: MonthlyStepper{},
	core.Yearly:  YearlyStepper{},
}

// GetStepper returns the stepper for a frequency.
func GetStepper(frequency core.Frequency) (Stepper, error) {
	s, ok := steppers[frequency]
	if !ok {
		return nil, fmt.Errorf("%w: unknown frequency %q", core.ErrMalformedRule, frequency)
	}
	return s, nil
}

// addMonthsClamped moves anchor by n calendar months keeping its day of month
// when possible and its wall-clock time.
func addMonthsClamped(anchor time.Time, n int) time.Time {
	loc := anchor.Location()
	total := int(anchor.Month()) - 1 + n
	year := anchor.Year() + floorDiv(total, 12)
	month := time.Month(total - floorDiv(total, 12)*12 + 1)
	day := anchor.Day()
	if last := daysIn(year, month, loc); day > last {
		day = last
	}
	return time.Date(year, month, day, anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), loc)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func wholeDays(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
