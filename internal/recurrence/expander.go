package recurrence

import (
	"fmt"
	"iter"
	"time"

	"ledger/internal/core"
)

// Expand returns the occurrence dates of rule within [windowStart, windowEnd].
//
// The sequence is lazy and restartable: ranging over it again recomputes it
// from the inputs. Occurrence k is rule.Start moved by k·Interval units, and
// Count limits k regardless of where the window begins.
func Expand(rule core.RecurrenceRule, windowStart, windowEnd time.Time) (iter.Seq[time.Time], error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	stepper, err := GetStepper(rule.Frequency)
	if err != nil {
		return nil, err
	}
	if !windowEnd.After(windowStart) || rule.Start.After(windowEnd) {
		return func(func(time.Time) bool) {}, nil
	}

	return func(yield func(time.Time) bool) {
		k := 0
		if windowStart.After(rule.Start) {
			if skip := stepper.UnitsBefore(rule.Start, windowStart) / rule.Interval; skip > 0 {
				k = skip
			}
		}
		for ; rule.Count == 0 || k < rule.Count; k++ {
			d := stepper.Nth(rule.Start, k*rule.Interval)
			if d.After(windowEnd) {
				return
			}
			if !rule.EndDate.IsZero() && d.After(rule.EndDate) {
				return
			}
			if d.Before(windowStart) {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}, nil
}

// Occurrences pairs each expanded date with the template's account, category
// and amount. The results are computed facts and are never persisted here.
func Occurrences(template core.Transaction, rule core.RecurrenceRule, windowStart, windowEnd time.Time) (iter.Seq[core.Occurrence], error) {
	if !template.IsTemplate() {
		return nil, fmt.Errorf("%w: transaction %s is not a template", core.ErrInvalidTransaction, template.ID)
	}
	if template.RuleID != rule.ID {
		return nil, fmt.Errorf("%w: template %s references rule %s, got %s", core.ErrMalformedRule, template.ID, template.RuleID, rule.ID)
	}
	dates, err := Expand(rule, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	return func(yield func(core.Occurrence) bool) {
		for d := range dates {
			occ := core.Occurrence{
				ID:         core.OccurrenceID(template.ID, d),
				TemplateID: template.ID,
				AccountID:  template.AccountID,
				Category:   template.Category,
				Amount:     template.Amount,
				Date:       d,
			}
			if !yield(occ) {
				return
			}
		}
	}, nil
}
