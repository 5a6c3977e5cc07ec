package core

import (
	"sort"
	"time"
)

// Aggregate is the derived running total of one budget period.
//
// Contributions holds each occurrence's normalized amount keyed by its
// stable identity; Total is always their sum.
type Aggregate struct {
	BudgetID      string
	Period        Period
	Total         Money
	Contributions map[string]Money
	Version       int64
	UpdatedAt     time.Time
}

// NewAggregate returns an empty aggregate for a budget period.
func NewAggregate(budgetID string, period Period, currency string) Aggregate {
	return Aggregate{
		BudgetID:      budgetID,
		Period:        period,
		Total:         Zero(currency),
		Contributions: map[string]Money{},
	}
}

// Key is the period key of the aggregate.
func (a Aggregate) Key() string { return a.Period.Key }

// Spent is the expense total as a positive amount.
func (a Aggregate) Spent() Money { return a.Total.Neg() }

// Clone returns a deep copy safe to hand out of a critical section.
func (a Aggregate) Clone() Aggregate {
	c := a
	c.Contributions = make(map[string]Money, len(a.Contributions))
	for k, v := range a.Contributions {
		c.Contributions[k] = v
	}
	return c
}

// Put sets the contribution of id, replacing any earlier one.
// It reports whether the total changed or a new id was added.
func (a *Aggregate) Put(id string, amount Money) (bool, error) {
	old, exists := a.Contributions[id]
	if exists && old.Equal(amount) {
		return false, nil
	}
	total, err := a.Total.Add(amount)
	if err != nil {
		return false, err
	}
	if exists {
		if total, err = total.Sub(old); err != nil {
			return false, err
		}
	}
	a.Total = total
	a.Contributions[id] = amount
	return true, nil
}

// Remove drops the contribution of id and reports whether it existed.
func (a *Aggregate) Remove(id string) (bool, error) {
	old, exists := a.Contributions[id]
	if !exists {
		return false, nil
	}
	total, err := a.Total.Sub(old)
	if err != nil {
		return false, err
	}
	a.Total = total
	delete(a.Contributions, id)
	return true, nil
}

// OccurrenceIDs returns the contributing identities in sorted order.
func (a Aggregate) OccurrenceIDs() []string {
	ids := make([]string, 0, len(a.Contributions))
	for id := range a.Contributions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
