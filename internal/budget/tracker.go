// Package budget folds normalized occurrences into per-period budget totals.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ledger/internal/core"
	"ledger/internal/rates"
	"ledger/internal/storage"
)

type (
	// Normalizer converts an amount into a target currency as of a date.
	// *rates.Resolver satisfies it.
	Normalizer interface {
		Convert(ctx context.Context, m core.Money, to string, asOf time.Time) (rates.Conversion, error)
	}

	// Update describes one aggregate change. Baseline is the spend the
	// change is measured from: the previous total of the same period, or for
	// a rolling window seen for the first time, the spend of the latest
	// earlier window. Pending holds the normalization errors of occurrences
	// left out of a rebuild because their rate is not known yet.
	Update struct {
		Budget   core.Budget
		Previous core.Aggregate
		Current  core.Aggregate
		Baseline core.Money
		Changed  bool
		Pending  []error
	}

	// Source lists the occurrences of a budget dated in period. The tracker
	// calls it with the period locked.
	Source func(ctx context.Context, b core.Budget, period core.Period) ([]core.Occurrence, error)

	// Observer is called inside the period's critical section before a
	// change is committed. A returned error aborts the change.
	Observer interface {
		ObserveAggregate(ctx context.Context, u Update) error
	}

	ObserverFunc func(ctx context.Context, u Update) error
)

func (f ObserverFunc) ObserveAggregate(ctx context.Context, u Update) error { return f(ctx, u) }

// heldPeriods is how many periods per budget stay in memory: the latest
// one and the window a new rolling window is measured from.
const heldPeriods = 2

type Tracker struct {
	normalizer Normalizer
	store      storage.AggregateStore
	source     Source
	observer   Observer
	now        func() time.Time

	locks *keyedMutex
	mu    sync.RWMutex
	held  map[string]map[string]core.Aggregate
}

type Option func(*Tracker)

// WithStore persists every committed aggregate with a version check.
func WithStore(s storage.AggregateStore) Option {
	return func(t *Tracker) { t.store = s }
}

// WithSource builds periods the tracker has no state for from src before
// the first change is folded in.
func WithSource(src Source) Option {
	return func(t *Tracker) { t.source = src }
}

// SourceOf serves a fixed list of occurrences.
func SourceOf(occs ...core.Occurrence) Source {
	return func(context.Context, core.Budget, core.Period) ([]core.Occurrence, error) {
		return occs, nil
	}
}

func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(n Normalizer, opts ...Option) *Tracker {
	t := &Tracker{
		normalizer: n,
		now:        time.Now,
		locks:      newKeyedMutex(),
		held:       map[string]map[string]core.Aggregate{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// PeriodFor returns the period an occurrence dated at is tracked in.
// Calendar periods follow the occurrence date; rolling windows end on asOf.
func PeriodFor(def core.PeriodDef, loc *time.Location, at, asOf time.Time) (core.Period, error) {
	if def.Kind == core.Rolling {
		return core.PeriodAt(def, asOf, loc)
	}
	return core.PeriodAt(def, at, loc)
}

// Apply folds occ into its budget period. Re-applying the same occurrence
// identity replaces its earlier contribution. Occurrences outside the
// rolling window ending on asOf leave the aggregate untouched.
func (t *Tracker) Apply(ctx context.Context, b core.Budget, loc *time.Location, occ core.Occurrence, asOf time.Time) (Update, error) {
	if err := matches(b, occ); err != nil {
		return Update{}, err
	}
	period, err := PeriodFor(b.Period, loc, occ.Date, asOf)
	if err != nil {
		return Update{}, err
	}
	if !period.Contains(occ.Date) {
		return t.mutate(ctx, b, period, t.source, func(*core.Aggregate) (bool, error) { return false, nil })
	}

	amount, err := t.normalize(ctx, b, occ)
	if err != nil {
		return Update{}, err
	}
	return t.mutate(ctx, b, period, t.source, func(agg *core.Aggregate) (bool, error) {
		return agg.Put(occ.ID, amount)
	})
}

// Remove drops the contribution of occurrenceID from the period of date.
func (t *Tracker) Remove(ctx context.Context, b core.Budget, loc *time.Location, occurrenceID string, date, asOf time.Time) (Update, error) {
	period, err := PeriodFor(b.Period, loc, date, asOf)
	if err != nil {
		return Update{}, err
	}
	return t.mutate(ctx, b, period, t.source, func(agg *core.Aggregate) (bool, error) {
		return agg.Remove(occurrenceID)
	})
}

// Recompute rebuilds the aggregate of period from src. Listing happens
// inside the period lock, so a write racing the rebuild is either listed
// or applied after it. Occurrences of other categories or outside the
// period are ignored; the result equals applying each remaining
// occurrence once in any order.
func (t *Tracker) Recompute(ctx context.Context, b core.Budget, period core.Period, src Source) (Update, error) {
	var pending []error
	u, err := t.mutate(ctx, b, period, nil, func(agg *core.Aggregate) (bool, error) {
		fresh, skipped, err := t.build(ctx, b, period, src)
		if err != nil {
			return false, err
		}
		pending = skipped
		if sameContributions(*agg, fresh) {
			return false, nil
		}
		version := agg.Version
		*agg = fresh
		agg.Version = version
		return true, nil
	})
	if err != nil {
		return Update{}, err
	}
	u.Pending = pending
	return u, nil
}

// Snapshot returns the aggregate of period without notifying the observer
// or holding the result. A period with no state is built from the source.
func (t *Tracker) Snapshot(ctx context.Context, b core.Budget, period core.Period) (core.Aggregate, []error, error) {
	key := b.ID + "|" + period.Key
	unlock := t.locks.Lock(key)
	defer unlock()

	agg, fresh, err := t.load(ctx, b, period)
	if err != nil {
		return core.Aggregate{}, nil, err
	}
	if !fresh || t.source == nil {
		return agg, nil, nil
	}
	built, pending, err := t.build(ctx, b, period, t.source)
	if err != nil {
		return core.Aggregate{}, nil, fmt.Errorf("build aggregate %s: %w", key, err)
	}
	return built, pending, nil
}

// Get returns the aggregate of one budget period.
func (t *Tracker) Get(ctx context.Context, budgetID, periodKey string) (core.Aggregate, error) {
	t.mu.RLock()
	agg, ok := t.held[budgetID][periodKey]
	t.mu.RUnlock()
	if ok {
		return agg.Clone(), nil
	}
	if t.store != nil {
		return t.store.LoadAggregate(ctx, budgetID, periodKey)
	}
	return core.Aggregate{}, fmt.Errorf("aggregate %s/%s: %w", budgetID, periodKey, core.ErrNotFound)
}

// History returns every period aggregate held for a budget, oldest first.
func (t *Tracker) History(budgetID string) []core.Aggregate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]core.Aggregate, 0, len(t.held[budgetID]))
	for _, agg := range t.held[budgetID] {
		out = append(out, agg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Start.Before(out[j].Period.Start) })
	return out
}

// Forget drops held state of a budget so the next use reloads it.
func (t *Tracker) Forget(budgetID string) {
	t.mu.Lock()
	delete(t.held, budgetID)
	t.mu.Unlock()
}

// ForgetExcept drops every held period of a budget but keepKey.
func (t *Tracker) ForgetExcept(budgetID, keepKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.held[budgetID] {
		if key != keepKey {
			delete(t.held[budgetID], key)
		}
	}
}

// mutate runs fn on the period aggregate under its lock. A period with no
// state is first built from seed when one is given.
func (t *Tracker) mutate(ctx context.Context, b core.Budget, period core.Period, seed Source, fn func(*core.Aggregate) (bool, error)) (Update, error) {
	key := b.ID + "|" + period.Key
	unlock := t.locks.Lock(key)
	defer unlock()

	prev, fresh, err := t.load(ctx, b, period)
	if err != nil {
		return Update{}, err
	}
	next := prev.Clone()
	var pending []error
	seeded := fresh && seed != nil
	if seeded {
		if next, pending, err = t.build(ctx, b, period, seed); err != nil {
			return Update{}, fmt.Errorf("build aggregate %s: %w", key, err)
		}
	}
	changed, err := fn(&next)
	if err != nil {
		return Update{}, fmt.Errorf("update aggregate %s: %w", key, err)
	}
	if seeded && !changed {
		changed = !sameContributions(prev, next)
	}

	u := Update{Budget: b, Previous: prev, Current: next, Baseline: prev.Spent(), Changed: changed, Pending: pending}
	if !changed {
		return u, nil
	}
	if fresh && b.Period.Kind == core.Rolling {
		if earlier, ok := t.latestBefore(b.ID, period.Start); ok {
			u.Baseline = earlier.Spent()
		}
	}
	next.UpdatedAt = t.now()
	u.Current = next

	if t.observer != nil {
		if err := t.observer.ObserveAggregate(ctx, u); err != nil {
			return Update{}, fmt.Errorf("observe aggregate %s: %w", key, err)
		}
	}

	if t.store != nil {
		if err := t.store.SaveAggregate(ctx, next, prev.Version); err != nil {
			if errors.Is(err, core.ErrConcurrentUpdateConflict) {
				t.drop(b.ID, period.Key)
			}
			return Update{}, err
		}
		next.Version = prev.Version + 1
	}
	t.commit(next)
	u.Current = next.Clone()

	slog.DebugContext(ctx, "Budget aggregate updated",
		"budget_id", b.ID,
		"period", period.Key,
		"spent", next.Spent().String(),
		"contributions", len(next.Contributions),
		"version", next.Version)
	return u, nil
}

// load returns the current aggregate of a period and whether it is new.
func (t *Tracker) load(ctx context.Context, b core.Budget, period core.Period) (core.Aggregate, bool, error) {
	t.mu.RLock()
	agg, ok := t.held[b.ID][period.Key]
	t.mu.RUnlock()
	if ok {
		return agg.Clone(), false, nil
	}
	if t.store != nil {
		stored, err := t.store.LoadAggregate(ctx, b.ID, period.Key)
		switch {
		case err == nil:
			return stored, false, nil
		case !errors.Is(err, core.ErrNotFound):
			return core.Aggregate{}, false, fmt.Errorf("load aggregate %s/%s: %w", b.ID, period.Key, err)
		}
	}
	return core.NewAggregate(b.ID, period, b.Limit.Currency), true, nil
}

func (t *Tracker) commit(agg core.Aggregate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	periods, ok := t.held[agg.BudgetID]
	if !ok {
		periods = map[string]core.Aggregate{}
		t.held[agg.BudgetID] = periods
	}
	periods[agg.Key()] = agg.Clone()
	for len(periods) > heldPeriods {
		oldest := ""
		for key, p := range periods {
			if oldest == "" || p.Period.Start.Before(periods[oldest].Period.Start) {
				oldest = key
			}
		}
		delete(periods, oldest)
	}
}

func (t *Tracker) drop(budgetID, periodKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held[budgetID], periodKey)
}

func (t *Tracker) latestBefore(budgetID string, start time.Time) (core.Aggregate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var (
		best  core.Aggregate
		found bool
	)
	for _, agg := range t.held[budgetID] {
		if agg.Period.Start.Before(start) && (!found || agg.Period.Start.After(best.Period.Start)) {
			best, found = agg, true
		}
	}
	return best, found
}

// build sums the occurrences src lists for period. Occurrences whose rate
// is missing are left out and returned as pending errors.
func (t *Tracker) build(ctx context.Context, b core.Budget, period core.Period, src Source) (core.Aggregate, []error, error) {
	occs, err := src(ctx, b, period)
	if err != nil {
		return core.Aggregate{}, nil, fmt.Errorf("list occurrences: %w", err)
	}
	agg := core.NewAggregate(b.ID, period, b.Limit.Currency)
	var pending []error
	for _, occ := range occs {
		if matches(b, occ) != nil || !period.Contains(occ.Date) {
			continue
		}
		amount, err := t.normalize(ctx, b, occ)
		if errors.Is(err, core.ErrRateUnavailable) || errors.Is(err, core.ErrCurrencyMismatch) {
			pending = append(pending, err)
			continue
		}
		if err != nil {
			return core.Aggregate{}, nil, err
		}
		if _, err := agg.Put(occ.ID, amount); err != nil {
			return core.Aggregate{}, nil, err
		}
	}
	if len(pending) > 0 {
		slog.WarnContext(ctx, "Occurrences left out of budget aggregate",
			"budget_id", b.ID,
			"period", period.Key,
			"pending", len(pending),
			"error", errors.Join(pending...))
	}
	return agg, pending, nil
}

func (t *Tracker) normalize(ctx context.Context, b core.Budget, occ core.Occurrence) (core.Money, error) {
	if t.normalizer == nil {
		if occ.Amount.Currency != b.Limit.Currency {
			return core.Money{}, fmt.Errorf("%w: %s occurrence for %s budget", core.ErrCurrencyMismatch, occ.Amount.Currency, b.Limit.Currency)
		}
		return occ.Amount.Round(), nil
	}
	conv, err := t.normalizer.Convert(ctx, occ.Amount, b.Limit.Currency, occ.Date)
	if err != nil {
		return core.Money{}, fmt.Errorf("normalize occurrence %s: %w", occ.ID, err)
	}
	return conv.Converted, nil
}

func matches(b core.Budget, occ core.Occurrence) error {
	if occ.AccountID != b.AccountID || occ.Category != b.Category {
		return fmt.Errorf("%w: occurrence %s is %s/%s, budget %s tracks %s/%s",
			core.ErrInvalidTransaction, occ.ID, occ.AccountID, occ.Category, b.ID, b.AccountID, b.Category)
	}
	return nil
}

func sameContributions(a, b core.Aggregate) bool {
	if len(a.Contributions) != len(b.Contributions) {
		return false
	}
	for id, m := range a.Contributions {
		if o, ok := b.Contributions[id]; !ok || !o.Equal(m) {
			return false
		}
	}
	return true
}
