// Package memory is an in-process implementation of storage.Store used by
// tests and the memory backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ledger/internal/core"
	"ledger/internal/rates"
	"ledger/internal/storage"
)

type Store struct {
	*rates.Book

	mu           sync.Mutex
	accounts     map[string]core.Account
	transactions map[string]core.Transaction
	rules        map[string]core.RecurrenceRule
	budgets      map[string]core.Budget
	alerts       []core.AlertEvent
	fired        map[string]struct{}
	aggregates   map[string]core.Aggregate
	activity     []core.ActivityEntry
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		Book:         rates.NewBook(),
		accounts:     map[string]core.Account{},
		transactions: map[string]core.Transaction{},
		rules:        map[string]core.RecurrenceRule{},
		budgets:      map[string]core.Budget{},
		fired:        map[string]struct{}{},
		aggregates:   map[string]core.Aggregate{},
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, core.ErrNotFound)
}

func (s *Store) SaveAccount(_ context.Context, a core.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
	return nil
}

func (s *Store) GetAccount(_ context.Context, id string) (core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return core.Account{}, notFound("account", id)
	}
	return a, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateTransaction(_ context.Context, t core.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transactions[t.ID]; exists {
		return fmt.Errorf("%w: transaction %q already exists", core.ErrInvalidTransaction, t.ID)
	}
	s.transactions[t.ID] = t
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok {
		return core.Transaction{}, notFound("transaction", id)
	}
	return t, nil
}

func (s *Store) DeleteTransaction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[id]; !ok {
		return notFound("transaction", id)
	}
	delete(s.transactions, id)
	return nil
}

func (s *Store) ListTransactions(_ context.Context, accountID, category string, from, to time.Time) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Transaction
	for _, t := range s.transactions {
		if t.IsTemplate() || t.AccountID != accountID || (category != "" && t.Category != category) {
			continue
		}
		if t.Date.Before(from) || !t.Date.Before(to) {
			continue
		}
		out = append(out, t)
	}
	sortTransactions(out)
	return out, nil
}

func (s *Store) ListTemplates(_ context.Context, accountID, category string) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Transaction
	for _, t := range s.transactions {
		if !t.IsTemplate() || t.AccountID != accountID || (category != "" && t.Category != category) {
			continue
		}
		out = append(out, t)
	}
	sortTransactions(out)
	return out, nil
}

func (s *Store) EarliestTransaction(_ context.Context, accountID, category string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	for _, t := range s.transactions {
		if t.AccountID != accountID || t.Category != category {
			continue
		}
		d := t.Date
		if t.IsTemplate() {
			if r, ok := s.rules[t.RuleID]; ok {
				d = r.Start
			}
		}
		if earliest.IsZero() || d.Before(earliest) {
			earliest = d
		}
	}
	if earliest.IsZero() {
		return time.Time{}, notFound("transactions for category", category)
	}
	return earliest, nil
}

func sortTransactions(ts []core.Transaction) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].Date.Equal(ts[j].Date) {
			return ts[i].Date.Before(ts[j].Date)
		}
		return ts[i].ID < ts[j].ID
	})
}

func (s *Store) CreateRule(_ context.Context, r core.RecurrenceRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[r.ID]; exists {
		return fmt.Errorf("%w: rule %q already exists", core.ErrMalformedRule, r.ID)
	}
	s.rules[r.ID] = r
	return nil
}

func (s *Store) GetRule(_ context.Context, id string) (core.RecurrenceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return core.RecurrenceRule{}, notFound("rule", id)
	}
	return r, nil
}

func (s *Store) SaveBudget(_ context.Context, b core.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.Thresholds = append([]decimal.Decimal(nil), b.Thresholds...)
	s.budgets[b.ID] = b
	return nil
}

func (s *Store) GetBudget(_ context.Context, id string) (core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[id]
	if !ok {
		return core.Budget{}, notFound("budget", id)
	}
	return b, nil
}

func (s *Store) ListBudgets(_ context.Context, accountID string) ([]core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Budget
	for _, b := range s.budgets {
		if b.AccountID == accountID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RecordRate(_ context.Context, snap core.ExchangeRateSnapshot) (bool, error) {
	return s.Book.Record(snap)
}

func alertKey(budgetID, periodKey string, threshold decimal.Decimal) string {
	return budgetID + "|" + periodKey + "|" + threshold.String()
}

func (s *Store) AppendAlert(_ context.Context, ev core.AlertEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := alertKey(ev.BudgetID, ev.PeriodKey, ev.Threshold)
	if _, dup := s.fired[key]; dup {
		return false, nil
	}
	s.fired[key] = struct{}{}
	s.alerts = append(s.alerts, ev)
	return true, nil
}

func (s *Store) FiredThresholds(_ context.Context, budgetID, periodKey string) ([]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []decimal.Decimal
	for _, ev := range s.alerts {
		if ev.BudgetID == budgetID && ev.PeriodKey == periodKey {
			out = append(out, ev.Threshold)
		}
	}
	return out, nil
}

func (s *Store) ListAlerts(_ context.Context, budgetID string, from, to time.Time) ([]core.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.AlertEvent
	for _, ev := range s.alerts {
		if ev.BudgetID != budgetID || ev.FiredAt.Before(from) || !ev.FiredAt.Before(to) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FiredAt.Before(out[j].FiredAt) })
	return out, nil
}

func (s *Store) LoadAggregate(_ context.Context, budgetID, periodKey string) (core.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.aggregates[budgetID+"|"+periodKey]
	if !ok {
		return core.Aggregate{}, notFound("aggregate", budgetID+"/"+periodKey)
	}
	return agg.Clone(), nil
}

func (s *Store) SaveAggregate(_ context.Context, agg core.Aggregate, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := agg.BudgetID + "|" + agg.Key()
	current, ok := s.aggregates[key]
	if (ok && current.Version != expectedVersion) || (!ok && expectedVersion != 0) {
		return fmt.Errorf("%w: aggregate %s at version %d", core.ErrConcurrentUpdateConflict, key, expectedVersion)
	}
	stored := agg.Clone()
	stored.Version = expectedVersion + 1
	s.aggregates[key] = stored
	return nil
}

func (s *Store) LogActivity(_ context.Context, e core.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, e)
	return nil
}

func (s *Store) ListActivity(_ context.Context, accountID string, limit int) ([]core.ActivityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ActivityEntry
	for i := len(s.activity) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.activity[i].AccountID == accountID {
			out = append(out, s.activity[i])
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
