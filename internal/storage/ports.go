package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ledger/internal/core"
	"ledger/internal/rates"
)

// Ports the engine needs from persistence. Every implementation must return
// errors wrapping core.ErrNotFound for missing records.
type (
	AccountStore interface {
		SaveAccount(ctx context.Context, a core.Account) error
		GetAccount(ctx context.Context, id string) (core.Account, error)
		ListAccounts(ctx context.Context) ([]core.Account, error)
	}

	TransactionStore interface {
		CreateTransaction(ctx context.Context, t core.Transaction) error
		GetTransaction(ctx context.Context, id string) (core.Transaction, error)
		DeleteTransaction(ctx context.Context, id string) error
		// ListTransactions returns one-off transactions dated in [from, to).
		// An empty category matches all categories.
		ListTransactions(ctx context.Context, accountID, category string, from, to time.Time) ([]core.Transaction, error)
		// ListTemplates returns recurring templates. An empty category matches all.
		ListTemplates(ctx context.Context, accountID, category string) ([]core.Transaction, error)
		// EarliestTransaction returns the oldest one-off or template date for a
		// category, or core.ErrNotFound when there is none.
		EarliestTransaction(ctx context.Context, accountID, category string) (time.Time, error)
	}

	RuleStore interface {
		CreateRule(ctx context.Context, r core.RecurrenceRule) error
		GetRule(ctx context.Context, id string) (core.RecurrenceRule, error)
	}

	BudgetStore interface {
		SaveBudget(ctx context.Context, b core.Budget) error
		GetBudget(ctx context.Context, id string) (core.Budget, error)
		ListBudgets(ctx context.Context, accountID string) ([]core.Budget, error)
	}

	// RateStore persists append-only snapshots and serves them as a provider.
	RateStore interface {
		rates.Provider
		rates.PairChecker
		RecordRate(ctx context.Context, s core.ExchangeRateSnapshot) (bool, error)
	}

	AlertStore interface {
		// AppendAlert stores ev unless its (budget, period, threshold) already
		// fired, in which case it reports false.
		AppendAlert(ctx context.Context, ev core.AlertEvent) (bool, error)
		FiredThresholds(ctx context.Context, budgetID, periodKey string) ([]decimal.Decimal, error)
		// ListAlerts returns events fired in [from, to), oldest first.
		ListAlerts(ctx context.Context, budgetID string, from, to time.Time) ([]core.AlertEvent, error)
	}

	// AggregateStore persists tracker aggregates as a rebuildable cache.
	AggregateStore interface {
		LoadAggregate(ctx context.Context, budgetID, periodKey string) (core.Aggregate, error)
		// SaveAggregate writes agg if the stored version equals expectedVersion
		// (0 for a new row) and stores it as expectedVersion+1. Otherwise it
		// returns core.ErrConcurrentUpdateConflict.
		SaveAggregate(ctx context.Context, agg core.Aggregate, expectedVersion int64) error
	}

	ActivityLog interface {
		LogActivity(ctx context.Context, e core.ActivityEntry) error
		ListActivity(ctx context.Context, accountID string, limit int) ([]core.ActivityEntry, error)
	}

	// Store is the full persistence surface used by the ledger service.
	Store interface {
		AccountStore
		TransactionStore
		RuleStore
		BudgetStore
		RateStore
		AlertStore
		AggregateStore
		ActivityLog
		Close() error
	}
)
