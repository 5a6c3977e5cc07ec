// Package alerts turns budget aggregate changes into one-shot threshold
// alerts.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger/internal/budget"
	"ledger/internal/core"
	"ledger/internal/storage"
)

// Publisher delivers fired alerts. How they reach a person is its concern.
type Publisher interface {
	PublishAlert(ctx context.Context, ev core.AlertEvent) error
}

type Evaluator struct {
	history   storage.AlertStore
	publisher Publisher
	now       func() time.Time
	newID     func() string
}

var _ budget.Observer = (*Evaluator)(nil)

type Option func(*Evaluator)

func WithPublisher(p Publisher) Option {
	return func(e *Evaluator) { e.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

func NewEvaluator(history storage.AlertStore, opts ...Option) *Evaluator {
	e := &Evaluator{
		history: history,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Crossings returns the thresholds of b crossed from below when spend
// moves from prev to next, in ascending order. A threshold t is crossed
// when prev < t·limit <= next.
func Crossings(b core.Budget, prev, next core.Money) []decimal.Decimal {
	var out []decimal.Decimal
	for _, t := range b.Thresholds {
		level := b.Level(t)
		if prev.Cmp(level) < 0 && level.Cmp(next) <= 0 {
			out = append(out, t)
		}
	}
	return out
}

func (e *Evaluator) ObserveAggregate(ctx context.Context, u budget.Update) error {
	_, err := e.Evaluate(ctx, u)
	return err
}

// Evaluate fires every threshold crossed by u that has not already fired
// for the period and returns the new events.
func (e *Evaluator) Evaluate(ctx context.Context, u budget.Update) ([]core.AlertEvent, error) {
	spent := u.Current.Spent()
	crossed := Crossings(u.Budget, u.Baseline, spent)
	if len(crossed) == 0 {
		return nil, nil
	}

	var fired []core.AlertEvent
	for _, t := range crossed {
		ev := core.AlertEvent{
			ID:        e.newID(),
			BudgetID:  u.Budget.ID,
			AccountID: u.Budget.AccountID,
			Category:  u.Budget.Category,
			PeriodKey: u.Current.Key(),
			Threshold: t,
			Spent:     spent,
			Limit:     u.Budget.Limit,
			FiredAt:   e.now(),
		}
		added, err := e.history.AppendAlert(ctx, ev)
		if err != nil {
			return fired, fmt.Errorf("record alert %s/%s at %s: %w", ev.BudgetID, ev.PeriodKey, t, err)
		}
		if !added {
			slog.DebugContext(ctx, "Threshold already fired for period",
				"budget_id", ev.BudgetID, "period", ev.PeriodKey, "threshold", t.String())
			continue
		}
		fired = append(fired, ev)

		slog.InfoContext(ctx, "Budget threshold crossed",
			"budget_id", ev.BudgetID,
			"period", ev.PeriodKey,
			"threshold", t.String(),
			"spent", spent.String(),
			"limit", ev.Limit.String())

		if e.publisher != nil {
			if err := e.publisher.PublishAlert(ctx, ev); err != nil {
				slog.ErrorContext(ctx, "Failed to publish alert",
					"alert_id", ev.ID, "budget_id", ev.BudgetID, "error", err)
			}
		}
	}
	return fired, nil
}
