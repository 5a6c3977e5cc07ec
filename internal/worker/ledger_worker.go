package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ledger/internal/amqp"
	"ledger/internal/core"
	"ledger/internal/services"
)

// LedgerWorker applies ledger events from the ingestion queue.
// Recoverable failures are retried in place; once the policy is exhausted
// the delivery is requeued. Every other failure is marked permanent so the
// message is dropped instead of looping.
type LedgerWorker struct {
	ledger *services.LedgerService
	retry  services.RetryPolicy
}

func NewLedgerWorker(ledger *services.LedgerService, retry services.RetryPolicy) *LedgerWorker {
	return &LedgerWorker{ledger: ledger, retry: retry}
}

// HandleEvent is an amqp.Handler.
func (w *LedgerWorker) HandleEvent(ctx context.Context, ev *amqp.LedgerEvent) error {
	slog.InfoContext(ctx, "Processing ledger event",
		"message_id", ev.MessageID,
		"type", ev.Type)

	var err error
	switch ev.Type {
	case amqp.EventTransactionRecorded:
		err = w.handleTransactionRecorded(ctx, ev)
	case amqp.EventTransactionDeleted:
		err = w.handleTransactionDeleted(ctx, ev)
	case amqp.EventRuleRecorded:
		err = w.handleRuleRecorded(ctx, ev)
	default:
		err = fmt.Errorf("unknown event type %q", ev.Type)
	}
	if err == nil || core.IsRecoverable(err) {
		return err
	}
	return amqp.Permanent(err)
}

func (w *LedgerWorker) handleTransactionRecorded(ctx context.Context, ev *amqp.LedgerEvent) error {
	t, err := ev.Transaction.ToTransaction()
	if err != nil {
		return err
	}
	if t.ID == "" {
		// Keeps retries and redeliveries on one identity.
		t.ID = ev.MessageID
	}
	return services.Retry(ctx, w.retry, amqp.EventTransactionRecorded, func() error {
		_, err := w.ledger.RecordTransaction(ctx, t)
		return err
	})
}

func (w *LedgerWorker) handleTransactionDeleted(ctx context.Context, ev *amqp.LedgerEvent) error {
	err := services.Retry(ctx, w.retry, amqp.EventTransactionDeleted, func() error {
		return w.ledger.DeleteTransaction(ctx, ev.TransactionID)
	})
	if errors.Is(err, core.ErrNotFound) {
		// Redelivery after a delete that already went through.
		slog.WarnContext(ctx, "Transaction already deleted", "transaction_id", ev.TransactionID)
		return nil
	}
	return err
}

func (w *LedgerWorker) handleRuleRecorded(ctx context.Context, ev *amqp.LedgerEvent) error {
	_, err := w.ledger.RecordRecurringRule(ctx, ev.Rule.ToRule())
	return err
}
