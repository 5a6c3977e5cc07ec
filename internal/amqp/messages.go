package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger/internal/core"
)

// Ledger event types carried on the ingestion queue.
const (
	EventTransactionRecorded = "transaction.recorded"
	EventTransactionDeleted  = "transaction.deleted"
	EventRuleRecorded        = "rule.recorded"
)

// TransactionPayload is the wire form of a transaction. Amount is a
// decimal string so no precision is lost in transit.
type TransactionPayload struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	Category   string    `json:"category"`
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	Date       time.Time `json:"date"`
	RuleID     string    `json:"rule_id,omitempty"`
	ReceiptRef string    `json:"receipt_ref,omitempty"`
}

type RulePayload struct {
	ID        string    `json:"id"`
	Frequency string    `json:"frequency"`
	Interval  int       `json:"interval"`
	Start     time.Time `json:"start"`
	EndDate   time.Time `json:"end_date"`
	Count     int       `json:"count,omitempty"`
}

// LedgerEvent is one ingestion request. Exactly one of Transaction, Rule
// or TransactionID is set, depending on Type.
type LedgerEvent struct {
	MessageID     string              `json:"message_id"`
	Type          string              `json:"type"`
	Transaction   *TransactionPayload `json:"transaction,omitempty"`
	Rule          *RulePayload        `json:"rule,omitempty"`
	TransactionID string              `json:"transaction_id,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}

func NewTransactionRecorded(t core.Transaction) *LedgerEvent {
	return &LedgerEvent{
		MessageID: uuid.NewString(),
		Type:      EventTransactionRecorded,
		Transaction: &TransactionPayload{
			ID:         t.ID,
			AccountID:  t.AccountID,
			Category:   t.Category,
			Amount:     t.Amount.Amount.String(),
			Currency:   t.Amount.Currency,
			Date:       t.Date,
			RuleID:     t.RuleID,
			ReceiptRef: t.ReceiptRef,
		},
		Timestamp: time.Now(),
	}
}

func NewTransactionDeleted(id string) *LedgerEvent {
	return &LedgerEvent{
		MessageID:     uuid.NewString(),
		Type:          EventTransactionDeleted,
		TransactionID: id,
		Timestamp:     time.Now(),
	}
}

func NewRuleRecorded(r core.RecurrenceRule) *LedgerEvent {
	return &LedgerEvent{
		MessageID: uuid.NewString(),
		Type:      EventRuleRecorded,
		Rule: &RulePayload{
			ID:        r.ID,
			Frequency: string(r.Frequency),
			Interval:  r.Interval,
			Start:     r.Start,
			EndDate:   r.EndDate,
			Count:     r.Count,
		},
		Timestamp: time.Now(),
	}
}

func (m *LedgerEvent) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// LedgerEventFromJSON decodes an event and checks it carries the payload
// its type needs.
func LedgerEventFromJSON(data []byte) (*LedgerEvent, error) {
	var msg LedgerEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	var missing bool
	switch msg.Type {
	case EventTransactionRecorded:
		missing = msg.Transaction == nil
	case EventTransactionDeleted:
		missing = msg.TransactionID == ""
	case EventRuleRecorded:
		missing = msg.Rule == nil
	default:
		return nil, fmt.Errorf("unknown event type %q", msg.Type)
	}
	if missing {
		return nil, fmt.Errorf("%s event without payload", msg.Type)
	}
	return &msg, nil
}

func (p TransactionPayload) ToTransaction() (core.Transaction, error) {
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("%w: %q", core.ErrInvalidAmount, p.Amount)
	}
	return core.Transaction{
		ID:         p.ID,
		AccountID:  p.AccountID,
		Category:   p.Category,
		Amount:     core.NewMoney(amount, p.Currency),
		Date:       p.Date,
		RuleID:     p.RuleID,
		ReceiptRef: p.ReceiptRef,
	}, nil
}

func (p RulePayload) ToRule() core.RecurrenceRule {
	return core.RecurrenceRule{
		ID:        p.ID,
		Frequency: core.Frequency(p.Frequency),
		Interval:  p.Interval,
		Start:     p.Start,
		EndDate:   p.EndDate,
		Count:     p.Count,
	}
}

// AlertMessage is the delivery form of a fired threshold.
type AlertMessage struct {
	ID        string    `json:"id"`
	BudgetID  string    `json:"budget_id"`
	AccountID string    `json:"account_id"`
	Category  string    `json:"category"`
	PeriodKey string    `json:"period_key"`
	Threshold string    `json:"threshold"`
	Spent     string    `json:"spent"`
	Limit     string    `json:"limit"`
	Currency  string    `json:"currency"`
	FiredAt   time.Time `json:"fired_at"`
}

func NewAlertMessage(ev core.AlertEvent) *AlertMessage {
	return &AlertMessage{
		ID:        ev.ID,
		BudgetID:  ev.BudgetID,
		AccountID: ev.AccountID,
		Category:  ev.Category,
		PeriodKey: ev.PeriodKey,
		Threshold: ev.Threshold.String(),
		Spent:     ev.Spent.Amount.String(),
		Limit:     ev.Limit.Amount.String(),
		Currency:  ev.Limit.Currency,
		FiredAt:   ev.FiredAt,
	}
}

func (m *AlertMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
