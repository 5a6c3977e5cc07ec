package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

// DateLayout is the civil-date layout used in occurrence identities and keys.
const DateLayout = "2006-01-02"

type (
	Frequency string

	// Account carries the reporting currency and civil timezone for an owner.
	Account struct {
		ID           string
		BaseCurrency string
		Timezone     string
	}

	// Transaction is either a concrete dated record or, when RuleID is set,
	// a template whose occurrences are produced by the recurrence expander.
	Transaction struct {
		ID         string
		AccountID  string
		Category   string
		Amount     Money
		Date       time.Time
		RuleID     string
		ReceiptRef string // opaque, never interpreted
	}

	// RecurrenceRule describes how often a template repeats.
	// EndDate zero and Count zero mean the rule never ends.
	RecurrenceRule struct {
		ID        string
		Frequency Frequency
		Interval  int
		Start     time.Time
		EndDate   time.Time
		Count     int
	}

	// Occurrence is a concrete dated instance of a transaction. For recurring
	// ones TemplateID is set and the occurrence is computed, not stored.
	Occurrence struct {
		ID         string
		TemplateID string
		AccountID  string
		Category   string
		Amount     Money
		Date       time.Time
	}

	// Budget caps spend in one category per period.
	Budget struct {
		ID         string
		AccountID  string
		Category   string
		Period     PeriodDef
		Limit      Money
		Thresholds []decimal.Decimal
	}

	// ExchangeRateSnapshot is an immutable rate observation.
	ExchangeRateSnapshot struct {
		From      string
		To        string
		Rate      decimal.Decimal
		Effective time.Time
	}

	// AlertEvent records a threshold crossing. Immutable after creation.
	AlertEvent struct {
		ID        string
		BudgetID  string
		AccountID string
		Category  string
		PeriodKey string
		Threshold decimal.Decimal
		Spent     Money
		Limit     Money
		FiredAt   time.Time
	}

	// ActivityEntry is an append-only audit line for ingestion operations.
	ActivityEntry struct {
		AccountID string
		Action    string
		SubjectID string
		At        time.Time
	}
)

// IsTemplate reports whether t is a recurring template.
func (t Transaction) IsTemplate() bool {
	return t.RuleID != ""
}

// Occurrence converts a one-off transaction into its single occurrence.
func (t Transaction) Occurrence() Occurrence {
	return Occurrence{
		ID:        t.ID,
		AccountID: t.AccountID,
		Category:  t.Category,
		Amount:    t.Amount,
		Date:      t.Date,
	}
}

// OccurrenceID is the stable identity of a recurring occurrence.
func OccurrenceID(templateID string, date time.Time) string {
	return templateID + "@" + date.Format(DateLayout)
}

func (a Account) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: empty account id", ErrInvalidTransaction)
	}
	if !ValidCurrency(NormalizeCurrency(a.BaseCurrency)) {
		return fmt.Errorf("%w: base currency %q", ErrInvalidAmount, a.BaseCurrency)
	}
	if _, err := a.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the account timezone, defaulting to UTC.
func (a Account) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", a.Timezone, err)
	}
	return loc, nil
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.AccountID) == "" {
		return fmt.Errorf("%w: empty account id", ErrInvalidTransaction)
	}
	if strings.TrimSpace(t.Category) == "" {
		return fmt.Errorf("%w: empty category", ErrInvalidTransaction)
	}
	if t.Date.IsZero() {
		return fmt.Errorf("%w: zero date", ErrInvalidTransaction)
	}
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if t.Amount.IsZero() {
		return fmt.Errorf("%w: zero amount", ErrInvalidAmount)
	}
	return nil
}

// Validate rejects rules the expander cannot run.
func (r RecurrenceRule) Validate() error {
	switch r.Frequency {
	case Daily, Weekly, Monthly, Yearly:
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrMalformedRule, r.Frequency)
	}
	if r.Interval < 1 {
		return fmt.Errorf("%w: interval %d must be at least 1", ErrMalformedRule, r.Interval)
	}
	if r.Start.IsZero() {
		return fmt.Errorf("%w: zero start date", ErrMalformedRule)
	}
	if !r.EndDate.IsZero() && r.EndDate.Before(r.Start) {
		return fmt.Errorf("%w: end date before start date", ErrMalformedRule)
	}
	if r.Count < 0 {
		return fmt.Errorf("%w: negative occurrence count", ErrMalformedRule)
	}
	if r.Count > 0 && !r.EndDate.IsZero() {
		return fmt.Errorf("%w: both end date and count set", ErrMalformedRule)
	}
	return nil
}

func (b Budget) Validate() error {
	if strings.TrimSpace(b.AccountID) == "" || strings.TrimSpace(b.Category) == "" {
		return fmt.Errorf("%w: account and category are required", ErrInvalidBudget)
	}
	if err := b.Period.Validate(); err != nil {
		return err
	}
	if err := b.Limit.Validate(); err != nil {
		return err
	}
	if !b.Limit.IsPositive() {
		return fmt.Errorf("%w: limit must be positive", ErrInvalidBudget)
	}
	if len(b.Thresholds) == 0 {
		return fmt.Errorf("%w: at least one threshold is required", ErrInvalidBudget)
	}
	for i, t := range b.Thresholds {
		if !t.IsPositive() {
			return fmt.Errorf("%w: threshold %s must be positive", ErrInvalidBudget, t)
		}
		if i > 0 && !t.GreaterThan(b.Thresholds[i-1]) {
			return fmt.Errorf("%w: thresholds must be strictly increasing", ErrInvalidBudget)
		}
	}
	return nil
}

// Level returns threshold·limit.
func (b Budget) Level(threshold decimal.Decimal) Money {
	return b.Limit.Mul(threshold)
}

func (s ExchangeRateSnapshot) Validate() error {
	if !ValidCurrency(s.From) || !ValidCurrency(s.To) {
		return fmt.Errorf("%w: pair %s/%s", ErrInvalidAmount, s.From, s.To)
	}
	if s.From == s.To {
		return fmt.Errorf("%w: identical pair %s", ErrInvalidAmount, s.From)
	}
	if !s.Rate.IsPositive() {
		return fmt.Errorf("%w: rate must be positive", ErrInvalidAmount)
	}
	if s.Effective.IsZero() {
		return fmt.Errorf("%w: zero effective time", ErrInvalidAmount)
	}
	return nil
}
