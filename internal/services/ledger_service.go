package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ledger/internal/alerts"
	"ledger/internal/budget"
	"ledger/internal/core"
	"ledger/internal/forecast"
	"ledger/internal/rates"
	"ledger/internal/recurrence"
	"ledger/internal/storage"
)

// Activity actions recorded for ingestion operations.
const (
	ActionRecordAccount     = "record_account"
	ActionRecordBudget      = "record_budget"
	ActionRecordTransaction = "record_transaction"
	ActionDeleteTransaction = "delete_transaction"
)

// DefaultHistoryPeriods is how many trailing months feed a forecast.
const DefaultHistoryPeriods = 12

type Options struct {
	Publisher         alerts.Publisher
	RateCacheSize     int
	RateCacheTTL      time.Duration
	HistoryPeriods    int
	PersistAggregates bool
	Now               func() time.Time
}

// LedgerService is the ingestion and query surface of the engine. Every
// write re-evaluates the budgets it touches.
type LedgerService struct {
	store          storage.Store
	publisher      alerts.Publisher
	resolver       *rates.Resolver
	tracker        *budget.Tracker
	historyPeriods int
	now            func() time.Time
}

func NewLedgerService(store storage.Store, opts Options) *LedgerService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HistoryPeriods <= 0 {
		opts.HistoryPeriods = DefaultHistoryPeriods
	}

	resolver := rates.NewResolver(store, rates.WithCache(opts.RateCacheSize, opts.RateCacheTTL))

	alertOpts := []alerts.Option{alerts.WithClock(opts.Now)}
	if opts.Publisher != nil {
		alertOpts = append(alertOpts, alerts.WithPublisher(opts.Publisher))
	}
	evaluator := alerts.NewEvaluator(store, alertOpts...)

	s := &LedgerService{
		store:          store,
		publisher:      opts.Publisher,
		resolver:       resolver,
		historyPeriods: opts.HistoryPeriods,
		now:            opts.Now,
	}

	trackerOpts := []budget.Option{
		budget.WithObserver(evaluator),
		budget.WithClock(opts.Now),
		budget.WithSource(s.occurrencesFor),
	}
	if opts.PersistAggregates {
		trackerOpts = append(trackerOpts, budget.WithStore(store))
	}
	s.tracker = budget.NewTracker(resolver, trackerOpts...)
	return s
}

// Resolver exposes the rate resolver, e.g. for cache registration.
func (s *LedgerService) Resolver() *rates.Resolver { return s.resolver }

// Close closes the store and, when it holds a connection, the publisher.
func (s *LedgerService) Close() error {
	var errs []error

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}

	if c, ok := s.publisher.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close ledger service: %w", errors.Join(errs...))
	}
	return nil
}

func (s *LedgerService) RecordAccount(ctx context.Context, a core.Account) (core.Account, error) {
	a.BaseCurrency = core.NormalizeCurrency(a.BaseCurrency)
	if err := a.Validate(); err != nil {
		return core.Account{}, err
	}
	if err := s.store.SaveAccount(ctx, a); err != nil {
		return core.Account{}, fmt.Errorf("save account: %w", err)
	}
	s.logActivity(ctx, a.ID, ActionRecordAccount, a.ID)
	slog.InfoContext(ctx, "Account recorded", "account_id", a.ID, "base_currency", a.BaseCurrency, "timezone", a.Timezone)
	return a, nil
}

// RecordBudget stores a budget and evaluates its current period. The limit
// must be in the account's base currency.
func (s *LedgerService) RecordBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Limit.Currency = core.NormalizeCurrency(b.Limit.Currency)
	if err := b.Validate(); err != nil {
		return core.Budget{}, err
	}
	acct, loc, err := s.account(ctx, b.AccountID)
	if err != nil {
		return core.Budget{}, err
	}
	if b.Limit.Currency != acct.BaseCurrency {
		return core.Budget{}, fmt.Errorf("%w: budget limit in %s, account %s reports in %s",
			core.ErrCurrencyMismatch, b.Limit.Currency, acct.ID, acct.BaseCurrency)
	}
	if err := s.store.SaveBudget(ctx, b); err != nil {
		return core.Budget{}, fmt.Errorf("save budget: %w", err)
	}
	s.tracker.Forget(b.ID)
	s.logActivity(ctx, acct.ID, ActionRecordBudget, b.ID)

	now := s.now()
	period, err := budget.PeriodFor(b.Period, loc, now, now)
	if err != nil {
		return core.Budget{}, err
	}
	if _, err := s.rebuild(ctx, b, period); err != nil {
		return b, fmt.Errorf("evaluate budget %s: %w", b.ID, err)
	}
	slog.InfoContext(ctx, "Budget recorded",
		"budget_id", b.ID, "category", b.Category, "period", b.Period.String(), "limit", b.Limit.String())
	return b, nil
}

// RecordRate appends a rate snapshot and drops cached lookups.
func (s *LedgerService) RecordRate(ctx context.Context, snap core.ExchangeRateSnapshot) (bool, error) {
	snap.From, snap.To = core.NormalizeCurrency(snap.From), core.NormalizeCurrency(snap.To)
	if err := snap.Validate(); err != nil {
		return false, err
	}
	added, err := s.store.RecordRate(ctx, snap)
	if err != nil {
		return false, fmt.Errorf("record rate: %w", err)
	}
	if added {
		s.resolver.Purge()
		slog.DebugContext(ctx, "Exchange rate recorded",
			"from", snap.From, "to", snap.To, "rate", snap.Rate.String(), "effective", snap.Effective)
	}
	return added, nil
}

func (s *LedgerService) RecordRecurringRule(ctx context.Context, rule core.RecurrenceRule) (core.RecurrenceRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := rule.Validate(); err != nil {
		return core.RecurrenceRule{}, err
	}
	existing, err := s.store.GetRule(ctx, rule.ID)
	switch {
	case err == nil:
		if !sameRule(existing, rule) {
			return core.RecurrenceRule{}, fmt.Errorf("%w: rule %s already exists with different parameters", core.ErrMalformedRule, rule.ID)
		}
		return existing, nil
	case !errors.Is(err, core.ErrNotFound):
		return core.RecurrenceRule{}, fmt.Errorf("get rule: %w", err)
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return core.RecurrenceRule{}, fmt.Errorf("create rule: %w", err)
	}
	slog.InfoContext(ctx, "Recurrence rule recorded",
		"rule_id", rule.ID, "frequency", rule.Frequency, "interval", rule.Interval)
	return rule, nil
}

// RecordTransaction stores t and folds it, or its occurrences in each
// current period when it is a template, into the matching budgets.
// Recording the same transaction again only re-runs the evaluation, so a
// caller may retry after a recoverable error.
func (s *LedgerService) RecordTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Amount.Currency = core.NormalizeCurrency(t.Amount.Currency)
	if err := t.Validate(); err != nil {
		return core.Transaction{}, err
	}
	acct, loc, err := s.account(ctx, t.AccountID)
	if err != nil {
		return core.Transaction{}, err
	}
	if t.IsTemplate() {
		if _, err := s.store.GetRule(ctx, t.RuleID); err != nil {
			return core.Transaction{}, fmt.Errorf("template %s: %w", t.ID, err)
		}
	}
	// A pair that was never recorded cannot be normalized by a later rate
	// either, so such a transaction is refused before it is stored.
	if _, err := s.resolver.Convert(ctx, t.Amount, acct.BaseCurrency, t.Date); errors.Is(err, core.ErrCurrencyMismatch) {
		return core.Transaction{}, fmt.Errorf("transaction %s: %w", t.ID, err)
	}

	existing, err := s.store.GetTransaction(ctx, t.ID)
	switch {
	case err == nil:
		if !sameTransaction(existing, t) {
			return core.Transaction{}, fmt.Errorf("%w: transaction %s already exists", core.ErrInvalidTransaction, t.ID)
		}
		t = existing
	case errors.Is(err, core.ErrNotFound):
		if err := s.store.CreateTransaction(ctx, t); err != nil {
			return core.Transaction{}, fmt.Errorf("save transaction: %w", err)
		}
		s.logActivity(ctx, acct.ID, ActionRecordTransaction, t.ID)
	default:
		return core.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}

	if err := s.evaluate(ctx, acct, loc, t, false); err != nil {
		return t, err
	}
	slog.InfoContext(ctx, "Transaction recorded",
		"transaction_id", t.ID,
		"account_id", t.AccountID,
		"category", t.Category,
		"amount", t.Amount.String(),
		"template", t.IsTemplate())
	return t, nil
}

// DeleteTransaction removes a transaction and its contributions.
func (s *LedgerService) DeleteTransaction(ctx context.Context, id string) error {
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return fmt.Errorf("get transaction: %w", err)
	}
	acct, loc, err := s.account(ctx, t.AccountID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTransaction(ctx, id); err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	s.logActivity(ctx, acct.ID, ActionDeleteTransaction, id)

	if err := s.evaluate(ctx, acct, loc, t, true); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Transaction deleted", "transaction_id", id, "account_id", acct.ID)
	return nil
}

// evaluate applies or removes t in every budget tracking its category.
// Periods the tracker does not hold are built from the store, which already
// reflects the write.
func (s *LedgerService) evaluate(ctx context.Context, acct core.Account, loc *time.Location, t core.Transaction, remove bool) error {
	budgets, err := s.store.ListBudgets(ctx, acct.ID)
	if err != nil {
		return fmt.Errorf("list budgets: %w", err)
	}
	now := s.now()
	for _, b := range budgets {
		if b.Category != t.Category {
			continue
		}
		occs, err := s.occurrencesOf(ctx, b, loc, t, now)
		if err != nil {
			return fmt.Errorf("expand %s for budget %s: %w", t.ID, b.ID, err)
		}
		for _, occ := range occs {
			if remove {
				_, err = s.tracker.Remove(ctx, b, loc, occ.ID, occ.Date, now)
			} else {
				_, err = s.tracker.Apply(ctx, b, loc, occ, now)
			}
			if err != nil {
				return fmt.Errorf("evaluate budget %s: %w", b.ID, err)
			}
		}
		if t.IsTemplate() {
			// Other periods may hold stale occurrences of the template.
			current, err := budget.PeriodFor(b.Period, loc, now, now)
			if err != nil {
				return err
			}
			s.tracker.ForgetExcept(b.ID, current.Key)
		}
	}
	return nil
}

// occurrencesOf returns t itself, or for a template its occurrences in the
// budget's current period.
func (s *LedgerService) occurrencesOf(ctx context.Context, b core.Budget, loc *time.Location, t core.Transaction, now time.Time) ([]core.Occurrence, error) {
	if !t.IsTemplate() {
		return []core.Occurrence{t.Occurrence()}, nil
	}
	period, err := budget.PeriodFor(b.Period, loc, now, now)
	if err != nil {
		return nil, err
	}
	return s.expandTemplate(ctx, t, loc, period)
}

func (s *LedgerService) expandTemplate(ctx context.Context, tpl core.Transaction, loc *time.Location, period core.Period) ([]core.Occurrence, error) {
	rule, err := s.store.GetRule(ctx, tpl.RuleID)
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", tpl.RuleID, err)
	}
	// Stepping happens in the account's civil calendar.
	rule.Start = rule.Start.In(loc)
	if !rule.EndDate.IsZero() {
		rule.EndDate = rule.EndDate.In(loc)
	}
	seq, err := recurrence.Occurrences(tpl, rule, period.Start, period.End.Add(-time.Nanosecond))
	if err != nil {
		return nil, err
	}
	var out []core.Occurrence
	for occ := range seq {
		out = append(out, occ)
	}
	return out, nil
}

// occurrencesIn gathers every occurrence of a category dated in period.
func (s *LedgerService) occurrencesIn(ctx context.Context, accountID, category string, loc *time.Location, period core.Period) ([]core.Occurrence, error) {
	txs, err := s.store.ListTransactions(ctx, accountID, category, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	occs := make([]core.Occurrence, 0, len(txs))
	for _, t := range txs {
		occs = append(occs, t.Occurrence())
	}

	tpls, err := s.store.ListTemplates(ctx, accountID, category)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	for _, tpl := range tpls {
		expanded, err := s.expandTemplate(ctx, tpl, loc, period)
		if err != nil {
			return nil, fmt.Errorf("expand template %s: %w", tpl.ID, err)
		}
		occs = append(occs, expanded...)
	}
	return occs, nil
}

// occurrencesFor lists the occurrences a budget period is built from.
func (s *LedgerService) occurrencesFor(ctx context.Context, b core.Budget, period core.Period) ([]core.Occurrence, error) {
	_, loc, err := s.account(ctx, b.AccountID)
	if err != nil {
		return nil, err
	}
	return s.occurrencesIn(ctx, b.AccountID, b.Category, loc, period)
}

// rebuild recomputes a budget period from the store.
func (s *LedgerService) rebuild(ctx context.Context, b core.Budget, period core.Period) (budget.Update, error) {
	return s.tracker.Recompute(ctx, b, period, s.occurrencesFor)
}

// RefreshBudgets recomputes the current window of every rolling budget of
// an account as of asOf. It returns how many budgets were refreshed; a
// failing budget does not stop the others, and occurrences left out for a
// missing rate are reported in the joined error.
func (s *LedgerService) RefreshBudgets(ctx context.Context, accountID string, asOf time.Time) (int, error) {
	_, loc, err := s.account(ctx, accountID)
	if err != nil {
		return 0, err
	}
	budgets, err := s.store.ListBudgets(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("list budgets: %w", err)
	}
	var (
		refreshed int
		errs      []error
	)
	for _, b := range budgets {
		if b.Period.Kind != core.Rolling {
			continue
		}
		period, err := budget.PeriodFor(b.Period, loc, asOf, asOf)
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh budget %s: %w", b.ID, err))
			continue
		}
		u, err := s.rebuild(ctx, b, period)
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh budget %s: %w", b.ID, err))
			continue
		}
		refreshed++
		if len(u.Pending) > 0 {
			errs = append(errs, fmt.Errorf("refresh budget %s: %w", b.ID, errors.Join(u.Pending...)))
		}
		slog.DebugContext(ctx, "Rolling budget refreshed",
			"budget_id", b.ID, "period", period.Key, "spent", u.Current.Spent().String())
	}
	return refreshed, errors.Join(errs...)
}

// GetAggregate returns the aggregate of a budget period, building it from
// the store when it is not held. Reading never fires alerts.
func (s *LedgerService) GetAggregate(ctx context.Context, budgetID, periodKey string) (core.Aggregate, error) {
	b, err := s.store.GetBudget(ctx, budgetID)
	if err != nil {
		return core.Aggregate{}, fmt.Errorf("get budget: %w", err)
	}
	_, loc, err := s.account(ctx, b.AccountID)
	if err != nil {
		return core.Aggregate{}, err
	}
	period, err := core.ParsePeriodKey(b.Period, periodKey, loc)
	if err != nil {
		return core.Aggregate{}, err
	}

	agg, _, err := s.tracker.Snapshot(ctx, b, period)
	if err != nil {
		return core.Aggregate{}, fmt.Errorf("aggregate %s/%s: %w", budgetID, period.Key, err)
	}
	return agg, nil
}

// CategoryForecast is a forecast over calendar-month category spend.
type CategoryForecast struct {
	AccountID string
	Category  string
	History   []core.Money
	Periods   []string
	forecast.Result
}

// GetForecast projects monthly spend of a category over horizon months.
// History starts at the first month with activity and ends with the last
// complete month, keeping at most the configured number of periods.
func (s *LedgerService) GetForecast(ctx context.Context, accountID, category string, horizon int) (CategoryForecast, error) {
	acct, loc, err := s.account(ctx, accountID)
	if err != nil {
		return CategoryForecast{}, err
	}
	earliest, err := s.store.EarliestTransaction(ctx, accountID, category)
	if errors.Is(err, core.ErrNotFound) {
		return CategoryForecast{}, fmt.Errorf("%w: no activity for %s", core.ErrInsufficientHistory, category)
	}
	if err != nil {
		return CategoryForecast{}, fmt.Errorf("earliest transaction: %w", err)
	}

	monthly := core.PeriodDef{Kind: core.CalendarMonth}
	current, err := core.PeriodAt(monthly, s.now(), loc)
	if err != nil {
		return CategoryForecast{}, err
	}
	first, err := core.PeriodAt(monthly, earliest, loc)
	if err != nil {
		return CategoryForecast{}, err
	}

	var periods []core.Period
	for p := first; p.Start.Before(current.Start); {
		periods = append(periods, p)
		if p, err = core.PeriodAt(monthly, p.End, loc); err != nil {
			return CategoryForecast{}, err
		}
	}
	if len(periods) > s.historyPeriods {
		periods = periods[len(periods)-s.historyPeriods:]
	}
	if len(periods) == 0 {
		return CategoryForecast{}, fmt.Errorf("%w: no complete month for %s", core.ErrInsufficientHistory, category)
	}

	history := make([]core.Money, 0, len(periods))
	for _, p := range periods {
		spent, err := s.categorySpend(ctx, acct, category, loc, p)
		if err != nil {
			return CategoryForecast{}, err
		}
		history = append(history, spent)
	}

	res, err := forecast.Forecast(history, horizon)
	if err != nil {
		return CategoryForecast{}, err
	}
	out := CategoryForecast{AccountID: accountID, Category: category, History: history, Result: res}
	next := current
	for range res.Projections {
		out.Periods = append(out.Periods, next.Key)
		if next, err = core.PeriodAt(monthly, next.End, loc); err != nil {
			return CategoryForecast{}, err
		}
	}
	return out, nil
}

func (s *LedgerService) categorySpend(ctx context.Context, acct core.Account, category string, loc *time.Location, p core.Period) (core.Money, error) {
	occs, err := s.occurrencesIn(ctx, acct.ID, category, loc, p)
	if err != nil {
		return core.Money{}, err
	}
	total := core.Zero(acct.BaseCurrency)
	for _, occ := range occs {
		conv, err := s.resolver.Convert(ctx, occ.Amount, acct.BaseCurrency, occ.Date)
		if err != nil {
			return core.Money{}, fmt.Errorf("normalize occurrence %s: %w", occ.ID, err)
		}
		if total, err = total.Add(conv.Converted); err != nil {
			return core.Money{}, err
		}
	}
	return total.Neg(), nil
}

// ListAlertEvents returns alerts of a budget fired in [from, to).
func (s *LedgerService) ListAlertEvents(ctx context.Context, budgetID string, from, to time.Time) ([]core.AlertEvent, error) {
	if _, err := s.store.GetBudget(ctx, budgetID); err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	events, err := s.store.ListAlerts(ctx, budgetID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return events, nil
}

func (s *LedgerService) ListActivity(ctx context.Context, accountID string, limit int) ([]core.ActivityEntry, error) {
	return s.store.ListActivity(ctx, accountID, limit)
}

func (s *LedgerService) ListAccounts(ctx context.Context) ([]core.Account, error) {
	return s.store.ListAccounts(ctx)
}

func (s *LedgerService) account(ctx context.Context, id string) (core.Account, *time.Location, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return core.Account{}, nil, fmt.Errorf("get account: %w", err)
	}
	loc, err := acct.Location()
	if err != nil {
		return core.Account{}, nil, err
	}
	return acct, loc, nil
}

func (s *LedgerService) logActivity(ctx context.Context, accountID, action, subjectID string) {
	e := core.ActivityEntry{AccountID: accountID, Action: action, SubjectID: subjectID, At: s.now()}
	if err := s.store.LogActivity(ctx, e); err != nil {
		slog.ErrorContext(ctx, "Failed to log activity",
			"account_id", accountID, "action", action, "subject_id", subjectID, "error", err)
	}
}

func sameTransaction(a, b core.Transaction) bool {
	return a.AccountID == b.AccountID &&
		a.Category == b.Category &&
		a.Amount.Equal(b.Amount) &&
		a.Date.Equal(b.Date) &&
		a.RuleID == b.RuleID &&
		a.ReceiptRef == b.ReceiptRef
}

func sameRule(a, b core.RecurrenceRule) bool {
	return a.Frequency == b.Frequency &&
		a.Interval == b.Interval &&
		a.Start.Equal(b.Start) &&
		a.EndDate.Equal(b.EndDate) &&
		a.Count == b.Count
}
