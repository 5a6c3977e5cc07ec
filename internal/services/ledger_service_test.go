package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledger/internal/core"
	"ledger/internal/storage/memory"
)

var testNow = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []core.AlertEvent
}

func (p *recordingPublisher) PublishAlert(_ context.Context, ev core.AlertEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	svc   *LedgerService
	store *memory.Store
	pub   *recordingPublisher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memory.New()
	pub := &recordingPublisher{}
	svc := NewLedgerService(store, Options{
		Publisher:     pub,
		RateCacheSize: 64,
		RateCacheTTL:  time.Hour,
		Now:           func() time.Time { return testNow },
	})
	f := fixture{svc: svc, store: store, pub: pub}
	f.account(t, "acc")
	return f
}

func (f fixture) account(t *testing.T, id string) {
	t.Helper()
	if _, err := f.svc.RecordAccount(context.Background(), core.Account{ID: id, BaseCurrency: "usd"}); err != nil {
		t.Fatalf("record account: %v", err)
	}
}

func (f fixture) budget(t *testing.T, b core.Budget) core.Budget {
	t.Helper()
	b, err := f.svc.RecordBudget(context.Background(), b)
	if err != nil {
		t.Fatalf("record budget: %v", err)
	}
	return b
}

func (f fixture) rate(t *testing.T, from, to, rate string, at time.Time) {
	t.Helper()
	snap := core.ExchangeRateSnapshot{From: from, To: to, Rate: decimal.RequireFromString(rate), Effective: at}
	if _, err := f.svc.RecordRate(context.Background(), snap); err != nil {
		t.Fatalf("record rate: %v", err)
	}
}

func (f fixture) spend(t *testing.T, id, amount, currency string, at time.Time) {
	t.Helper()
	if _, err := f.svc.RecordTransaction(context.Background(), tx(id, amount, currency, at)); err != nil {
		t.Fatalf("record %s: %v", id, err)
	}
}

func tx(id, amount, currency string, at time.Time) core.Transaction {
	return core.Transaction{ID: id, AccountID: "acc", Category: "food", Amount: core.MustParseMoney(amount, currency), Date: at}
}

func monthly(limit string, thresholds ...string) core.Budget {
	b := core.Budget{
		ID:        "groceries",
		AccountID: "acc",
		Category:  "food",
		Period:    core.PeriodDef{Kind: core.CalendarMonth},
		Limit:     core.MustParseMoney(limit, "USD"),
	}
	for _, th := range thresholds {
		b.Thresholds = append(b.Thresholds, decimal.RequireFromString(th))
	}
	return b
}

func date(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 9, 0, 0, 0, time.UTC)
}

func (f fixture) spent(t *testing.T, budgetID, key string) core.Money {
	t.Helper()
	agg, err := f.svc.GetAggregate(context.Background(), budgetID, key)
	if err != nil {
		t.Fatalf("GetAggregate(%s): %v", key, err)
	}
	return agg.Spent()
}

func TestRecordTransactionNormalizesAndAlerts(t *testing.T) {
	f := newFixture(t)
	f.budget(t, monthly("500", "0.8", "1"))
	f.rate(t, "EUR", "USD", "1.10", date(time.January, 1))

	f.spend(t, "t1", "-300", "USD", date(time.March, 2))
	if f.pub.count() != 0 {
		t.Fatalf("alerted at 300.00")
	}
	f.spend(t, "t2", "-100", "EUR", date(time.March, 9))

	if got := f.spent(t, "groceries", "2024-03"); !got.Equal(core.MustParseMoney("410.00", "USD")) {
		t.Fatalf("spent = %s, want 410.00 USD", got)
	}
	if f.pub.count() != 1 || !f.pub.events[0].Threshold.Equal(decimal.RequireFromString("0.8")) {
		t.Fatalf("alerts = %+v", f.pub.events)
	}

	// Same content again only re-evaluates.
	f.spend(t, "t2", "-100", "EUR", date(time.March, 9))
	if f.pub.count() != 1 {
		t.Fatalf("duplicate record refired: %d alerts", f.pub.count())
	}
	if _, err := f.svc.RecordTransaction(context.Background(), tx("t2", "-5", "EUR", date(time.March, 9))); !errors.Is(err, core.ErrInvalidTransaction) {
		t.Fatalf("conflicting duplicate: %v", err)
	}

	events, err := f.svc.ListAlertEvents(context.Background(), "groceries", date(time.March, 1), date(time.April, 1))
	if err != nil || len(events) != 1 {
		t.Fatalf("ListAlertEvents = %+v, %v", events, err)
	}
	activity, err := f.svc.ListActivity(context.Background(), "acc", 0)
	if err != nil || len(activity) != 4 {
		t.Fatalf("activity = %+v, %v", activity, err)
	}
}

func TestRecordTransactionRateUnavailableIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.budget(t, monthly("500", "1"))
	f.rate(t, "EUR", "USD", "1.10", date(time.March, 10))

	_, err := f.svc.RecordTransaction(context.Background(), tx("t1", "-10", "EUR", date(time.March, 5)))
	if !errors.Is(err, core.ErrRateUnavailable) || !core.IsRecoverable(err) {
		t.Fatalf("err = %v, want recoverable ErrRateUnavailable", err)
	}

	f.rate(t, "EUR", "USD", "1.05", date(time.March, 1))
	f.spend(t, "t1", "-10", "EUR", date(time.March, 5))
	if got := f.spent(t, "groceries", "2024-03"); !got.Equal(core.MustParseMoney("10.50", "USD")) {
		t.Fatalf("spent = %s", got)
	}
}

func TestRecordTransactionUnknownPair(t *testing.T) {
	f := newFixture(t)
	f.budget(t, monthly("500", "1"))

	_, err := f.svc.RecordTransaction(context.Background(), tx("t1", "-1000", "JPY", date(time.March, 5)))
	if !errors.Is(err, core.ErrCurrencyMismatch) || core.IsRecoverable(err) {
		t.Fatalf("err = %v, want permanent ErrCurrencyMismatch", err)
	}
}

func TestRecurringTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.budget(t, monthly("500", "0.5"))

	rule, err := f.svc.RecordRecurringRule(ctx, core.RecurrenceRule{
		ID:        "rent",
		Frequency: core.Monthly,
		Interval:  1,
		Start:     date(time.January, 31),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RecordRecurringRule(ctx, rule); err != nil {
		t.Fatalf("identical rule rejected: %v", err)
	}
	changed := rule
	changed.Interval = 2
	if _, err := f.svc.RecordRecurringRule(ctx, changed); !errors.Is(err, core.ErrMalformedRule) {
		t.Fatalf("changed rule: %v", err)
	}

	tpl := tx("sub", "-120", "USD", date(time.January, 31))
	tpl.RuleID = "rent"
	if _, err := f.svc.RecordTransaction(ctx, tpl); err != nil {
		t.Fatal(err)
	}

	march, err := f.svc.GetAggregate(ctx, "groceries", "2024-03")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := march.Contributions["sub@2024-03-31"]; !ok || len(march.Contributions) != 1 {
		t.Fatalf("march contributions = %v", march.Contributions)
	}
	// February clamps to its last day.
	feb, err := f.svc.GetAggregate(ctx, "groceries", "2024-02")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := feb.Contributions["sub@2024-02-29"]; !ok {
		t.Fatalf("february contributions = %v", feb.Contributions)
	}

	orphan := tx("orphan", "-1", "USD", date(time.March, 1))
	orphan.RuleID = "missing"
	if _, err := f.svc.RecordTransaction(ctx, orphan); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("template without rule: %v", err)
	}
}

func TestDeleteTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.budget(t, monthly("500", "0.8"))
	f.spend(t, "t1", "-450", "USD", date(time.March, 3))
	f.spend(t, "t2", "-20", "USD", date(time.March, 4))

	if err := f.svc.DeleteTransaction(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if got := f.spent(t, "groceries", "2024-03"); !got.Equal(core.MustParseMoney("20", "USD")) {
		t.Fatalf("spent after delete = %s", got)
	}
	if err := f.svc.DeleteTransaction(ctx, "t1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}

	// Removing spend never re-arms a fired threshold.
	f.spend(t, "t3", "-450", "USD", date(time.March, 5))
	if f.pub.count() != 1 {
		t.Fatalf("alerts = %d, want 1", f.pub.count())
	}
}

func TestRecordBudgetValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	eur := monthly("500", "1")
	eur.Limit = core.MustParseMoney("500", "EUR")
	if _, err := f.svc.RecordBudget(ctx, eur); !errors.Is(err, core.ErrCurrencyMismatch) {
		t.Errorf("foreign limit: %v", err)
	}
	if _, err := f.svc.RecordBudget(ctx, monthly("500", "0.9", "0.5")); !errors.Is(err, core.ErrInvalidBudget) {
		t.Errorf("unordered thresholds: %v", err)
	}
	unknown := monthly("500", "1")
	unknown.AccountID = "nobody"
	if _, err := f.svc.RecordBudget(ctx, unknown); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("unknown account: %v", err)
	}

	f.spend(t, "t1", "-450", "USD", date(time.March, 3))
	late := f.budget(t, monthly("500", "0.8"))
	if got := f.spent(t, late.ID, "2024-03"); !got.Equal(core.MustParseMoney("450", "USD")) {
		t.Fatalf("budget recorded after spend sees %s", got)
	}
	if f.pub.count() != 1 {
		t.Fatalf("late budget should alert once, got %d", f.pub.count())
	}
}

func TestGetAggregateBadKey(t *testing.T) {
	f := newFixture(t)
	f.budget(t, monthly("500", "1"))
	if _, err := f.svc.GetAggregate(context.Background(), "groceries", "2024-W10"); !errors.Is(err, core.ErrInvalidPeriod) {
		t.Fatalf("week key on monthly budget: %v", err)
	}
	if _, err := f.svc.GetAggregate(context.Background(), "nope", "2024-03"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("unknown budget: %v", err)
	}
}

func TestGetForecast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.spend(t, "dec", "-100", "USD", time.Date(2023, time.December, 10, 0, 0, 0, 0, time.UTC))
	f.spend(t, "jan", "-200", "USD", date(time.January, 10))
	f.spend(t, "feb1", "-250", "USD", date(time.February, 10))
	f.spend(t, "feb2", "-50", "USD", date(time.February, 11))
	// The running month is not part of the history.
	f.spend(t, "mar", "-999", "USD", date(time.March, 1))

	fc, err := f.svc.GetForecast(ctx, "acc", "food", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(fc.History) != 3 || !fc.History[2].Equal(core.MustParseMoney("300", "USD")) {
		t.Fatalf("history = %v", fc.History)
	}
	if len(fc.Periods) != 2 || fc.Periods[0] != "2024-03" || fc.Periods[1] != "2024-04" {
		t.Fatalf("periods = %v", fc.Periods)
	}
	if !fc.Projections[0].Expected.Equal(core.MustParseMoney("400", "USD")) ||
		!fc.Projections[1].Expected.Equal(core.MustParseMoney("500", "USD")) {
		t.Fatalf("projections = %+v", fc.Projections)
	}

	if _, err := f.svc.GetForecast(ctx, "acc", "travel", 1); !errors.Is(err, core.ErrInsufficientHistory) {
		t.Errorf("no activity: %v", err)
	}
}

func TestGetForecastCurrentMonthOnly(t *testing.T) {
	f := newFixture(t)
	f.spend(t, "mar", "-10", "USD", date(time.March, 1))
	if _, err := f.svc.GetForecast(context.Background(), "acc", "food", 1); !errors.Is(err, core.ErrInsufficientHistory) {
		t.Fatalf("err = %v", err)
	}
}

func TestRefreshBudgetsRollingWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.budget(t, core.Budget{
		ID:         "weekly-food",
		AccountID:  "acc",
		Category:   "food",
		Period:     core.PeriodDef{Kind: core.Rolling, Days: 7},
		Limit:      core.MustParseMoney("100", "USD"),
		Thresholds: []decimal.Decimal{decimal.RequireFromString("0.5")},
	})
	f.budget(t, monthly("500", "1"))
	f.spend(t, "t1", "-60", "USD", date(time.March, 18))
	if f.pub.count() != 1 {
		t.Fatalf("rolling alert not fired: %d", f.pub.count())
	}

	tests := []struct {
		asOf time.Time
		key  string
		want string
	}{
		{date(time.March, 24), "R7:2024-03-24", "60"},
		{date(time.March, 25), "R7:2024-03-25", "0"},
	}
	for _, tt := range tests {
		n, err := f.svc.RefreshBudgets(ctx, "acc", tt.asOf)
		if err != nil || n != 1 {
			t.Fatalf("RefreshBudgets(%s) = %d, %v", tt.key, n, err)
		}
		if got := f.spent(t, "weekly-food", tt.key); !got.Equal(core.MustParseMoney(tt.want, "USD")) {
			t.Errorf("%s spent = %s, want %s", tt.key, got, tt.want)
		}
	}
	// Spend carried into the next window is not a new crossing.
	if f.pub.count() != 1 {
		t.Fatalf("alerts = %d, want 1", f.pub.count())
	}
}

type sliceSource []core.ExchangeRateSnapshot

func (s sliceSource) FetchRates(context.Context) ([]core.ExchangeRateSnapshot, error) {
	return s, nil
}

func TestImportRates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	good := sliceSource{
		{From: "EUR", To: "USD", Rate: decimal.RequireFromString("1.08"), Effective: date(time.January, 1)},
		{From: "GBP", To: "USD", Rate: decimal.RequireFromString("1.27"), Effective: date(time.January, 1)},
		{From: "EUR", To: "EUR", Rate: decimal.NewFromInt(1), Effective: date(time.January, 1)},
	}
	added, err := f.svc.ImportRates(ctx, good)
	if err != nil || added != 2 {
		t.Fatalf("ImportRates = %d, %v", added, err)
	}
	if added, err := f.svc.ImportRates(ctx, good[:2]); err != nil || added != 0 {
		t.Fatalf("re-import = %d, %v", added, err)
	}
	if _, err := f.svc.ImportRates(ctx, good[2:]); err == nil {
		t.Fatal("all-invalid import succeeded")
	}

	conv, err := f.svc.Resolver().Convert(ctx, core.MustParseMoney("10", "GBP"), "USD", date(time.March, 1))
	if err != nil || !conv.Converted.Equal(core.MustParseMoney("12.70", "USD")) {
		t.Fatalf("Convert = %+v, %v", conv, err)
	}
}

// gatedStore pauses the first February listing after it has read the
// store, until release is closed.
type gatedStore struct {
	*memory.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) ListTransactions(ctx context.Context, accountID, category string, from, to time.Time) ([]core.Transaction, error) {
	txs, err := g.Store.ListTransactions(ctx, accountID, category, from, to)
	if from.Month() == time.February {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return txs, err
}

func TestConcurrentRecordsIntoUnheldPeriod(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{Store: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewLedgerService(store, Options{Now: func() time.Time { return testNow }})
	if _, err := svc.RecordAccount(ctx, core.Account{ID: "acc", BaseCurrency: "USD"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordBudget(ctx, monthly("500", "1")); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 2)
	go func() {
		_, err := svc.RecordTransaction(ctx, tx("t1", "-100", "USD", date(time.February, 10)))
		done <- err
	}()
	<-store.entered
	go func() {
		_, err := svc.RecordTransaction(ctx, tx("t2", "-100", "USD", date(time.February, 11)))
		done <- err
	}()
	// Let t2 reach the store before the first listing returns.
	for {
		if _, err := store.GetTransaction(ctx, "t2"); err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(store.release)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}

	agg, err := svc.GetAggregate(ctx, "groceries", "2024-02")
	if err != nil {
		t.Fatal(err)
	}
	if !agg.Spent().Equal(core.MustParseMoney("200", "USD")) {
		t.Fatalf("spent = %s, want 200.00 USD", agg.Spent())
	}
}

func TestUnknownPairIsNotStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.budget(t, monthly("500", "0.8"))

	_, err := f.svc.RecordTransaction(ctx, tx("t1", "-100", "EUR", date(time.February, 10)))
	if !errors.Is(err, core.ErrCurrencyMismatch) {
		t.Fatalf("err = %v, want ErrCurrencyMismatch", err)
	}
	if _, err := f.store.GetTransaction(ctx, "t1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("rejected transaction was stored: %v", err)
	}

	// The period stays usable for later spend.
	f.spend(t, "t2", "-450", "USD", date(time.February, 11))
	if f.pub.count() != 1 {
		t.Fatalf("alerts = %d, want 1", f.pub.count())
	}
	if got := f.spent(t, "groceries", "2024-02"); !got.Equal(core.MustParseMoney("450", "USD")) {
		t.Fatalf("spent = %s", got)
	}
}

func TestGetAggregateDoesNotAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.spend(t, "t1", "-450", "USD", date(time.February, 10))
	f.budget(t, monthly("500", "0.8"))

	if got := f.spent(t, "groceries", "2024-02"); !got.Equal(core.MustParseMoney("450", "USD")) {
		t.Fatalf("spent = %s", got)
	}
	if f.pub.count() != 0 {
		t.Fatalf("reading a past period fired %d alerts", f.pub.count())
	}
	events, err := f.svc.ListAlertEvents(ctx, "groceries", date(time.February, 1), date(time.March, 1))
	if err != nil || len(events) != 0 {
		t.Fatalf("ListAlertEvents = %+v, %v", events, err)
	}
}

func TestRefreshBudgetsContinuesPastMissingRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	weekly := func(id string) core.Budget {
		return core.Budget{
			ID:         id,
			AccountID:  "acc",
			Category:   "food",
			Period:     core.PeriodDef{Kind: core.Rolling, Days: 7},
			Limit:      core.MustParseMoney("100", "USD"),
			Thresholds: []decimal.Decimal{decimal.NewFromInt(1)},
		}
	}
	f.budget(t, weekly("a"))
	f.budget(t, weekly("b"))
	f.rate(t, "EUR", "USD", "1.1", date(time.March, 19))
	f.spend(t, "t1", "-30", "USD", date(time.March, 19))
	if _, err := f.svc.RecordTransaction(ctx, tx("t2", "-30", "EUR", date(time.March, 18))); !errors.Is(err, core.ErrRateUnavailable) {
		t.Fatalf("err = %v, want ErrRateUnavailable", err)
	}

	n, err := f.svc.RefreshBudgets(ctx, "acc", date(time.March, 21))
	if !errors.Is(err, core.ErrRateUnavailable) || n != 2 {
		t.Fatalf("RefreshBudgets = %d, %v", n, err)
	}
	for _, id := range []string{"a", "b"} {
		if got := f.spent(t, id, "R7:2024-03-21"); !got.Equal(core.MustParseMoney("30", "USD")) {
			t.Errorf("%s spent = %s, want the convertible 30.00", id, got)
		}
	}
}
