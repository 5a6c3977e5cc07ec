package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledger/internal/core"
)

func TestStoreTransactionsAndTemplates(t *testing.T) {
	ctx := context.Background()
	s := New()
	day := func(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }

	for _, tx := range []core.Transaction{
		{ID: "t1", AccountID: "acc", Category: "food", Amount: core.MustParseMoney("-10", "USD"), Date: day(1)},
		{ID: "t2", AccountID: "acc", Category: "food", Amount: core.MustParseMoney("-20", "USD"), Date: day(31)},
		{ID: "t3", AccountID: "acc", Category: "fun", Amount: core.MustParseMoney("-5", "USD"), Date: day(2)},
		{ID: "tpl", AccountID: "acc", Category: "food", Amount: core.MustParseMoney("-1", "USD"), Date: day(1), RuleID: "r1"},
	} {
		if err := s.CreateTransaction(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateTransaction(ctx, core.Transaction{ID: "t1"}); err == nil {
		t.Fatal("duplicate id accepted")
	}

	got, err := s.ListTransactions(ctx, "acc", "food", day(1), day(31))
	if err != nil || len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("ListTransactions = %v, %v", got, err)
	}
	all, _ := s.ListTransactions(ctx, "acc", "", day(1), day(31).AddDate(0, 0, 1))
	if len(all) != 3 {
		t.Fatalf("all categories: %d", len(all))
	}
	tpls, _ := s.ListTemplates(ctx, "acc", "food")
	if len(tpls) != 1 || tpls[0].ID != "tpl" {
		t.Fatalf("ListTemplates = %v", tpls)
	}

	if err := s.DeleteTransaction(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTransaction(ctx, "t1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("deleted transaction: %v", err)
	}
}

func TestStoreAlertsDeduplicate(t *testing.T) {
	ctx := context.Background()
	s := New()
	ev := core.AlertEvent{
		ID:        "e1",
		BudgetID:  "b1",
		PeriodKey: "2024-03",
		Threshold: decimal.RequireFromString("0.80"),
		FiredAt:   time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
	}
	if added, err := s.AppendAlert(ctx, ev); err != nil || !added {
		t.Fatalf("first append: %v %v", added, err)
	}
	ev.ID = "e2"
	ev.Threshold = decimal.RequireFromString("0.8")
	if added, _ := s.AppendAlert(ctx, ev); added {
		t.Fatal("same threshold fired twice")
	}
	fired, _ := s.FiredThresholds(ctx, "b1", "2024-03")
	if len(fired) != 1 {
		t.Fatalf("fired = %v", fired)
	}
	list, _ := s.ListAlerts(ctx, "b1", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	if len(list) != 1 || list[0].ID != "e1" {
		t.Fatalf("ListAlerts = %v", list)
	}
}

func TestStoreSaveAggregateVersionCheck(t *testing.T) {
	ctx := context.Background()
	s := New()
	agg := core.NewAggregate("b1", core.Period{Key: "2024-03"}, "USD")

	if err := s.SaveAggregate(ctx, agg, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAggregate(ctx, agg, 0); !errors.Is(err, core.ErrConcurrentUpdateConflict) {
		t.Fatalf("stale write: %v", err)
	}
	loaded, err := s.LoadAggregate(ctx, "b1", "2024-03")
	if err != nil || loaded.Version != 1 {
		t.Fatalf("loaded version %d, err %v", loaded.Version, err)
	}
	if err := s.SaveAggregate(ctx, loaded, 1); err != nil {
		t.Fatal(err)
	}
}

func TestStoreRatesAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := New()
	snap := core.ExchangeRateSnapshot{From: "EUR", To: "USD", Rate: decimal.RequireFromString("1.1"), Effective: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	if added, err := s.RecordRate(ctx, snap); err != nil || !added {
		t.Fatalf("record: %v %v", added, err)
	}
	got, err := s.GetRate(ctx, "EUR", "USD", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || !got.Rate.Equal(snap.Rate) {
		t.Fatalf("GetRate = %+v, %v", got, err)
	}
	if ok, _ := s.HasPair(ctx, "USD", "EUR"); ok {
		t.Fatal("inverse pair should not be reported as recorded")
	}
}
