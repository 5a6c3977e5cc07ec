package rates

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledger/internal/core"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func snapshot(from, to, rate string, at time.Time) core.ExchangeRateSnapshot {
	return core.ExchangeRateSnapshot{From: from, To: to, Rate: decimal.RequireFromString(rate), Effective: at}
}

func mustRecord(t *testing.T, b *Book, s core.ExchangeRateSnapshot) {
	t.Helper()
	if _, err := b.Record(s); err != nil {
		t.Fatalf("record %+v: %v", s, err)
	}
}

func TestResolveLatestKnownNeverFuture(t *testing.T) {
	book := NewBook()
	mustRecord(t, book, snapshot("EUR", "USD", "1.08", day(2024, 2, 15)))
	mustRecord(t, book, snapshot("EUR", "USD", "1.20", day(2024, 3, 5)))

	r := NewResolver(book)
	rate, err := r.Resolve(context.Background(), "EUR", "USD", day(2024, 3, 1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !rate.Value.Equal(decimal.RequireFromString("1.08")) || !rate.Effective.Equal(day(2024, 2, 15)) {
		t.Fatalf("got %s effective %v, want 1.08 from 2024-02-15", rate.Value, rate.Effective)
	}

	if _, err := r.Resolve(context.Background(), "EUR", "USD", day(2024, 2, 1)); !errors.Is(err, core.ErrRateUnavailable) {
		t.Fatalf("before first snapshot: got %v, want ErrRateUnavailable", err)
	}
}

func TestResolveIdentity(t *testing.T) {
	r := NewResolver(NewBook())
	rate, err := r.Resolve(context.Background(), "usd", "USD", day(2024, 1, 1))
	if err != nil || !rate.Identity || !rate.Value.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("identity: %+v, %v", rate, err)
	}
}

func TestResolveInversePair(t *testing.T) {
	book := NewBook()
	mustRecord(t, book, snapshot("USD", "EUR", "0.8", day(2024, 1, 1)))

	rate, err := NewResolver(book).Resolve(context.Background(), "EUR", "USD", day(2024, 1, 2))
	if err != nil {
		t.Fatal(err)
	}
	if !rate.Inverted || !rate.Value.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("got %+v, want inverted 1.25", rate)
	}
}

func TestResolveMismatchVersusUnavailable(t *testing.T) {
	book := NewBook()
	mustRecord(t, book, snapshot("EUR", "USD", "1.1", day(2024, 6, 1)))
	r := NewResolver(book)

	if _, err := r.Resolve(context.Background(), "GBP", "USD", day(2024, 7, 1)); !errors.Is(err, core.ErrCurrencyMismatch) {
		t.Errorf("unknown pair: got %v, want ErrCurrencyMismatch", err)
	}
	if _, err := r.Resolve(context.Background(), "USD", "EUR", day(2024, 5, 1)); !errors.Is(err, core.ErrRateUnavailable) {
		t.Errorf("known pair without past snapshot: got %v, want ErrRateUnavailable", err)
	}
}

type futureProvider struct{}

func (futureProvider) GetRate(_ context.Context, from, to string, asOf time.Time) (core.ExchangeRateSnapshot, error) {
	return snapshot(from, to, "2", asOf.Add(time.Hour)), nil
}

func TestResolveRejectsFutureSnapshots(t *testing.T) {
	_, err := NewResolver(futureProvider{}).Resolve(context.Background(), "EUR", "USD", day(2024, 1, 1))
	if !errors.Is(err, core.ErrRateUnavailable) {
		t.Fatalf("got %v, want ErrRateUnavailable", err)
	}
}

func TestConvertRoundsHalfEvenOnce(t *testing.T) {
	book := NewBook()
	mustRecord(t, book, snapshot("EUR", "USD", "1.5", day(2024, 1, 1)))
	r := NewResolver(book)

	tests := []struct {
		in   string
		want string
	}{
		{"0.01", "0.02"}, // 0.015 -> 0.02
		{"0.03", "0.04"}, // 0.045 -> 0.04
		{"-0.03", "-0.04"},
		{"10.00", "15.00"},
	}
	for _, tt := range tests {
		conv, err := r.Convert(context.Background(), core.MustParseMoney(tt.in, "EUR"), "USD", day(2024, 2, 1))
		if err != nil {
			t.Fatal(err)
		}
		if !conv.Converted.Equal(core.MustParseMoney(tt.want, "USD")) {
			t.Errorf("Convert(%s EUR) = %s, want %s USD", tt.in, conv.Converted, tt.want)
		}
	}
}

func TestConvertRoundTripWithinOneMinorUnit(t *testing.T) {
	book := NewBook()
	mustRecord(t, book, snapshot("EUR", "USD", "1.0873", day(2024, 1, 1)))
	r := NewResolver(book)
	ctx := context.Background()
	asOf := day(2024, 1, 10)
	step := decimal.RequireFromString("0.01")

	for _, in := range []string{"0.01", "1.00", "19.99", "123.45", "-77.77", "100000.01"} {
		a := core.MustParseMoney(in, "EUR")
		there, err := r.Convert(ctx, a, "USD", asOf)
		if err != nil {
			t.Fatal(err)
		}
		back, err := r.Convert(ctx, there.Converted, "EUR", asOf)
		if err != nil {
			t.Fatal(err)
		}
		if diff := back.Converted.Amount.Sub(a.Amount).Abs(); diff.GreaterThan(step) {
			t.Errorf("%s EUR -> %s -> %s differs by %s", in, there.Converted, back.Converted, diff)
		}
	}
}

type countingProvider struct {
	*Book
	calls atomic.Int32
}

func (c *countingProvider) GetRate(ctx context.Context, from, to string, asOf time.Time) (core.ExchangeRateSnapshot, error) {
	c.calls.Add(1)
	return c.Book.GetRate(ctx, from, to, asOf)
}

func TestResolverCacheAndPurge(t *testing.T) {
	p := &countingProvider{Book: NewBook()}
	mustRecord(t, p.Book, snapshot("EUR", "USD", "1.1", day(2024, 1, 1)))
	r := NewResolver(p, WithCache(16, time.Hour))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(ctx, "EUR", "USD", day(2024, 1, 5)); err != nil {
			t.Fatal(err)
		}
	}
	if got := p.calls.Load(); got != 1 {
		t.Fatalf("provider calls = %d, want 1", got)
	}

	mustRecord(t, p.Book, snapshot("EUR", "USD", "1.2", day(2024, 1, 3)))
	r.Purge()
	rate, err := r.Resolve(ctx, "EUR", "USD", day(2024, 1, 5))
	if err != nil {
		t.Fatal(err)
	}
	if !rate.Value.Equal(decimal.RequireFromString("1.2")) {
		t.Fatalf("after purge got %s, want 1.2", rate.Value)
	}
}

func TestBookRejectsRewritingHistory(t *testing.T) {
	book := NewBook()
	mustRecord(t, book, snapshot("EUR", "USD", "1.1", day(2024, 1, 1)))
	added, err := book.Record(snapshot("EUR", "USD", "1.1", day(2024, 1, 1)))
	if err != nil || added {
		t.Fatalf("identical re-record: added=%v err=%v", added, err)
	}
	if _, err := book.Record(snapshot("EUR", "USD", "1.3", day(2024, 1, 1))); err == nil {
		t.Fatal("expected error rewriting a past snapshot")
	}
	if got := book.Snapshots("EUR", "USD"); len(got) != 1 || !got[0].Rate.Equal(decimal.RequireFromString("1.1")) {
		t.Fatalf("history changed: %+v", got)
	}
}
