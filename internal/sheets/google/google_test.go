package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"ledger/internal/core"
)

// fakeSheets serves the two Values endpoints the client uses.
type fakeSheets struct {
	mu        sync.Mutex
	rates     [][]interface{}
	throttle  int // number of 429s before answering
	appended  [][]interface{}
	getCalls  int
	appendRng string
}

func (f *fakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.throttle > 0 {
		f.throttle--
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"quota exceeded"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/values/"):
		f.getCalls++
		json.NewEncoder(w).Encode(map[string]any{"range": "Rates!A1:D10", "values": f.rates})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":append"):
		var vr gsheet.ValueRange
		if err := json.NewDecoder(r.Body).Decode(&vr); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.appendRng = r.URL.Path
		f.appended = append(f.appended, vr.Values...)
		w.Write([]byte(`{}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, f *fakeSheets) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	svc, err := gsheet.NewService(context.Background(),
		goption.WithEndpoint(srv.URL+"/"),
		goption.WithoutAuthentication(),
		goption.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	c := New(svc, "sheet-id", "", "")
	c.retryDelay = time.Millisecond
	return c
}

func TestFetchRates(t *testing.T) {
	f := &fakeSheets{
		rates: [][]interface{}{
			{"Date", "From", "To", "Rate"},
			{"2024-03-01", "EUR", "USD", "1.10"},
			{"2024-03-01", "GBP", "USD", "bad"},
		},
		throttle: 1,
	}
	c := newTestClient(t, f)

	snaps, err := c.FetchRates(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || snaps[0].From != "EUR" || !snaps[0].Rate.Equal(decimal.RequireFromString("1.1")) {
		t.Fatalf("snaps = %+v", snaps)
	}
	if f.getCalls != 1 {
		t.Errorf("get calls = %d, want 1 after the throttled attempt", f.getCalls)
	}
}

func TestFetchRatesAllRowsBad(t *testing.T) {
	f := &fakeSheets{rates: [][]interface{}{{"Date", "From"}, {"2024-03-01", "EUR"}}}
	c := newTestClient(t, f)
	if _, err := c.FetchRates(context.Background()); err == nil {
		t.Fatal("expected a header error")
	}
}

func TestFetchRatesQuotaExhausted(t *testing.T) {
	f := &fakeSheets{throttle: 10}
	c := newTestClient(t, f)
	_, err := c.FetchRates(context.Background())
	if err == nil {
		t.Fatal("expected an error once retries run out")
	}
	if f.throttle != 10-int(c.retryAttempts) {
		t.Errorf("attempts made = %d, want %d", 10-f.throttle, c.retryAttempts)
	}
}

func TestPublishAlert(t *testing.T) {
	f := &fakeSheets{}
	c := newTestClient(t, f)
	ev := core.AlertEvent{
		ID:        "a1",
		BudgetID:  "groceries",
		AccountID: "acc",
		PeriodKey: "2024-03",
		Threshold: decimal.RequireFromString("1"),
		Spent:     core.MustParseMoney("510", "USD"),
		Limit:     core.MustParseMoney("500", "USD"),
		FiredAt:   time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC),
	}
	if err := c.PublishAlert(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(f.appended) != 1 || f.appended[0][9] != "a1" {
		t.Fatalf("appended = %v", f.appended)
	}
	if !strings.Contains(f.appendRng, "Alerts") {
		t.Errorf("append range = %q", f.appendRng)
	}
}

func TestPublishAlertCancelled(t *testing.T) {
	c := newTestClient(t, &fakeSheets{throttle: 10})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.PublishAlert(ctx, core.AlertEvent{ID: "a1"})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
