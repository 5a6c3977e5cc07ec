package core

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestRecurrenceRuleValidate(t *testing.T) {
	start := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		rule    RecurrenceRule
		wantErr bool
	}{
		{"valid monthly", RecurrenceRule{Frequency: Monthly, Interval: 1, Start: start}, false},
		{"valid with count", RecurrenceRule{Frequency: Weekly, Interval: 2, Start: start, Count: 3}, false},
		{"zero interval", RecurrenceRule{Frequency: Monthly, Interval: 0, Start: start}, true},
		{"unknown frequency", RecurrenceRule{Frequency: "hourly", Interval: 1, Start: start}, true},
		{"end before start", RecurrenceRule{Frequency: Daily, Interval: 1, Start: start, EndDate: start.AddDate(0, 0, -1)}, true},
		{"end equals start", RecurrenceRule{Frequency: Daily, Interval: 1, Start: start, EndDate: start}, false},
		{"negative count", RecurrenceRule{Frequency: Daily, Interval: 1, Start: start, Count: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedRule) {
				t.Fatalf("expected ErrMalformedRule, got %v", err)
			}
		})
	}
}

func TestBudgetValidate(t *testing.T) {
	base := Budget{
		AccountID:  "acc",
		Category:   "food",
		Period:     PeriodDef{Kind: CalendarMonth},
		Limit:      MustParseMoney("500", "USD"),
		Thresholds: []decimal.Decimal{decimal.RequireFromString("0.8"), decimal.NewFromInt(1)},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid budget rejected: %v", err)
	}

	notIncreasing := base
	notIncreasing.Thresholds = []decimal.Decimal{decimal.NewFromInt(1), decimal.RequireFromString("0.8")}
	if err := notIncreasing.Validate(); !errors.Is(err, ErrInvalidBudget) {
		t.Errorf("non-increasing thresholds: got %v", err)
	}

	zeroLimit := base
	zeroLimit.Limit = Zero("USD")
	if err := zeroLimit.Validate(); !errors.Is(err, ErrInvalidBudget) {
		t.Errorf("zero limit: got %v", err)
	}

	badRolling := base
	badRolling.Period = PeriodDef{Kind: Rolling}
	if err := badRolling.Validate(); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("rolling without days: got %v", err)
	}
}

func TestPeriodAt(t *testing.T) {
	rome, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	tests := []struct {
		name    string
		def     PeriodDef
		at      time.Time
		loc     *time.Location
		wantKey string
	}{
		{"month", PeriodDef{Kind: CalendarMonth}, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), time.UTC, "2024-03"},
		// 23:30 UTC on Mar 31 is already April 1 in Rome.
		{"month local rollover", PeriodDef{Kind: CalendarMonth}, time.Date(2024, 3, 31, 23, 30, 0, 0, time.UTC), rome, "2024-04"},
		{"iso week", PeriodDef{Kind: CalendarWeek}, time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC), time.UTC, "2024-W09"},
		{"iso week year boundary", PeriodDef{Kind: CalendarWeek}, time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC), time.UTC, "2025-W01"},
		{"rolling", PeriodDef{Kind: Rolling, Days: 7}, time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC), time.UTC, "R7:2024-03-15"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := PeriodAt(tt.def, tt.at, tt.loc)
			if err != nil {
				t.Fatal(err)
			}
			if p.Key != tt.wantKey {
				t.Fatalf("key = %s, want %s", p.Key, tt.wantKey)
			}
			if !p.Contains(tt.at) {
				t.Fatalf("period %v does not contain %v", p, tt.at)
			}
			back, err := ParsePeriodKey(tt.def, p.Key, tt.loc)
			if err != nil {
				t.Fatalf("ParsePeriodKey(%s): %v", p.Key, err)
			}
			if !back.Start.Equal(p.Start) || !back.End.Equal(p.End) {
				t.Fatalf("round trip %v != %v", back, p)
			}
		})
	}
}

func TestRollingPeriodBounds(t *testing.T) {
	p, err := PeriodAt(PeriodDef{Kind: Rolling, Days: 7}, time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC); !p.Start.Equal(want) {
		t.Errorf("start = %v, want %v", p.Start, want)
	}
	if p.Contains(time.Date(2024, 3, 8, 23, 59, 0, 0, time.UTC)) {
		t.Errorf("window should exclude the 8th")
	}
	if !p.Contains(time.Date(2024, 3, 15, 23, 59, 0, 0, time.UTC)) {
		t.Errorf("window should include the whole as-of day")
	}
}

func TestParsePeriodKeyRejectsMissingWeek(t *testing.T) {
	if _, err := ParsePeriodKey(PeriodDef{Kind: CalendarWeek}, "2021-W53", time.UTC); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("expected ErrInvalidPeriod, got %v", err)
	}
}
