package google

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger/internal/core"
)

var rateHeaders = []string{"Date", "From", "To", "Rate"}

// dateLayouts are tried in order for the Date column.
var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04", time.DateOnly, "02/01/2006"}

// parseRates converts a values matrix from the rates sheet into snapshots.
// The first row must name the Date, From, To and Rate columns in any order.
// Blank rows and rows starting with "#" are skipped; rows that do not parse
// are returned as errors alongside the good ones.
func parseRates(values [][]interface{}) ([]core.ExchangeRateSnapshot, []error) {
	if len(values) == 0 {
		return nil, nil
	}
	headers := toStrings(values[0])
	cols := make([]int, len(rateHeaders))
	var missing []string
	for i, h := range rateHeaders {
		cols[i] = indexOf(headers, h)
		if cols[i] == -1 {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		return nil, []error{fmt.Errorf("unexpected rates header: missing %s; got headers=%v", strings.Join(missing, ","), headers)}
	}

	var (
		out  []core.ExchangeRateSnapshot
		errs []error
	)
	for i := 1; i < len(values); i++ {
		row := toStrings(values[i])
		first := safeGet(row, 0)
		if strings.HasPrefix(first, "#") || strings.Join(row, "") == "" {
			continue
		}
		snap, err := parseRateRow(safeGet(row, cols[0]), safeGet(row, cols[1]), safeGet(row, cols[2]), safeGet(row, cols[3]))
		if err != nil {
			errs = append(errs, fmt.Errorf("row %d: %w", i+1, err))
			continue
		}
		out = append(out, snap)
	}
	return out, errs
}

func parseRateRow(date, from, to, rate string) (core.ExchangeRateSnapshot, error) {
	effective, err := parseDate(date)
	if err != nil {
		return core.ExchangeRateSnapshot{}, err
	}
	value, err := decimal.NewFromString(strings.ReplaceAll(rate, ",", "."))
	if err != nil {
		return core.ExchangeRateSnapshot{}, fmt.Errorf("%w: rate %q", core.ErrInvalidAmount, rate)
	}
	snap := core.ExchangeRateSnapshot{
		From:      core.NormalizeCurrency(from),
		To:        core.NormalizeCurrency(to),
		Rate:      value,
		Effective: effective,
	}
	if err := snap.Validate(); err != nil {
		return core.ExchangeRateSnapshot{}, err
	}
	return snap, nil
}

// parseDate reads a sheet date. Values without a zone are UTC.
func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// alertRow is the log-sheet row of a fired alert.
func alertRow(ev core.AlertEvent) []any {
	return []any{
		ev.FiredAt.UTC().Format(time.RFC3339),
		ev.AccountID,
		ev.BudgetID,
		ev.Category,
		ev.PeriodKey,
		ev.Threshold.String(),
		ev.Spent.Amount.StringFixed(core.MinorUnits(ev.Spent.Currency)),
		ev.Limit.Amount.StringFixed(core.MinorUnits(ev.Limit.Currency)),
		ev.Limit.Currency,
		ev.ID,
	}
}

func toStrings(in []interface{}) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

func indexOf(arr []string, target string) int {
	for i, v := range arr {
		if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(target)) {
			return i
		}
	}
	return -1
}

func safeGet(arr []string, idx int) string {
	if idx < 0 || idx >= len(arr) {
		return ""
	}
	return arr[idx]
}
