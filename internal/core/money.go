// Package core provides the ledger's domain types and money handling.
//
// This file contains the Money value type: a decimal amount tagged with an
// ISO-4217 currency code, plus parsing and minor-unit rounding helpers.
package core

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a precise signed amount in a single currency.
// Positive amounts are income, negative amounts are expenses.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// minorUnitExceptions lists currencies whose minor unit is not 2 digits.
var minorUnitExceptions = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "UYI": 0, "VND": 0, "VUV": 0,
	"XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// MinorUnits returns the number of fractional digits used by a currency.
func MinorUnits(currency string) int32 {
	if d, ok := minorUnitExceptions[NormalizeCurrency(currency)]; ok {
		return d
	}
	return 2
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// ValidCurrency reports whether code looks like an ISO-4217 alphabetic code.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// NewMoney builds a Money from a decimal amount.
func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: NormalizeCurrency(currency)}
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return NewMoney(decimal.Zero, currency)
}

// ParseMoney parses a decimal string such as "-12.34" or "12,34".
//
// The amount is kept at the precision given; callers that need a
// minor-unit value call Round explicitly.
func ParseMoney(s, currency string) (Money, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return Money{}, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	cur := NormalizeCurrency(currency)
	if !ValidCurrency(cur) {
		return Money{}, fmt.Errorf("%w: currency %q", ErrInvalidAmount, currency)
	}
	return Money{Amount: d, Currency: cur}, nil
}

// MustParseMoney is ParseMoney for literals known to be valid.
func MustParseMoney(s, currency string) Money {
	m, err := ParseMoney(s, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Round rounds to the currency's minor unit using round-half-to-even.
func (m Money) Round() Money {
	return Money{Amount: m.Amount.RoundBank(MinorUnits(m.Currency)), Currency: m.Currency}
}

// Add returns m+o. Both amounts must share a currency.
func (m Money) Add(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, fmt.Errorf("%w: add %s to %s", ErrCurrencyMismatch, o.Currency, m.Currency)
	}
	return Money{Amount: m.Amount.Add(o.Amount), Currency: m.Currency}, nil
}

// Sub returns m-o. Both amounts must share a currency.
func (m Money) Sub(o Money) (Money, error) {
	return m.Add(o.Neg())
}

// Neg flips the sign.
func (m Money) Neg() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

// Mul scales the amount without rounding.
func (m Money) Mul(f decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(f), Currency: m.Currency}
}

// Cmp compares the amounts of m and o, which must share a currency.
func (m Money) Cmp(o Money) int {
	return m.Amount.Cmp(o.Amount)
}

func (m Money) IsZero() bool     { return m.Amount.IsZero() }
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }

// Equal reports whether both currency and amount match.
func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount.Equal(o.Amount)
}

// String renders the amount at its currency precision, e.g. "-12.30 EUR".
func (m Money) String() string {
	return m.Amount.StringFixedBank(MinorUnits(m.Currency)) + " " + m.Currency
}

func (m Money) Validate() error {
	if !ValidCurrency(m.Currency) {
		return fmt.Errorf("%w: currency %q", ErrInvalidAmount, m.Currency)
	}
	return nil
}
