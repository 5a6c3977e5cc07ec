package core

import "errors"

var (
	// ErrMalformedRule marks recurrence parameters the expander cannot run.
	ErrMalformedRule = errors.New("malformed recurrence rule")
	// ErrRateUnavailable means no snapshot is known at the evaluation time.
	ErrRateUnavailable = errors.New("exchange rate unavailable")
	// ErrCurrencyMismatch means two currencies have no resolvable pair.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrInsufficientHistory means a forecast was asked for with no data.
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrConcurrentUpdateConflict means another writer won the race on a period.
	ErrConcurrentUpdateConflict = errors.New("concurrent update conflict")

	ErrNotFound           = errors.New("not found")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidBudget      = errors.New("invalid budget")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidPeriod      = errors.New("invalid period")
)

// IsRecoverable reports whether a caller should retry err with backoff.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRateUnavailable) || errors.Is(err, ErrConcurrentUpdateConflict)
}
