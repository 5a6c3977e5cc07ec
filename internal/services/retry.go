package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/avast/retry-go"

	"ledger/internal/core"
)

// RetryPolicy bounds how often a recoverable failure is retried.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Delay:    500 * time.Millisecond,
		MaxDelay: 10 * time.Second,
	}
}

// Retry runs fn until it succeeds, fails permanently or the policy is
// exhausted. Only errors core.IsRecoverable accepts are retried, with
// exponential backoff between attempts.
func Retry(ctx context.Context, p RetryPolicy, op string, fn func() error) error {
	if p.Attempts == 0 {
		p.Attempts = 1
	}
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(p.Attempts),
		retry.Delay(p.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(core.IsRecoverable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.WarnContext(ctx, "Retrying after recoverable error",
				"operation", op,
				"attempt", n+1,
				"error", err)
		}),
	}
	if p.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(p.MaxDelay))
	}
	return retry.Do(fn, opts...)
}
