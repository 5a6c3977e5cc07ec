// Package rates resolves point-in-time exchange rates and converts money.
package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"ledger/internal/cache"
	"ledger/internal/core"
)

// InversePrecision is the number of decimal places kept when inverting a rate.
const InversePrecision = 18

type (
	// Provider is the market-data collaborator. GetRate returns the latest
	// snapshot for from/to effective at or before asOf, or an error wrapping
	// core.ErrRateUnavailable.
	Provider interface {
		GetRate(ctx context.Context, from, to string, asOf time.Time) (core.ExchangeRateSnapshot, error)
	}

	// PairChecker is optionally implemented by providers that know which
	// pairs were ever recorded. It lets the resolver tell a permanent
	// currency mismatch from a rate that is merely not known yet.
	PairChecker interface {
		HasPair(ctx context.Context, from, to string) (bool, error)
	}

	// Rate is a resolved conversion rate with its provenance.
	Rate struct {
		From      string
		To        string
		Value     decimal.Decimal
		Effective time.Time
		Inverted  bool
		Identity  bool
	}

	// Conversion is the traceable result of converting one amount.
	Conversion struct {
		Original  core.Money
		Converted core.Money
		Rate      Rate
		AsOf      time.Time
	}
)

// Resolver looks up rates through a Provider, falling back to the inverse
// pair, and caches resolved lookups.
type Resolver struct {
	provider Provider
	cache    *cache.LRUCache[Rate]
	group    singleflight.Group
}

type Option func(*Resolver)

// WithCache enables an LRU cache of resolved rates.
func WithCache(size int, ttl time.Duration) Option {
	return func(r *Resolver) {
		if size > 0 && ttl > 0 {
			r.cache = cache.NewLRUCache[Rate](size, ttl)
		}
	}
}

func NewResolver(provider Provider, opts ...Option) *Resolver {
	r := &Resolver{provider: provider}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cache exposes the rate cache for registration with a cleanup manager.
// It is nil when caching is disabled.
func (r *Resolver) Cache() *cache.LRUCache[Rate] { return r.cache }

// Purge forgets cached lookups. Call it after recording new snapshots.
func (r *Resolver) Purge() {
	if r.cache != nil {
		r.cache.Purge()
	}
}

// Resolve returns the rate converting from into to as of asOf.
func (r *Resolver) Resolve(ctx context.Context, from, to string, asOf time.Time) (Rate, error) {
	from, to = core.NormalizeCurrency(from), core.NormalizeCurrency(to)
	if from == to {
		return Rate{From: from, To: to, Value: decimal.NewFromInt(1), Identity: true}, nil
	}

	key := from + "/" + to + "@" + asOf.UTC().Format(time.RFC3339Nano)
	if r.cache != nil {
		if rate, ok := r.cache.Get(key); ok {
			return rate, nil
		}
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.lookup(ctx, from, to, asOf)
	})
	if err != nil {
		return Rate{}, err
	}
	rate := v.(Rate)
	if r.cache != nil {
		r.cache.Set(key, rate)
	}
	return rate, nil
}

func (r *Resolver) lookup(ctx context.Context, from, to string, asOf time.Time) (Rate, error) {
	snap, err := r.fetch(ctx, from, to, asOf)
	if err == nil {
		return Rate{From: from, To: to, Value: snap.Rate, Effective: snap.Effective}, nil
	}
	if !errors.Is(err, core.ErrRateUnavailable) {
		return Rate{}, err
	}

	snap, err = r.fetch(ctx, to, from, asOf)
	if err == nil {
		inv := decimal.NewFromInt(1).DivRound(snap.Rate, InversePrecision)
		slog.DebugContext(ctx, "Resolved rate from inverse pair",
			"from", from, "to", to, "effective", snap.Effective, "rate", inv.String())
		return Rate{From: from, To: to, Value: inv, Effective: snap.Effective, Inverted: true}, nil
	}
	if !errors.Is(err, core.ErrRateUnavailable) {
		return Rate{}, err
	}

	if known, kerr := r.knownPair(ctx, from, to); kerr != nil {
		return Rate{}, kerr
	} else if !known {
		return Rate{}, fmt.Errorf("%w: no rate ever recorded for %s/%s", core.ErrCurrencyMismatch, from, to)
	}
	return Rate{}, fmt.Errorf("%w: %s/%s as of %s", core.ErrRateUnavailable, from, to, asOf.Format(time.RFC3339))
}

// fetch asks the provider for a snapshot and rejects any from the future.
func (r *Resolver) fetch(ctx context.Context, from, to string, asOf time.Time) (core.ExchangeRateSnapshot, error) {
	snap, err := r.provider.GetRate(ctx, from, to, asOf)
	if err != nil {
		return core.ExchangeRateSnapshot{}, err
	}
	if snap.Effective.After(asOf) {
		slog.WarnContext(ctx, "Provider returned a future snapshot, ignoring",
			"from", from, "to", to, "as_of", asOf, "effective", snap.Effective)
		return core.ExchangeRateSnapshot{}, fmt.Errorf("%w: only future snapshots for %s/%s", core.ErrRateUnavailable, from, to)
	}
	if !snap.Rate.IsPositive() {
		return core.ExchangeRateSnapshot{}, fmt.Errorf("%w: non-positive rate for %s/%s", core.ErrRateUnavailable, from, to)
	}
	return snap, nil
}

// knownPair reports whether either direction of the pair was ever recorded.
// Providers without PairChecker are assumed to know every pair.
func (r *Resolver) knownPair(ctx context.Context, from, to string) (bool, error) {
	pc, ok := r.provider.(PairChecker)
	if !ok {
		return true, nil
	}
	for _, p := range [][2]string{{from, to}, {to, from}} {
		known, err := pc.HasPair(ctx, p[0], p[1])
		if err != nil {
			return false, fmt.Errorf("check pair %s/%s: %w", p[0], p[1], err)
		}
		if known {
			return true, nil
		}
	}
	return false, nil
}

// Convert converts m into currency to as of asOf. The result is rounded once,
// half-to-even, to the target currency's minor unit.
func (r *Resolver) Convert(ctx context.Context, m core.Money, to string, asOf time.Time) (Conversion, error) {
	rate, err := r.Resolve(ctx, m.Currency, to, asOf)
	if err != nil {
		return Conversion{}, err
	}
	converted := core.NewMoney(m.Amount.Mul(rate.Value), to).Round()
	return Conversion{Original: m, Converted: converted, Rate: rate, AsOf: asOf}, nil
}
