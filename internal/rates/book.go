package rates

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledger/internal/core"
)

// Book is an append-only, in-memory set of rate snapshots.
// It implements Provider and PairChecker and is safe for concurrent use.
type Book struct {
	mu    sync.RWMutex
	pairs map[string][]core.ExchangeRateSnapshot // sorted by Effective
}

var (
	_ Provider    = (*Book)(nil)
	_ PairChecker = (*Book)(nil)
)

func NewBook() *Book {
	return &Book{pairs: make(map[string][]core.ExchangeRateSnapshot)}
}

func pairKey(from, to string) string { return from + "/" + to }

// Record appends a snapshot. Re-recording an identical snapshot is a no-op;
// a different rate at an already-recorded instant is rejected, since past
// snapshots never change.
func (b *Book) Record(s core.ExchangeRateSnapshot) (bool, error) {
	s.From, s.To = core.NormalizeCurrency(s.From), core.NormalizeCurrency(s.To)
	if err := s.Validate(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key := pairKey(s.From, s.To)
	list := b.pairs[key]
	i := sort.Search(len(list), func(i int) bool { return !list[i].Effective.Before(s.Effective) })
	if i < len(list) && list[i].Effective.Equal(s.Effective) {
		if list[i].Rate.Equal(s.Rate) {
			return false, nil
		}
		return false, fmt.Errorf("%w: snapshot %s at %s already recorded with rate %s",
			core.ErrInvalidAmount, key, s.Effective.Format(time.RFC3339), list[i].Rate)
	}
	list = append(list, core.ExchangeRateSnapshot{})
	copy(list[i+1:], list[i:])
	list[i] = s
	b.pairs[key] = list
	return true, nil
}

// GetRate returns the latest snapshot effective at or before asOf.
func (b *Book) GetRate(_ context.Context, from, to string, asOf time.Time) (core.ExchangeRateSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	list := b.pairs[pairKey(from, to)]
	i := sort.Search(len(list), func(i int) bool { return list[i].Effective.After(asOf) })
	if i == 0 {
		return core.ExchangeRateSnapshot{}, fmt.Errorf("%w: %s/%s at %s", core.ErrRateUnavailable, from, to, asOf.Format(time.RFC3339))
	}
	return list[i-1], nil
}

// HasPair reports whether any snapshot was ever recorded for from/to.
func (b *Book) HasPair(_ context.Context, from, to string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pairs[pairKey(from, to)]) > 0, nil
}

// Snapshots returns a copy of the recorded history for from/to.
func (b *Book) Snapshots(from, to string) []core.ExchangeRateSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]core.ExchangeRateSnapshot(nil), b.pairs[pairKey(from, to)]...)
}
