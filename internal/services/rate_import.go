package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ledger/internal/core"
)

// RateSource lists rate snapshots published by a market-data collaborator.
// Sources may return snapshots already recorded; they are skipped.
type RateSource interface {
	FetchRates(ctx context.Context) ([]core.ExchangeRateSnapshot, error)
}

// ImportRates records every new snapshot from src and returns how many
// were added. Invalid or conflicting snapshots are logged and skipped so
// one bad row does not block the rest.
func (s *LedgerService) ImportRates(ctx context.Context, src RateSource) (int, error) {
	snaps, err := src.FetchRates(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch rates: %w", err)
	}
	added := 0
	var errs []error
	for _, snap := range snaps {
		ok, err := s.RecordRate(ctx, snap)
		if err != nil {
			slog.WarnContext(ctx, "Skipping rate snapshot",
				"from", snap.From, "to", snap.To, "effective", snap.Effective, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			added++
		}
	}
	if len(snaps) > 0 && len(errs) == len(snaps) {
		return 0, fmt.Errorf("no rate snapshot accepted: %w", errors.Join(errs...))
	}
	return added, nil
}
