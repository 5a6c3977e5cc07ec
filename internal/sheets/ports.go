package sheets

import (
	"context"

	"ledger/internal/core"
)

// Ports for outbound spreadsheet adapters.
type (
	// RateReader lists the rate snapshots published on a market-data sheet.
	RateReader interface {
		FetchRates(ctx context.Context) ([]core.ExchangeRateSnapshot, error)
	}

	// AlertWriter appends fired alerts to a log sheet.
	AlertWriter interface {
		PublishAlert(ctx context.Context, ev core.AlertEvent) error
	}
)
