package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"google.golang.org/api/googleapi"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"ledger/internal/core"
	ports "ledger/internal/sheets"
)

// Client reads exchange rates from and appends alerts to one spreadsheet.
type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	ratesSheet    string
	alertsSheet   string

	// Sheets quota resets per minute; 429s are retried after retryDelay.
	retryAttempts uint
	retryDelay    time.Duration
}

// Ensure interface conformance
var (
	_ ports.RateReader  = (*Client)(nil)
	_ ports.AlertWriter = (*Client)(nil)
)

// NewFromEnv creates a Sheets client using environment variables.
// Required: GOOGLE_SPREADSHEET_ID
// Optional sheet names: GOOGLE_RATES_SHEET_NAME (default "Rates"),
// GOOGLE_ALERTS_SHEET_NAME (default "Alerts").
func NewFromEnv(ctx context.Context) (*Client, error) {
	spreadsheetID := strings.TrimSpace(os.Getenv("GOOGLE_SPREADSHEET_ID"))
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}

	svc, err := newSheetsService(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return New(svc, spreadsheetID, os.Getenv("GOOGLE_RATES_SHEET_NAME"), os.Getenv("GOOGLE_ALERTS_SHEET_NAME")), nil
}

// New wraps an existing service. Empty sheet names take the defaults.
func New(svc *gsheet.Service, spreadsheetID, ratesSheet, alertsSheet string) *Client {
	ratesSheet = strings.TrimSpace(ratesSheet)
	if ratesSheet == "" {
		ratesSheet = "Rates"
	}
	alertsSheet = strings.TrimSpace(alertsSheet)
	if alertsSheet == "" {
		alertsSheet = "Alerts"
	}
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		ratesSheet:    ratesSheet,
		alertsSheet:   alertsSheet,
		retryAttempts: 3,
		retryDelay:    60 * time.Second,
	}
}

func newSheetsService(ctx context.Context) (*gsheet.Service, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))
	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentialsJSON []byte
	switch {
	case serviceAccountJSON != "":
		slog.InfoContext(ctx, "Using inline service account credentials")
		credentialsJSON = []byte(serviceAccountJSON)
	case serviceAccountFile != "":
		slog.InfoContext(ctx, "Reading service account credentials", "path", serviceAccountFile)
		b, err := os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		credentialsJSON = b
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return service, nil
}

// FetchRates reads every snapshot row of the rates sheet. Malformed rows
// are logged and skipped.
func (c *Client) FetchRates(ctx context.Context) ([]core.ExchangeRateSnapshot, error) {
	rng := fmt.Sprintf("%s!A:D", c.ratesSheet)
	var resp *gsheet.ValueRange
	err := c.withQuotaRetry(ctx, func() error {
		var err error
		resp, err = c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}

	snaps, errs := parseRates(resp.Values)
	if len(snaps) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("parse %s: %w", c.ratesSheet, errors.Join(errs...))
	}
	for _, err := range errs {
		slog.WarnContext(ctx, "Skipping rate row", "sheet", c.ratesSheet, "error", err)
	}
	slog.DebugContext(ctx, "Fetched exchange rates", "sheet", c.ratesSheet, "count", len(snaps))
	return snaps, nil
}

// PublishAlert appends ev as one row of the alerts sheet.
func (c *Client) PublishAlert(ctx context.Context, ev core.AlertEvent) error {
	rng := fmt.Sprintf("%s!A:J", c.alertsSheet)
	vr := &gsheet.ValueRange{Values: [][]interface{}{alertRow(ev)}}
	err := c.withQuotaRetry(ctx, func() error {
		_, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rng, vr).
			ValueInputOption("RAW").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("append alert to %s: %w", c.alertsSheet, err)
	}
	slog.InfoContext(ctx, "Logged budget alert", "sheet", c.alertsSheet, "alert_id", ev.ID)
	return nil
}

func (c *Client) withQuotaRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
				slog.WarnContext(ctx, "Sheets rate limited, will retry", "error", err)
				return true
			}
			return false
		}),
		retry.Attempts(c.retryAttempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}
