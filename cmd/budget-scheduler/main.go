package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"ledger/internal/amqp"
	"ledger/internal/cli"
	ledgerlog "ledger/internal/log"
	"ledger/internal/services"
	gsheet "ledger/internal/sheets/google"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(ledgerlog.ComponentScheduler)
	logger.Info("Starting budget-scheduler")

	cfg := cli.LoadAndValidateConfig(logger)

	opts := services.Options{}
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPAlertRoutingKey)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, alerts will only be stored", "error", err)
		} else {
			opts.Publisher = amqpClient
		}
	}

	ledger := cli.InitLedger(context.Background(), logger, cfg, opts)
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Error("Failed to close ledger", "error", err)
		}
	}()

	caches := cli.StartCacheCleanup(ledger, time.Minute)
	defer caches.Stop()

	schedCfg := services.SchedulerConfig{
		EvalInterval:     cfg.RollingEvalInterval,
		RateSyncInterval: cfg.RateSyncInterval,
		Concurrency:      cfg.SchedulerConcurrency,
		Retry:            cli.RetryPolicy(cfg),
	}

	var rateSource services.RateSource
	if cfg.GoogleSpreadsheetID != "" && cfg.RateSyncInterval > 0 {
		sheetsClient, err := gsheet.NewFromEnv(context.Background())
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", "error", err)
			os.Exit(1)
		}
		rateSource = sheetsClient
		logger.Info("Importing rates from Google Sheets",
			"spreadsheet_id", cfg.GoogleSpreadsheetID,
			"sheet", cfg.GoogleRatesSheetName,
			"interval", cfg.RateSyncInterval)
	} else {
		logger.Info("Rate import disabled - no GOOGLE_SPREADSHEET_ID or RATE_SYNC_INTERVAL")
	}

	scheduler := services.NewRollingScheduler(ledger, rateSource, schedCfg)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := scheduler.Stop(ctx); err != nil {
			logger.Error("Failed to stop scheduler", "error", err)
		}
	})

	if err := scheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Scheduler shutdown complete")
}
