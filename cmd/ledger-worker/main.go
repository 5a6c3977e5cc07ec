package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"ledger/internal/alerts"
	"ledger/internal/amqp"
	"ledger/internal/cli"
	ledgerlog "ledger/internal/log"
	"ledger/internal/services"
	gsheet "ledger/internal/sheets/google"
	"ledger/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(ledgerlog.ComponentWorker)
	logger.Info("Starting ledger-worker")

	cfg := cli.LoadAndValidateConfig(logger)
	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required for ledger-worker")
		os.Exit(1)
	}

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPAlertRoutingKey)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}

	// Alerts go to the broker and, when a spreadsheet is configured, to its
	// alerts sheet as well.
	publisher := alerts.FanOut{amqpClient}
	if cfg.GoogleSpreadsheetID != "" {
		sheetsClient, err := gsheet.NewFromEnv(context.Background())
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", "error", err)
			os.Exit(1)
		}
		publisher = append(publisher, sheetsClient)
		logger.Info("Logging alerts to Google Sheets", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	}

	ledger := cli.InitLedger(context.Background(), logger, cfg, services.Options{Publisher: publisher})
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Error("Failed to close ledger", "error", err)
		}
	}()

	caches := cli.StartCacheCleanup(ledger, time.Minute)
	defer caches.Stop()

	ledgerWorker := worker.NewLedgerWorker(ledger, cli.RetryPolicy(cfg))

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	if err := amqpClient.ConsumeMessages(ctx, ledgerWorker.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Message consumption failed", "error", err)
		os.Exit(1)
	}
	<-done
	slog.Info("Worker shutdown complete")
}
