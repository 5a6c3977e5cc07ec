// Package cli provides the startup and shutdown steps shared by
// cmd/ledger-worker and cmd/budget-scheduler.
package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ledger/internal/backend"
	"ledger/internal/cache"
	"ledger/internal/config"
	ledgerlog "ledger/internal/log"
	"ledger/internal/services"
)

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// SetupLogger installs a text logger at the level named by LOG_LEVEL.
func SetupLogger(component string) *slog.Logger {
	logger := ledgerlog.New(ledgerlog.Config{
		Level:     ledgerlog.ParseLevel(os.Getenv("LOG_LEVEL")),
		Component: component,
	})
	ledgerlog.SetDefault(logger)
	return logger.Logger
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *slog.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

// RetryPolicy builds the caller retry policy from configuration.
func RetryPolicy(cfg *config.Config) services.RetryPolicy {
	p := services.DefaultRetryPolicy()
	p.Attempts = uint(cfg.RetryAttempts)
	p.Delay = cfg.RetryDelay
	return p
}

// InitLedger opens the configured store and builds the ledger service on
// top of it, seeding accounts and budgets from BUDGETS_FILE when set.
// It exits the process on failure.
func InitLedger(ctx context.Context, logger *slog.Logger, cfg *config.Config, opts services.Options) *services.LedgerService {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", "error", err)
		os.Exit(1)
	}
	res, err := backend.NewFactory(logger.With(ledgerlog.FieldComponent, ledgerlog.ComponentBackend)).CreateBackend(ctx, bcfg)
	if err != nil {
		logger.Error("Failed to initialize backend", "error", err, "type", bcfg.Type)
		os.Exit(1)
	}

	opts.RateCacheSize = cfg.RateCacheSize
	opts.RateCacheTTL = cfg.RateCacheTTL
	opts.HistoryPeriods = cfg.ForecastHistoryPeriods
	opts.PersistAggregates = res.PersistAggregates
	svc := services.NewLedgerService(res.Store, opts)

	if cfg.BudgetsFile != "" {
		seed, err := config.LoadBudgets(cfg.BudgetsFile)
		if err == nil {
			err = seed.Seed(ctx, svc)
		}
		if err != nil {
			logger.Error("Failed to seed budgets", "error", err, "file", cfg.BudgetsFile)
			svc.Close()
			os.Exit(1)
		}
		logger.Info("Seeded budgets", "file", cfg.BudgetsFile,
			"accounts", len(seed.Accounts), "budgets", len(seed.Budgets))
	}
	return svc
}

// GracefulShutdown returns a context cancelled on SIGINT or SIGTERM. After
// cancellation cleanup runs with a context bounded by timeout; the returned
// channel closes once it has returned.
func GracefulShutdown(logger *slog.Logger, timeout time.Duration, cleanup func(ctx context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()
		if cleanup != nil {
			cleanup(shutdownCtx)
		}
		if shutdownCtx.Err() != nil {
			logger.Warn("Shutdown timeout reached")
		} else {
			logger.Info("Shutdown complete")
		}
		close(done)
	}()

	return ctx, done
}

// StartCacheCleanup registers the ledger's rate cache, when enabled, and
// sweeps expired entries every interval. Stop the returned manager on exit.
func StartCacheCleanup(svc *services.LedgerService, interval time.Duration) *cache.Manager {
	m := cache.NewManager()
	if c := svc.Resolver().Cache(); c != nil {
		m.Register("rates", c)
	}
	m.StartCleanup(interval)
	return m
}
