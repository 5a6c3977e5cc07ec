package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SchedulerConfig holds configuration for the rolling scheduler
type SchedulerConfig struct {
	// EvalInterval is how often rolling budgets are re-evaluated (default: 24h)
	EvalInterval time.Duration

	// RateSyncInterval is how often rates are imported (default: 1h).
	// Ignored without a rate source.
	RateSyncInterval time.Duration

	// Concurrency caps how many accounts are evaluated at once (default: 4)
	Concurrency int

	Retry RetryPolicy
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		EvalInterval:     24 * time.Hour,
		RateSyncInterval: time.Hour,
		Concurrency:      4,
		Retry:            DefaultRetryPolicy(),
	}
}

// RunSummary reports one evaluation pass.
type RunSummary struct {
	Accounts int
	Budgets  int
	Failed   int
}

// RollingScheduler re-evaluates rolling budget windows as days pass and
// keeps the rate book fed from an optional rate source.
type RollingScheduler struct {
	ledger *LedgerService
	rates  RateSource
	config SchedulerConfig
	now    func() time.Time

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewRollingScheduler(ledger *LedgerService, rates RateSource, config SchedulerConfig) *RollingScheduler {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &RollingScheduler{
		ledger: ledger,
		rates:  rates,
		config: config,
		now:    ledger.now,
	}
}

// Start begins the scheduling loop. Returns an error if already running.
func (s *RollingScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("rolling scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.runLoop(ctx)

	slog.InfoContext(ctx, "Rolling scheduler started",
		"eval_interval", s.config.EvalInterval,
		"rate_sync_interval", s.config.RateSyncInterval,
		"concurrency", s.config.Concurrency,
		"rate_source", s.rates != nil)
	return nil
}

// Stop signals the loop and waits for the current pass to finish.
func (s *RollingScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
		slog.InfoContext(ctx, "Rolling scheduler stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Rolling scheduler stop timed out")
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *RollingScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *RollingScheduler) runLoop(ctx context.Context) {
	defer close(s.doneCh)

	evalTicker := time.NewTicker(s.config.EvalInterval)
	defer evalTicker.Stop()

	// A nil channel never fires, so the rate job is off without a source.
	var rateTick <-chan time.Time
	if s.rates != nil && s.config.RateSyncInterval > 0 {
		rateTicker := time.NewTicker(s.config.RateSyncInterval)
		defer rateTicker.Stop()
		rateTick = rateTicker.C
		s.syncRates(ctx)
	}

	s.evaluate(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-evalTicker.C:
			s.evaluate(ctx)
		case <-rateTick:
			s.syncRates(ctx)
		}
	}
}

func (s *RollingScheduler) evaluate(ctx context.Context) {
	asOf := s.now()
	summary, err := s.RunOnce(ctx, asOf)
	if err != nil {
		slog.ErrorContext(ctx, "Rolling evaluation finished with errors",
			"accounts", summary.Accounts,
			"failed", summary.Failed,
			"error", err)
		return
	}
	slog.InfoContext(ctx, "Rolling evaluation complete",
		"accounts", summary.Accounts,
		"budgets", summary.Budgets,
		"as_of", asOf.Format(time.DateOnly))
}

func (s *RollingScheduler) syncRates(ctx context.Context) {
	added, err := s.ledger.ImportRates(ctx, s.rates)
	if err != nil {
		slog.ErrorContext(ctx, "Rate import failed", "error", err)
		return
	}
	slog.InfoContext(ctx, "Rate import complete", "added", added)
}

// RunOnce refreshes the rolling budgets of every account as of asOf.
// Accounts run concurrently and fail independently; the returned error
// joins every account failure.
func (s *RollingScheduler) RunOnce(ctx context.Context, asOf time.Time) (RunSummary, error) {
	accounts, err := s.ledger.ListAccounts(ctx)
	if err != nil {
		return RunSummary{}, fmt.Errorf("list accounts: %w", err)
	}

	var (
		mu      sync.Mutex
		summary = RunSummary{Accounts: len(accounts)}
		errs    []error
	)
	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)
	for _, acct := range accounts {
		g.Go(func() error {
			var n int
			err := Retry(ctx, s.config.Retry, "refresh_budgets", func() error {
				var err error
				n, err = s.ledger.RefreshBudgets(ctx, acct.ID, asOf)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				errs = append(errs, fmt.Errorf("account %s: %w", acct.ID, err))
				slog.ErrorContext(ctx, "Failed to refresh rolling budgets",
					"account_id", acct.ID, "error", err)
				return nil
			}
			summary.Budgets += n
			return nil
		})
	}
	_ = g.Wait()
	return summary, errors.Join(errs...)
}
