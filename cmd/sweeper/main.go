// Package main is the entrypoint for the periodic credit reset sweeper.
//
// The sweeper is the safety net for accounts whose renewal webhooks were
// missed: it periodically lists active subscriptions and re-runs the reset
// policy for each through the reconciler's atomic unit. It runs as a
// long-lived daemon by default; -once performs a single sweep and exits,
// optionally at an overridden reference time for deterministic backfills.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pixelmint/internal/billing"
	"pixelmint/internal/config"
	"pixelmint/internal/db"
	"pixelmint/internal/external"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	once := flag.Bool("once", false, "run a single sweep and exit")
	at := flag.String("at", "", "reference time for -once, RFC 3339 (default: now)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("pixelmint sweeper starting",
		"environment", cfg.Environment,
		"interval", cfg.Sweeper.Interval.String(),
		"concurrency", cfg.Sweeper.Concurrency,
	)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	uow := db.NewTxManager(pool, logger)
	catalog := db.NewPlanRepo(pool, logger)
	provider := newProvider(cfg, logger)
	reconciler := billing.NewReconciler(uow, catalog, provider, logger)

	// The candidate listing runs at pool level, outside any transaction.
	source := db.NewSubscriptionRepo(pool, logger)

	sweeper := billing.NewSweeper(billing.SweeperConfig{
		Source:         source,
		Reconciler:     reconciler,
		Interval:       cfg.Sweeper.Interval,
		Concurrency:    cfg.Sweeper.Concurrency,
		Logger:         logger,
		Pruner:         db.NewProcessedEventRepo(pool, logger),
		EventRetention: cfg.Sweeper.EventRetention,
	})

	if *once {
		now := time.Now().UTC()
		if *at != "" {
			now, err = time.Parse(time.RFC3339, *at)
			if err != nil {
				return fmt.Errorf("invalid -at value %q: %w", *at, err)
			}
			now = now.UTC()
		}
		stats, err := sweeper.RunOnce(ctx, now)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		logger.Info("sweep complete",
			"examined", stats.Examined,
			"applied", stats.Applied,
			"failed", stats.Failed,
		)
		return nil
	}

	sweeper.Start(ctx)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info("shutdown signal received", "signal", sig.String())

	sweeper.Stop()
	logger.Info("sweeper stopped cleanly")
	return nil
}

// newProvider selects the Stripe client, or the logging stub in local/test
// mode.
func newProvider(cfg *config.Config, logger *slog.Logger) billing.PaymentProvider {
	if cfg.IsTestMode || cfg.Environment == "local" {
		return external.NewStubPaymentProvider(logger)
	}
	return external.NewStripeClient(
		&http.Client{Timeout: cfg.Billing.ProviderTimeout},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			Logger:    logger,
		},
	)
}
