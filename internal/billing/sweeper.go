package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweepStats summarizes one sweep run.
type SweepStats struct {
	Examined int
	Applied  int
	Failed   int
}

// Sweeper periodically re-invokes the reconciler's reset policy for active
// subscriptions, covering billing intervals that produce no provider event
// (an annual plan still gets monthly credit resets). It is a trusted internal
// caller: it bypasses the ingress gate's authenticity check but never the
// ledger invariants, because each reset runs through the same atomic unit
// the reconciler uses.
//
// The Sweeper is an explicit component with Start/Stop; it is constructed
// with an injected Reconciler and is independent of whether it shares a
// process with the event endpoint.
type Sweeper struct {
	source      SweepSource
	reconciler  *Reconciler
	pruner      EventPruner
	retention   time.Duration
	interval    time.Duration
	concurrency int
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// SweeperConfig holds the configuration for creating a Sweeper.
type SweeperConfig struct {
	Source      SweepSource
	Reconciler  *Reconciler
	Interval    time.Duration
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time // test override; defaults to time.Now UTC

	// Pruner and EventRetention enable the retention pass: after each sweep,
	// processed-event records older than now-EventRetention are deleted. A
	// zero retention (the default) disables pruning entirely and the
	// idempotency table stays append-only.
	Pruner         EventPruner
	EventRetention time.Duration
}

// NewSweeper creates a Sweeper with the given configuration.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		source:      cfg.Source,
		reconciler:  cfg.Reconciler,
		pruner:      cfg.Pruner,
		retention:   cfg.EventRetention,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger,
		now:         now,
	}
}

// Start launches the sweep loop in a background goroutine. The first sweep
// runs one full interval after Start. Calling Start on a running Sweeper is
// a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(ctx, s.stopCh, s.doneCh)
	s.logger.Info("credit reset sweeper started", "interval", s.interval.String())
}

// Stop terminates the sweep loop and waits for an in-flight sweep to finish.
// Calling Stop on a stopped Sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh, s.doneCh = nil, nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
	s.logger.Info("credit reset sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, s.now()); err != nil {
				s.logger.ErrorContext(ctx, "sweep run failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single sweep: list active subscriptions with a recorded
// last reset, and re-run the reset policy for each. The listing is a cheap
// pre-filter; the authoritative due check happens inside the reconciler's
// atomic unit, under the row lock, so a webhook renewal racing the sweep
// cannot double-grant.
//
// Accounts are swept concurrently up to the configured bound; a failure on
// one subscription does not stop the sweep.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (SweepStats, error) {
	candidates, err := s.source.ListResetCandidates(ctx)
	if err != nil {
		return SweepStats{}, err
	}

	var (
		mu    sync.Mutex
		stats = SweepStats{Examined: len(candidates)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, sub := range candidates {
		sub := sub
		g.Go(func() error {
			applied, err := s.reconciler.ApplyScheduledReset(gctx, sub.ID, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				s.logger.ErrorContext(gctx, "scheduled reset failed",
					"subscription_id", sub.ID,
					"account_id", sub.AccountID,
					"error", err,
				)
				return nil // keep sweeping
			}
			if applied {
				stats.Applied++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.InfoContext(ctx, "sweep completed",
		"examined", stats.Examined,
		"applied", stats.Applied,
		"failed", stats.Failed,
	)

	s.pruneProcessedEvents(ctx, now)
	return stats, nil
}

// pruneProcessedEvents deletes idempotency records older than the configured
// retention window. Disabled unless both a pruner and a positive retention
// are configured; a prune failure is logged and never fails the sweep.
func (s *Sweeper) pruneProcessedEvents(ctx context.Context, now time.Time) {
	if s.pruner == nil || s.retention <= 0 {
		return
	}
	cutoff := now.Add(-s.retention)
	pruned, err := s.pruner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "processed-event prune failed", "cutoff", cutoff, "error", err)
		return
	}
	if pruned > 0 {
		s.logger.InfoContext(ctx, "processed events pruned", "cutoff", cutoff, "deleted", pruned)
	}
}
