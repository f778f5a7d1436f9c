package db

import (
	"context"
	"log/slog"
	"time"
)

// ProcessedEventRepo manages the append-only idempotency records for
// external lifecycle events. It implements billing.EventStore.
type ProcessedEventRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewProcessedEventRepo creates a ProcessedEventRepo backed by the given
// database connection (pool or transaction).
func NewProcessedEventRepo(db DBTX, logger *slog.Logger) *ProcessedEventRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessedEventRepo{db: db, logger: logger}
}

// MarkProcessed conditionally inserts the event id. The unique constraint on
// external_event_id is the source of truth for "already handled": a
// conflicting insert affects zero rows and returns false, with no error.
// Inside a reconciliation transaction this also serializes concurrent
// deliveries of the same event, since the second inserter blocks on the
// first one's uncommitted row.
func (r *ProcessedEventRepo) MarkProcessed(ctx context.Context, externalEventID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO processed_events (external_event_id, processed_at)
		 VALUES ($1, $2)
		 ON CONFLICT (external_event_id) DO NOTHING`,
		externalEventID,
		time.Now().UTC(),
	)
	if err != nil {
		return false, dbError("failed to record processed event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteOlderThan removes idempotency records past their usefulness (the
// provider's redelivery window is days, not months). Called by the sweeper's
// retention pass when one is configured, never by the reconciler.
func (r *ProcessedEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, dbError("failed to prune processed events", err)
	}
	return tag.RowsAffected(), nil
}
