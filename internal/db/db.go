// Package db provides PostgreSQL-backed repository implementations for the
// PixelMint billing core. All repositories accept a DBTX interface that is
// satisfied by both *pgxpool.Pool (for normal queries) and pgx.Tx (for
// transactional execution), enabling clean transaction support.
//
// Tables: plans, subscriptions, wallets, credit_transactions,
// processed_events. credit_transactions is append-only and never deleted;
// processed_events rows are immutable once written, but the sweeper may
// prune them past the provider's redelivery window.
package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pixelmint/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// Repositories accept this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgreSQL SQLSTATEs the repositories classify structurally.
const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// isUniqueViolation detects "row already exists" structurally via the
// driver's typed error, never by inspecting message text.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// isSerializationConflict detects the lock-contention SQLSTATEs Postgres
// raises when a unit loses a concurrent-access race (serialization failure
// or deadlock victim). These units did not fail; they need a rerun.
func isSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected
}

// dbError wraps a driver error in the matching AppError: serialization
// conflicts become the retryable concurrent-modification code so event
// redelivery reruns the unit; everything else is an internal database error.
func dbError(message string, err error) error {
	if isSerializationConflict(err) {
		return types.NewAppError(types.ErrCodeConflictConcurrent, message, err)
	}
	return types.NewAppError(types.ErrCodeInternalDB, message, err)
}
