package db

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pixelmint/internal/billing"
)

// TxManager implements billing.UnitOfWork over a pgx connection pool. Each
// reconciliation unit runs in one database transaction; the repositories
// handed to the callback are bound to that transaction.
//
// Per-account serialization is achieved without any in-process lock:
// subscription and wallet reads inside a unit use SELECT ... FOR UPDATE, so
// two units touching the same account queue up on the row locks, while units
// for different accounts proceed independently. The wallet row is the common
// anchor: units that share no subscription row (two first snapshots for one
// account) still collide on GetOrCreateWallet's locking read. The unique
// constraint on processed_events is the authoritative conflict detector for
// duplicate deliveries.
type TxManager struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewTxManager creates a TxManager backed by the given pool.
func NewTxManager(pool *pgxpool.Pool, logger *slog.Logger) *TxManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TxManager{pool: pool, logger: logger}
}

// InTx begins a transaction, builds transaction-scoped stores, and runs fn.
// The transaction commits only if fn returns nil; any error (including a
// panic, which is re-raised) rolls everything back.
func (m *TxManager) InTx(ctx context.Context, fn func(ctx context.Context, s billing.Stores) error) error {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return dbError("failed to begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	stores := billing.Stores{
		Events: NewProcessedEventRepo(tx, m.logger),
		Subs:   NewSubscriptionRepo(tx, m.logger),
		Ledger: NewWalletRepo(tx, m.logger),
	}

	if err := fn(ctx, stores); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return dbError("failed to commit transaction", err)
	}
	return nil
}

// Compile-time assertion that TxManager satisfies billing.UnitOfWork.
var _ billing.UnitOfWork = (*TxManager)(nil)
