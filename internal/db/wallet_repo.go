package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"pixelmint/internal/types"
)

// WalletRepo manages wallet balances and the append-only credit ledger. It
// implements billing.LedgerStore.
//
// Key invariant: every mutation of wallets.balance_credits happens in the
// same statement sequence as an accompanying credit_transactions insert; no
// code path changes a balance without a matching ledger entry. The wallet
// balance is a materialized view of the ledger, never an independent source
// of truth.
type WalletRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewWalletRepo creates a WalletRepo backed by the given database connection
// (pool or transaction). Mutating methods must run inside a transaction so
// the ledger insert and the balance update commit atomically.
func NewWalletRepo(db DBTX, logger *slog.Logger) *WalletRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &WalletRepo{db: db, logger: logger}
}

// GetOrCreateWallet returns the account's wallet, creating an empty one on
// first reference. The returned row is locked FOR UPDATE, which serializes
// all ledger mutations for the account for the rest of the transaction.
func (r *WalletRepo) GetOrCreateWallet(ctx context.Context, accountID string) (*types.Wallet, error) {
	// Conditional insert first: a loser of a concurrent create simply
	// affects zero rows and falls through to the locking read.
	_, err := r.db.Exec(ctx,
		`INSERT INTO wallets (account_id, balance_credits, lifetime_added, lifetime_spent, updated_at)
		 VALUES ($1, 0, 0, 0, $2)
		 ON CONFLICT (account_id) DO NOTHING`,
		accountID,
		time.Now().UTC(),
	)
	if err != nil {
		return nil, dbError("failed to create wallet", err)
	}

	var w types.Wallet
	err = r.db.QueryRow(ctx,
		`SELECT account_id, balance_credits, lifetime_added, lifetime_spent, updated_at
		 FROM wallets WHERE account_id = $1 FOR UPDATE`,
		accountID,
	).Scan(&w.AccountID, &w.Balance, &w.LifetimeAdded, &w.LifetimeSpent, &w.UpdatedAt)
	if err != nil {
		return nil, dbError("failed to load wallet", err)
	}
	return &w, nil
}

// ResetBalanceTo sets the wallet to an exact target balance via one
// computed-delta transaction. This is the primitive behind every
// "grant full allotment" and "revoke all" action: a reset never issues a
// sequence of independent adds and subtracts.
//
// A zero delta appends nothing and returns nil: the wallet is already at
// the target, and a zero-amount ledger row would be noise.
func (r *WalletRepo) ResetBalanceTo(ctx context.Context, accountID string, target int64, reason types.CreditReason) (*types.CreditTransaction, error) {
	wallet, err := r.GetOrCreateWallet(ctx, accountID)
	if err != nil {
		return nil, err
	}

	delta := target - wallet.Balance
	if delta == 0 {
		return nil, nil
	}

	txn := &types.CreditTransaction{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    delta,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.appendTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if err := r.applyDelta(ctx, accountID, delta, target); err != nil {
		return nil, err
	}
	return txn, nil
}

// Spend appends a debit transaction and decrements the balance. The balance
// can never go negative: a spend beyond the current balance fails with an
// insufficient-credits error and writes nothing.
func (r *WalletRepo) Spend(ctx context.Context, accountID string, amount int64, reason types.CreditReason) (*types.CreditTransaction, error) {
	if amount <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "spend amount must be positive", nil)
	}

	wallet, err := r.GetOrCreateWallet(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if amount > wallet.Balance {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeInsufficientCredits,
			"spend exceeds available credits",
			nil,
			map[string]any{
				"account_id": accountID,
				"requested":  amount,
				"available":  wallet.Balance,
			},
		)
	}

	txn := &types.CreditTransaction{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    -amount,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.appendTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if err := r.applyDelta(ctx, accountID, -amount, wallet.Balance-amount); err != nil {
		return nil, err
	}
	return txn, nil
}

// Add appends an additive grant. When correlationID is non-empty the grant
// is idempotent: if a transaction with that correlation id already exists
// for the account, the prior transaction is returned and nothing is written.
// This protects manual and administrative grants from duplicate execution.
func (r *WalletRepo) Add(ctx context.Context, accountID string, amount int64, reason types.CreditReason, correlationID string) (*types.CreditTransaction, error) {
	if amount <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "grant amount must be positive", nil)
	}

	wallet, err := r.GetOrCreateWallet(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if correlationID != "" {
		prior, err := r.getByCorrelationID(ctx, accountID, correlationID)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return prior, nil
		}
	}

	txn := &types.CreditTransaction{
		ID:            uuid.New().String(),
		AccountID:     accountID,
		Amount:        amount,
		Reason:        reason,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.appendTransaction(ctx, txn); err != nil {
		// A correlation-id race: another writer inserted the same grant
		// between our check and insert. Return theirs.
		var appErr *types.AppError
		if correlationID != "" && errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictRowExists {
			return r.getByCorrelationID(ctx, accountID, correlationID)
		}
		return nil, err
	}
	if err := r.applyDelta(ctx, accountID, amount, wallet.Balance+amount); err != nil {
		return nil, err
	}
	return txn, nil
}

// ListTransactions returns the account's ledger entries, newest first.
// Read-only; used by audit and reconciliation tooling.
func (r *WalletRepo) ListTransactions(ctx context.Context, accountID string, limit int) ([]types.CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, account_id, amount, reason, COALESCE(correlation_id, ''), created_at
		 FROM credit_transactions
		 WHERE account_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, dbError("failed to list credit transactions", err)
	}
	defer rows.Close()

	var txns []types.CreditTransaction
	for rows.Next() {
		var t types.CreditTransaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.Reason, &t.CorrelationID, &t.CreatedAt); err != nil {
			return nil, dbError("failed to scan credit transaction", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("failed to iterate credit transactions", err)
	}
	return txns, nil
}

// appendTransaction inserts one immutable ledger row.
func (r *WalletRepo) appendTransaction(ctx context.Context, txn *types.CreditTransaction) error {
	var correlation any
	if txn.CorrelationID != "" {
		correlation = txn.CorrelationID
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO credit_transactions (id, account_id, amount, reason, correlation_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		txn.ID, txn.AccountID, txn.Amount, txn.Reason, correlation, txn.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppErrorWithDetails(
				types.ErrCodeConflictRowExists,
				"credit transaction already exists",
				err,
				map[string]any{"account_id": txn.AccountID, "correlation_id": txn.CorrelationID},
			)
		}
		return dbError("failed to append credit transaction", err)
	}
	return nil
}

// applyDelta updates the materialized balance and lifetime counters to match
// the ledger entry just appended.
func (r *WalletRepo) applyDelta(ctx context.Context, accountID string, delta int64, newBalance int64) error {
	added, spent := delta, int64(0)
	if delta < 0 {
		added, spent = 0, -delta
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE wallets
		 SET balance_credits = $1,
		     lifetime_added = lifetime_added + $2,
		     lifetime_spent = lifetime_spent + $3,
		     updated_at = $4
		 WHERE account_id = $5`,
		newBalance, added, spent, time.Now().UTC(), accountID,
	)
	if err != nil {
		return dbError("failed to update wallet balance", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundWallet, "wallet not found", nil)
	}
	return nil
}

func (r *WalletRepo) getByCorrelationID(ctx context.Context, accountID, correlationID string) (*types.CreditTransaction, error) {
	var t types.CreditTransaction
	err := r.db.QueryRow(ctx,
		`SELECT id, account_id, amount, reason, COALESCE(correlation_id, ''), created_at
		 FROM credit_transactions
		 WHERE account_id = $1 AND correlation_id = $2`,
		accountID, correlationID,
	).Scan(&t.ID, &t.AccountID, &t.Amount, &t.Reason, &t.CorrelationID, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, dbError("failed to look up correlated transaction", err)
	}
	return &t, nil
}
