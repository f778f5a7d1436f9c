package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"pixelmint/internal/types"
)

// subColumns is the canonical column list scanned into types.Subscription.
const subColumns = `id, account_id, plan_id, external_ref, customer_ref, status,
	current_period_start, current_period_end, last_credit_reset, created_at, updated_at`

// SubscriptionRepo manages subscription aggregate rows. It implements
// billing.SubscriptionStore (transaction-scoped reads lock rows FOR UPDATE)
// and billing.SweepSource (pool-level candidate listing).
//
// Rows are never deleted: terminal states are retained for audit.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.ID, &s.AccountID, &s.PlanID, &s.ExternalRef, &s.CustomerRef, &s.Status,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.LastCreditReset, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, dbError("failed to scan subscription", err)
	}
	return &s, nil
}

// GetByExternalRef returns the subscription with the given provider-side id,
// or nil if none exists. The row is locked for the duration of the enclosing
// transaction, serializing concurrent reconciliation units for the same
// subscription.
func (r *SubscriptionRepo) GetByExternalRef(ctx context.Context, externalRef string) (*types.Subscription, error) {
	return scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE external_ref = $1 FOR UPDATE`,
		externalRef,
	))
}

// GetByID returns the subscription with the given local id, or nil.
// Locks the row like GetByExternalRef.
func (r *SubscriptionRepo) GetByID(ctx context.Context, id string) (*types.Subscription, error) {
	return scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`,
		id,
	))
}

// ListLive returns the account's subscriptions with a live status, locked
// FOR UPDATE so the single-live-subscription check cannot race a concurrent
// creation for the same account.
func (r *SubscriptionRepo) ListLive(ctx context.Context, accountID string) ([]types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subColumns+` FROM subscriptions
		 WHERE account_id = $1 AND status IN ('active', 'trialing')
		 ORDER BY created_at
		 FOR UPDATE`,
		accountID,
	)
	if err != nil {
		return nil, dbError("failed to list live subscriptions", err)
	}
	defer rows.Close()

	var subs []types.Subscription
	for rows.Next() {
		var s types.Subscription
		if err := rows.Scan(
			&s.ID, &s.AccountID, &s.PlanID, &s.ExternalRef, &s.CustomerRef, &s.Status,
			&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.LastCreditReset, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, dbError("failed to scan subscription row", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("failed to iterate subscriptions", err)
	}
	return subs, nil
}

// GetLiveByCustomerRef returns the live subscription tied to the given
// provider-side customer id, or nil if none exists.
func (r *SubscriptionRepo) GetLiveByCustomerRef(ctx context.Context, customerRef string) (*types.Subscription, error) {
	return scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subColumns+` FROM subscriptions
		 WHERE customer_ref = $1 AND status IN ('active', 'trialing')
		 ORDER BY created_at DESC
		 LIMIT 1
		 FOR UPDATE`,
		customerRef,
	))
}

// Create inserts a new subscription row. A concurrent insert for the same
// external_ref surfaces as a structured conflict error via the unique
// constraint, which the reconciliation retry resolves through the normal
// update path.
func (r *SubscriptionRepo) Create(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions
		   (id, account_id, plan_id, external_ref, customer_ref, status,
		    current_period_start, current_period_end, last_credit_reset, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sub.ID, sub.AccountID, sub.PlanID, sub.ExternalRef, sub.CustomerRef, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.LastCreditReset, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppErrorWithDetails(
				types.ErrCodeConflictRowExists,
				"subscription already exists",
				err,
				map[string]any{"external_ref": sub.ExternalRef},
			)
		}
		return dbError("failed to create subscription", err)
	}
	return nil
}

// Update persists mutations to an existing subscription row.
func (r *SubscriptionRepo) Update(ctx context.Context, sub *types.Subscription) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET plan_id = $1,
		     status = $2,
		     current_period_start = $3,
		     current_period_end = $4,
		     last_credit_reset = $5,
		     updated_at = $6
		 WHERE id = $7`,
		sub.PlanID, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.LastCreditReset, sub.UpdatedAt, sub.ID,
	)
	if err != nil {
		return dbError("failed to update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// ListResetCandidates returns subscriptions with status=active and a
// recorded last reset, for the periodic sweeper. This read runs at pool
// level without locks; the sweeper re-checks due-ness inside the
// reconciliation unit.
func (r *SubscriptionRepo) ListResetCandidates(ctx context.Context) ([]types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subColumns+` FROM subscriptions
		 WHERE status = 'active' AND last_credit_reset IS NOT NULL
		 ORDER BY last_credit_reset`,
	)
	if err != nil {
		return nil, dbError("failed to list reset candidates", err)
	}
	defer rows.Close()

	var subs []types.Subscription
	for rows.Next() {
		var s types.Subscription
		if err := rows.Scan(
			&s.ID, &s.AccountID, &s.PlanID, &s.ExternalRef, &s.CustomerRef, &s.Status,
			&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.LastCreditReset, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, dbError("failed to scan subscription row", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("failed to iterate reset candidates", err)
	}
	return subs, nil
}
