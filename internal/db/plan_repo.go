package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pixelmint/internal/billing"
	"pixelmint/internal/types"
)

const planColumns = `id, name, billing_interval, price_ref, credits_per_period,
	trial_days, trial_credits, trial_price_cents, active`

// PlanRepo is the database-backed plan catalog. Plans are read-mostly
// reference data, so lookups run directly against the pool rather than inside
// reconciliation transactions.
type PlanRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPlanRepo creates a PlanRepo backed by the given pool.
func NewPlanRepo(pool *pgxpool.Pool, logger *slog.Logger) *PlanRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanRepo{pool: pool, logger: logger}
}

func scanPlan(row pgx.Row) (*types.Plan, error) {
	var p types.Plan
	err := row.Scan(
		&p.ID, &p.Name, &p.Interval, &p.PriceRef, &p.CreditsPerPeriod,
		&p.TrialDays, &p.TrialCredits, &p.TrialPriceCents, &p.Active,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Resolve returns the plan with the given id. Inactive plans resolve too;
// live subscriptions may still reference them.
func (r *PlanRepo) Resolve(ctx context.Context, planID string) (*types.Plan, error) {
	p, err := scanPlan(r.pool.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = $1`,
		planID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeNotFoundPlan,
				"unknown plan id",
				nil,
				map[string]any{"plan_id": planID},
			)
		}
		return nil, dbError("failed to resolve plan", err)
	}
	return p, nil
}

// ResolveByPrice returns the plan mapped to the given provider price
// reference.
func (r *PlanRepo) ResolveByPrice(ctx context.Context, priceRef string) (*types.Plan, error) {
	p, err := scanPlan(r.pool.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE price_ref = $1`,
		priceRef,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeNotFoundPlan,
				"no plan mapped to price",
				nil,
				map[string]any{"price_ref": priceRef},
			)
		}
		return nil, dbError("failed to resolve plan by price", err)
	}
	return p, nil
}

var _ billing.PlanCatalog = (*PlanRepo)(nil)
