package billing

import (
	"context"
	"errors"

	"pixelmint/internal/types"
)

// PlanCatalog is the read-mostly lookup the reconciler resolves plans
// through. Resolution prefers an explicit plan id carried in event metadata
// and falls back to the provider-side price reference.
type PlanCatalog interface {
	// Resolve returns the plan with the given id, or a not-found error.
	Resolve(ctx context.Context, planID string) (*types.Plan, error)

	// ResolveByPrice returns the plan mapped to the given provider price
	// reference, or a not-found error.
	ResolveByPrice(ctx context.Context, priceRef string) (*types.Plan, error)
}

// staticPlanCatalog is a compile-time catalog backed by in-memory maps. It is
// the standard implementation for local/test mode, where no database-backed
// catalog is available.
type staticPlanCatalog struct {
	byID    map[string]types.Plan
	byPrice map[string]types.Plan
}

// NewStaticPlanCatalog returns a PlanCatalog over the given plans. Inactive
// plans are resolvable (live subscriptions may still reference them); only
// lookup misses fail.
func NewStaticPlanCatalog(plans []types.Plan) PlanCatalog {
	c := &staticPlanCatalog{
		byID:    make(map[string]types.Plan, len(plans)),
		byPrice: make(map[string]types.Plan, len(plans)),
	}
	for _, p := range plans {
		c.byID[p.ID] = p
		if p.PriceRef != "" {
			c.byPrice[p.PriceRef] = p
		}
	}
	return c
}

func (c *staticPlanCatalog) Resolve(_ context.Context, planID string) (*types.Plan, error) {
	if p, ok := c.byID[planID]; ok {
		return &p, nil
	}
	return nil, types.NewAppErrorWithDetails(
		types.ErrCodeNotFoundPlan,
		"unknown plan id",
		nil,
		map[string]any{"plan_id": planID},
	)
}

func (c *staticPlanCatalog) ResolveByPrice(_ context.Context, priceRef string) (*types.Plan, error) {
	if p, ok := c.byPrice[priceRef]; ok {
		return &p, nil
	}
	return nil, types.NewAppErrorWithDetails(
		types.ErrCodeNotFoundPlan,
		"no plan mapped to price",
		nil,
		map[string]any{"price_ref": priceRef},
	)
}

// IsPlanNotFound reports whether the error is a plan-resolution miss, as
// opposed to an infrastructure failure.
func IsPlanNotFound(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == types.ErrCodeNotFoundPlan
}
