package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelmint/internal/types"
)

func TestStaticPlanCatalog_Resolve(t *testing.T) {
	catalog := NewStaticPlanCatalog(testPlans)

	plan, err := catalog.Resolve(context.Background(), "plan_basic")
	require.NoError(t, err)
	assert.Equal(t, "Basic", plan.Name)
	assert.Equal(t, int64(500), plan.CreditsPerPeriod)
}

func TestStaticPlanCatalog_ResolveMiss(t *testing.T) {
	catalog := NewStaticPlanCatalog(testPlans)

	_, err := catalog.Resolve(context.Background(), "plan_nope")
	require.Error(t, err)
	assert.True(t, IsPlanNotFound(err))
}

func TestStaticPlanCatalog_ResolveByPrice(t *testing.T) {
	catalog := NewStaticPlanCatalog(testPlans)

	plan, err := catalog.ResolveByPrice(context.Background(), "price_pro")
	require.NoError(t, err)
	assert.Equal(t, "plan_pro", plan.ID)

	_, err = catalog.ResolveByPrice(context.Background(), "price_nope")
	assert.True(t, IsPlanNotFound(err))
}

func TestStaticPlanCatalog_InactivePlanStillResolves(t *testing.T) {
	catalog := NewStaticPlanCatalog([]types.Plan{
		{ID: "plan_legacy", PriceRef: "price_legacy", CreditsPerPeriod: 100, Active: false},
	})

	plan, err := catalog.Resolve(context.Background(), "plan_legacy")
	require.NoError(t, err)
	assert.False(t, plan.Active)
}

func TestStaticPlanCatalog_ReturnsCopies(t *testing.T) {
	catalog := NewStaticPlanCatalog(testPlans)

	first, err := catalog.Resolve(context.Background(), "plan_basic")
	require.NoError(t, err)
	first.CreditsPerPeriod = 1

	second, err := catalog.Resolve(context.Background(), "plan_basic")
	require.NoError(t, err)
	assert.Equal(t, int64(500), second.CreditsPerPeriod, "callers must not share a mutable plan")
}

func TestIsPlanNotFound(t *testing.T) {
	assert.False(t, IsPlanNotFound(nil))
	assert.False(t, IsPlanNotFound(errors.New("boom")))
	assert.False(t, IsPlanNotFound(types.NewAppError(types.ErrCodeInternalDB, "db down", nil)))
	assert.True(t, IsPlanNotFound(types.NewAppError(types.ErrCodeNotFoundPlan, "no plan", nil)))
}
