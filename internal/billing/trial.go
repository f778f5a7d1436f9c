package billing

import (
	"time"

	"pixelmint/internal/types"
)

// IsTrial reports whether the provider's subscription state describes a
// trial. Two signals are checked and OR'd, because either may be the source
// of truth depending on which field the provider populated:
//   - the status is "trialing", or
//   - a trial-end timestamp is present and still in the future.
//
// This is the single trial check used everywhere in the reconciler.
func IsTrial(state *types.ExternalSubscriptionState, now time.Time) bool {
	if state == nil {
		return false
	}
	if state.Status == "trialing" {
		return true
	}
	return state.TrialEnd != nil && state.TrialEnd.After(now)
}
