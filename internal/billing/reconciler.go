package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pixelmint/internal/types"
)

// errUnresolved forces a rollback of the reconciliation unit when a plan or
// account reference cannot be resolved. Nothing durable is written for an
// unresolved event (not even its idempotency record), so an operator can
// re-drive the same event id after fixing the catalog.
var errUnresolved = errors.New("unresolved event reference")

// Reconciler is the subscription state machine. It consumes normalized
// lifecycle events and converges the subscription aggregate and the credit
// ledger to a consistent state, exactly once per external event id.
//
// Apply is safe to call with the same event any number of times: the
// processed-event conditional insert inside the same atomic unit as every
// other write makes redelivery a no-op. Units touching the same account are
// serialized by the UnitOfWork implementation.
type Reconciler struct {
	uow      UnitOfWork
	catalog  PlanCatalog
	provider PaymentProvider
	logger   *slog.Logger
	now      func() time.Time
}

// ReconcilerOption is a functional option for configuring a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		r.now = now
	}
}

// NewReconciler creates a Reconciler with the given dependencies.
func NewReconciler(
	uow UnitOfWork,
	catalog PlanCatalog,
	provider PaymentProvider,
	logger *slog.Logger,
	opts ...ReconcilerOption,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		uow:      uow,
		catalog:  catalog,
		provider: provider,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply processes one normalized lifecycle event.
//
// The whole of Apply runs inside a single atomic unit:
//  1. Conditionally insert the event id into the processed-event table.
//     If the id already exists, return OutcomeDuplicate with no mutation.
//  2. Dispatch on the event class and perform the transition.
//  3. Commit everything, or roll everything back on any failure.
//
// Provider-call failures and database errors abort the unit and surface as
// retryable errors, so redelivery can complete the transition cleanly. An
// unresolved plan/account reference rolls the unit back but returns success
// (OutcomeUnresolved): the event is logged for operator re-drive, never
// retried automatically.
func (r *Reconciler) Apply(ctx context.Context, ev types.NormalizedEvent) (types.Outcome, error) {
	if ev.ID == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "event id is required", nil)
	}

	outcome := types.OutcomeApplied
	err := r.uow.InTx(ctx, func(ctx context.Context, s Stores) error {
		fresh, err := s.Events.MarkProcessed(ctx, ev.ID)
		if err != nil {
			return err
		}
		if !fresh {
			outcome = types.OutcomeDuplicate
			return nil
		}

		o, err := r.applyEvent(ctx, s, ev)
		if err != nil {
			return err
		}
		outcome = o
		if o == types.OutcomeUnresolved {
			return errUnresolved
		}
		return nil
	})

	switch {
	case errors.Is(err, errUnresolved):
		return types.OutcomeUnresolved, nil
	case err != nil:
		return "", err
	}

	r.logger.InfoContext(ctx, "lifecycle event reconciled",
		"event_id", ev.ID,
		"event_class", string(ev.Class),
		"outcome", string(outcome),
	)
	return outcome, nil
}

// applyEvent dispatches on the event class. Unknown classes are a logged
// no-op: the ingress gate admits them so the provider is not retried, and
// the reconciler ignores them.
func (r *Reconciler) applyEvent(ctx context.Context, s Stores, ev types.NormalizedEvent) (types.Outcome, error) {
	switch ev.Class {
	case types.ClassSubscriptionSnapshot:
		return r.applySnapshot(ctx, s, ev)
	case types.ClassSubscriptionEnded:
		return r.applyEnded(ctx, s, ev)
	case types.ClassPaymentSucceeded:
		return r.applyPaymentSucceeded(ctx, s, ev)
	case types.ClassPaymentFailed:
		return r.applyPaymentFailed(ctx, s, ev)
	case types.ClassChargeRefunded:
		return r.applyRefund(ctx, s, ev)
	case types.ClassUnknown:
		r.logger.InfoContext(ctx, "ignoring event outside the known class set",
			"event_id", ev.ID,
			"provider_type", ev.ProviderType,
		)
		return types.OutcomeIgnored, nil
	default:
		r.logger.WarnContext(ctx, "event class not handled",
			"event_id", ev.ID,
			"event_class", string(ev.Class),
		)
		return types.OutcomeIgnored, nil
	}
}

// ---------------------------------------------------------------------------
// Subscription snapshots (create / update / checkout confirmation)
// ---------------------------------------------------------------------------

func (r *Reconciler) applySnapshot(ctx context.Context, s Stores, ev types.NormalizedEvent) (types.Outcome, error) {
	state := ev.Subscription
	if state == nil || state.Ref == "" {
		r.logger.WarnContext(ctx, "snapshot event missing subscription payload", "event_id", ev.ID)
		return types.OutcomeUnresolved, nil
	}

	// A checkout confirmation only names the subscription; fetch the
	// provider's full view before reconciling.
	if state.Status == "" {
		full, err := r.provider.FetchSubscription(ctx, state.Ref)
		if err != nil {
			return "", err
		}
		if full.AccountID == "" {
			full.AccountID = state.AccountID
		}
		state = full
	}

	sub, err := s.Subs.GetByExternalRef(ctx, state.Ref)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return r.createFromSnapshot(ctx, s, ev.ID, state)
	}
	return r.updateFromSnapshot(ctx, s, ev.ID, sub, state)
}

// createFromSnapshot handles the first sighting of an external_ref: resolve
// the plan, enforce the single-live-subscription invariant, create the local
// row, and grant trial credits when the snapshot describes a trial.
func (r *Reconciler) createFromSnapshot(ctx context.Context, s Stores, eventID string, state *types.ExternalSubscriptionState) (types.Outcome, error) {
	if state.AccountID == "" {
		r.logger.WarnContext(ctx, "subscription snapshot carries no account reference",
			"event_id", eventID,
			"external_ref", state.Ref,
		)
		return types.OutcomeUnresolved, nil
	}

	// The wallet row is the account-level lock. Two first snapshots for the
	// same account share no subscription row to lock (each inserts a fresh
	// ref), so without a common lock both would read an empty live set and
	// both would commit. Acquiring the wallet here blocks the second unit
	// until the first commits; its live-list read below then sees the
	// winner's row and cancels it.
	if _, err := s.Ledger.GetOrCreateWallet(ctx, state.AccountID); err != nil {
		return "", err
	}

	plan, outcome, err := r.resolvePlan(ctx, eventID, state)
	if plan == nil {
		return outcome, err
	}

	// At most one live subscription per account: any other live
	// subscription with a different external_ref is canceled at the
	// provider and marked canceled locally. A failed provider cancel
	// aborts the whole unit so redelivery can finish the job.
	live, err := s.Subs.ListLive(ctx, state.AccountID)
	if err != nil {
		return "", err
	}
	for i := range live {
		other := &live[i]
		if other.ExternalRef == state.Ref {
			continue
		}
		r.logger.WarnContext(ctx, "duplicate live subscription detected; canceling loser",
			"account_id", state.AccountID,
			"kept_external_ref", state.Ref,
			"canceled_external_ref", other.ExternalRef,
		)
		if err := r.provider.CancelSubscription(ctx, other.ExternalRef); err != nil {
			return "", fmt.Errorf("cancel duplicate subscription %s: %w", other.ExternalRef, err)
		}
		other.Status = types.SubStatusCanceled
		other.UpdatedAt = r.now()
		if err := s.Subs.Update(ctx, other); err != nil {
			return "", err
		}
	}

	now := r.now()
	sub := &types.Subscription{
		ID:                 uuid.New().String(),
		AccountID:          state.AccountID,
		PlanID:             plan.ID,
		ExternalRef:        state.Ref,
		CustomerRef:        state.CustomerRef,
		Status:             mapProviderStatus(state.Status),
		CurrentPeriodStart: state.PeriodStart,
		CurrentPeriodEnd:   state.PeriodEnd,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if IsTrial(state, now) {
		// Trial allotment replaces any existing balance, it never adds
		// to it.
		if _, err := s.Ledger.ResetBalanceTo(ctx, state.AccountID, plan.TrialCredits, types.ReasonTrialStart); err != nil {
			return "", err
		}
		sub.LastCreditReset = &now
	}

	if err := s.Subs.Create(ctx, sub); err != nil {
		return "", err
	}
	return types.OutcomeApplied, nil
}

// updateFromSnapshot applies a snapshot to an existing local record. The
// branches are checked in priority order; exactly one ledger reset happens
// per transition, and status/period fields are always updated.
func (r *Reconciler) updateFromSnapshot(ctx context.Context, s Stores, eventID string, sub *types.Subscription, state *types.ExternalSubscriptionState) (types.Outcome, error) {
	now := r.now()
	oldStatus := sub.Status
	newStatus := mapProviderStatus(state.Status)

	plan, outcome, err := r.resolvePlan(ctx, eventID, state)
	if plan == nil {
		return outcome, err
	}

	switch {
	case oldStatus == types.SubStatusTrialing && newStatus == types.SubStatusActive:
		// Trial conversion: switch the stored plan off the trial
		// placeholder onto the selected plan and replace the trial
		// allotment with the full one. The old status is read inside
		// this same transaction, so a concurrent corroborating event
		// observes the already-advanced status and lands in the
		// "already renewed" branch below instead of double-granting.
		sub.PlanID = plan.ID
		if _, err := s.Ledger.ResetBalanceTo(ctx, sub.AccountID, plan.CreditsPerPeriod, types.ReasonSubscriptionRenewal); err != nil {
			return "", err
		}
		sub.LastCreditReset = &now

	case plan.ID != sub.PlanID:
		// Upgrade/downgrade: revoke current credits and grant the new
		// plan's full allotment as one reset.
		sub.PlanID = plan.ID
		if _, err := s.Ledger.ResetBalanceTo(ctx, sub.AccountID, plan.CreditsPerPeriod, types.ReasonUpgradeReset); err != nil {
			return "", err
		}
		sub.LastCreditReset = &now

	case oldStatus == types.SubStatusTrialing &&
		(newStatus == types.SubStatusCanceled || newStatus == types.SubStatusUnpaid || newStatus == types.SubStatusPastDue):
		// Trial abandoned before converting: revoke whatever remains.
		if _, err := s.Ledger.ResetBalanceTo(ctx, sub.AccountID, 0, types.ReasonTrialExpired); err != nil {
			return "", err
		}
		sub.LastCreditReset = &now

	case sub.LastCreditReset != nil && state.PeriodStart.After(*sub.LastCreditReset):
		// Billing period rolled over: grant the full allotment.
		if _, err := s.Ledger.ResetBalanceTo(ctx, sub.AccountID, plan.CreditsPerPeriod, types.ReasonSubscriptionRenewal); err != nil {
			return "", err
		}
		sub.LastCreditReset = &now

	case sub.LastCreditReset == nil && newStatus == types.SubStatusActive:
		// First paid period for a subscription created without a trial:
		// no reset has ever happened, so grant the initial allotment.
		if _, err := s.Ledger.ResetBalanceTo(ctx, sub.AccountID, plan.CreditsPerPeriod, types.ReasonSubscriptionRenewal); err != nil {
			return "", err
		}
		sub.LastCreditReset = &now
	}

	sub.Status = newStatus
	sub.CurrentPeriodStart = state.PeriodStart
	sub.CurrentPeriodEnd = state.PeriodEnd
	sub.UpdatedAt = now
	if err := s.Subs.Update(ctx, sub); err != nil {
		return "", err
	}
	return types.OutcomeApplied, nil
}

// ---------------------------------------------------------------------------
// Subscription ended
// ---------------------------------------------------------------------------

func (r *Reconciler) applyEnded(ctx context.Context, s Stores, ev types.NormalizedEvent) (types.Outcome, error) {
	state := ev.Subscription
	if state == nil || state.Ref == "" {
		r.logger.WarnContext(ctx, "ended event missing subscription payload", "event_id", ev.ID)
		return types.OutcomeUnresolved, nil
	}

	sub, err := s.Subs.GetByExternalRef(ctx, state.Ref)
	if err != nil {
		return "", err
	}
	if sub == nil {
		// Nothing local to end; the create event may never have resolved.
		r.logger.InfoContext(ctx, "ended event for unknown subscription",
			"event_id", ev.ID,
			"external_ref", state.Ref,
		)
		return types.OutcomeIgnored, nil
	}

	now := r.now()
	sub.Status = types.SubStatusCanceled
	sub.UpdatedAt = now
	if err := s.Subs.Update(ctx, sub); err != nil {
		return "", err
	}

	// Revoke remaining credits only if the account has no other live
	// subscription (a replacement may already be active).
	live, err := s.Subs.ListLive(ctx, sub.AccountID)
	if err != nil {
		return "", err
	}
	if len(live) == 0 {
		if _, err := s.Ledger.ResetBalanceTo(ctx, sub.AccountID, 0, types.ReasonSubscriptionCanceled); err != nil {
			return "", err
		}
		sub.LastCreditReset = &now
		if err := s.Subs.Update(ctx, sub); err != nil {
			return "", err
		}
	}
	return types.OutcomeApplied, nil
}

// ---------------------------------------------------------------------------
// Payments
// ---------------------------------------------------------------------------

// applyPaymentSucceeded forces a full-allotment grant as a backstop in case
// the corresponding subscription-update event is lost or arrives out of
// order. The reset primitive makes the backstop idempotent: if the update
// already granted this period, the computed delta is zero and no ledger
// entry is appended.
func (r *Reconciler) applyPaymentSucceeded(ctx context.Context, s Stores, ev types.NormalizedEvent) (types.Outcome, error) {
	sub, err := r.findInvoiceSubscription(ctx, s, ev)
	if err != nil {
		return "", err
	}
	if sub == nil {
		r.logger.InfoContext(ctx, "payment event matches no local subscription", "event_id", ev.ID)
		return types.OutcomeIgnored, nil
	}

	// Trial credits are handled exclusively by the trial path; a payment
	// received while trialing (e.g. a non-zero trial price) must not
	// replace the trial allotment.
	if sub.Status == types.SubStatusTrialing {
		return types.OutcomeIgnored, nil
	}
	switch sub.Status {
	case types.SubStatusActive, types.SubStatusPastDue, types.SubStatusUnpaid:
	default:
		return types.OutcomeIgnored, nil
	}

	plan, err := r.catalog.Resolve(ctx, sub.PlanID)
	if err != nil {
		if IsPlanNotFound(err) {
			r.logger.ErrorContext(ctx, "subscription references unknown plan",
				"event_id", ev.ID,
				"plan_id", sub.PlanID,
			)
			return types.OutcomeUnresolved, nil
		}
		return "", err
	}

	now := r.now()
	if _, err := s.Ledger.ResetBalanceTo(ctx, sub.AccountID, plan.CreditsPerPeriod, types.ReasonSubscriptionRenewal); err != nil {
		return "", err
	}
	sub.LastCreditReset = &now
	sub.UpdatedAt = now
	if err := s.Subs.Update(ctx, sub); err != nil {
		return "", err
	}
	return types.OutcomeApplied, nil
}

func (r *Reconciler) applyPaymentFailed(ctx context.Context, s Stores, ev types.NormalizedEvent) (types.Outcome, error) {
	sub, err := r.findInvoiceSubscription(ctx, s, ev)
	if err != nil {
		return "", err
	}
	if sub == nil {
		r.logger.InfoContext(ctx, "payment failure matches no local subscription", "event_id", ev.ID)
		return types.OutcomeIgnored, nil
	}

	sub.Status = types.SubStatusPastDue
	sub.UpdatedAt = r.now()
	if err := s.Subs.Update(ctx, sub); err != nil {
		return "", err
	}
	return types.OutcomeApplied, nil
}

// findInvoiceSubscription locates the subscription an invoice event refers
// to: first by the invoice's subscription reference, then by the live
// subscription of the invoice's customer.
func (r *Reconciler) findInvoiceSubscription(ctx context.Context, s Stores, ev types.NormalizedEvent) (*types.Subscription, error) {
	inv := ev.Invoice
	if inv == nil {
		return nil, nil
	}
	if inv.SubscriptionRef != "" {
		sub, err := s.Subs.GetByExternalRef(ctx, inv.SubscriptionRef)
		if err != nil || sub != nil {
			return sub, err
		}
	}
	if inv.CustomerRef != "" {
		return s.Subs.GetLiveByCustomerRef(ctx, inv.CustomerRef)
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// Refunds
// ---------------------------------------------------------------------------

func (r *Reconciler) applyRefund(ctx context.Context, s Stores, ev types.NormalizedEvent) (types.Outcome, error) {
	ch := ev.Charge
	if ch == nil || ch.CustomerRef == "" {
		r.logger.WarnContext(ctx, "refund event missing customer reference", "event_id", ev.ID)
		return types.OutcomeUnresolved, nil
	}

	sub, err := s.Subs.GetLiveByCustomerRef(ctx, ch.CustomerRef)
	if err != nil {
		return "", err
	}
	if sub == nil {
		r.logger.InfoContext(ctx, "refund for customer with no live subscription",
			"event_id", ev.ID,
			"customer_ref", ch.CustomerRef,
		)
		return types.OutcomeIgnored, nil
	}

	now := r.now()
	if _, err := s.Ledger.ResetBalanceTo(ctx, sub.AccountID, 0, types.ReasonRefunded); err != nil {
		return "", err
	}

	// The provider-side cancel distinguishes Ack from AlreadyGone inside
	// the client; both reach here as success. A transport or server error
	// aborts the unit for redelivery.
	if err := r.provider.CancelSubscription(ctx, sub.ExternalRef); err != nil {
		return "", fmt.Errorf("cancel refunded subscription %s: %w", sub.ExternalRef, err)
	}

	sub.Status = types.SubStatusCanceled
	sub.LastCreditReset = &now
	sub.UpdatedAt = now
	if err := s.Subs.Update(ctx, sub); err != nil {
		return "", err
	}
	return types.OutcomeApplied, nil
}

// ---------------------------------------------------------------------------
// Scheduled resets (sweeper entry point)
// ---------------------------------------------------------------------------

// ApplyScheduledReset re-runs the renewal reset policy for one subscription,
// on behalf of the periodic sweeper. It bypasses the ingress gate (the
// sweeper is a trusted internal caller) but never the ledger invariants:
// the due check is re-evaluated under the row lock, so concurrent sweeps or
// a racing webhook renewal collapse into a single reset.
//
// Returns true if a reset was applied.
func (r *Reconciler) ApplyScheduledReset(ctx context.Context, subID string, now time.Time) (bool, error) {
	applied := false
	err := r.uow.InTx(ctx, func(ctx context.Context, s Stores) error {
		sub, err := s.Subs.GetByID(ctx, subID)
		if err != nil {
			return err
		}
		if sub == nil || sub.Status != types.SubStatusActive || sub.LastCreditReset == nil {
			return nil
		}
		if !ResetDue(*sub, now) {
			return nil
		}

		plan, err := r.catalog.Resolve(ctx, sub.PlanID)
		if err != nil {
			return err
		}
		if _, err := s.Ledger.ResetBalanceTo(ctx, sub.AccountID, plan.CreditsPerPeriod, types.ReasonSubscriptionRenewal); err != nil {
			return err
		}
		sub.LastCreditReset = &now
		sub.UpdatedAt = now
		if err := s.Subs.Update(ctx, sub); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// ResetDue reports whether a periodic credit reset is due for an active
// subscription. Three checks are OR'd:
//   - the calendar month of now is at least one month after the month of
//     the last reset,
//   - at least 30 elapsed days have passed since the last reset,
//   - the current billing period started after the last reset.
//
// The three conditions deliberately coexist without a stated precedence;
// collapsing them needs product input (see DESIGN.md).
func ResetDue(sub types.Subscription, now time.Time) bool {
	if sub.LastCreditReset == nil {
		return false
	}
	last := *sub.LastCreditReset

	monthsNow := now.Year()*12 + int(now.Month())
	monthsLast := last.Year()*12 + int(last.Month())
	if monthsNow > monthsLast {
		return true
	}
	if now.Sub(last) >= 30*24*time.Hour {
		return true
	}
	return sub.CurrentPeriodStart.After(last)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// resolvePlan resolves the plan a snapshot refers to: explicit plan metadata
// first, price mapping second. On a miss it logs the event as unresolved
// (enriched with provider price details when available) and returns a nil
// plan with OutcomeUnresolved; infrastructure failures propagate as errors.
func (r *Reconciler) resolvePlan(ctx context.Context, eventID string, state *types.ExternalSubscriptionState) (*types.Plan, types.Outcome, error) {
	if state.PlanRef != "" {
		plan, err := r.catalog.Resolve(ctx, state.PlanRef)
		if err == nil {
			return plan, types.OutcomeApplied, nil
		}
		if !IsPlanNotFound(err) {
			return nil, "", err
		}
	}
	if state.PriceRef != "" {
		plan, err := r.catalog.ResolveByPrice(ctx, state.PriceRef)
		if err == nil {
			return plan, types.OutcomeApplied, nil
		}
		if !IsPlanNotFound(err) {
			return nil, "", err
		}
	}

	attrs := []any{
		"event_id", eventID,
		"external_ref", state.Ref,
		"plan_ref", state.PlanRef,
		"price_ref", state.PriceRef,
	}
	if state.PriceRef != "" && r.provider != nil {
		// Best-effort enrichment for the operator; a fetch failure must
		// not mask the unresolved outcome.
		if price, perr := r.provider.FetchPrice(ctx, state.PriceRef); perr == nil {
			attrs = append(attrs,
				"price_amount_cents", price.UnitAmountCents,
				"price_currency", price.Currency,
				"price_interval", price.Interval,
			)
		}
	}
	r.logger.ErrorContext(ctx, "event references no known plan; dropped for operator re-drive", attrs...)
	return nil, types.OutcomeUnresolved, nil
}

// mapProviderStatus maps a provider status string onto the local status set.
// Statuses outside the set (e.g. "incomplete") map to unpaid: they are not
// live, and a later snapshot will move them to their real state.
func mapProviderStatus(status string) types.SubscriptionStatus {
	switch status {
	case "trialing":
		return types.SubStatusTrialing
	case "active":
		return types.SubStatusActive
	case "past_due":
		return types.SubStatusPastDue
	case "canceled":
		return types.SubStatusCanceled
	case "unpaid":
		return types.SubStatusUnpaid
	default:
		return types.SubStatusUnpaid
	}
}
