// Package billing implements the subscription-and-credit reconciliation
// engine: the plan catalog, the credit ledger contract, the subscription
// state machine driven by normalized lifecycle events, and the periodic
// credit reset sweeper.
package billing

import (
	"context"
	"time"

	"pixelmint/internal/types"
)

// UnitOfWork runs a function within one atomic reconciliation unit. Every
// write performed through the provided Stores either commits as a whole or
// not at all; returning an error rolls everything back. Implementations must
// serialize units touching the same account (the pgx implementation relies on
// row locks plus the processed-event uniqueness constraint).
type UnitOfWork interface {
	InTx(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}

// Stores bundles the transaction-scoped persistence surfaces handed to a
// reconciliation unit.
type Stores struct {
	Events EventStore
	Subs   SubscriptionStore
	Ledger LedgerStore
}

// EventStore records external event ids as processed.
type EventStore interface {
	// MarkProcessed inserts the event id into the idempotency table.
	// Returns false if the id already exists, meaning the event's side
	// effects were produced by an earlier (or concurrent) unit.
	MarkProcessed(ctx context.Context, externalEventID string) (bool, error)
}

// SubscriptionStore is the persistence surface for subscription aggregates.
// Read methods used inside a reconciliation unit lock the returned rows for
// the duration of the transaction.
type SubscriptionStore interface {
	// GetByExternalRef returns the subscription with the given provider-side
	// id, or nil if none exists.
	GetByExternalRef(ctx context.Context, externalRef string) (*types.Subscription, error)

	// GetByID returns the subscription with the given local id, or nil.
	GetByID(ctx context.Context, id string) (*types.Subscription, error)

	// ListLive returns the account's subscriptions with a live status
	// (active or trialing).
	ListLive(ctx context.Context, accountID string) ([]types.Subscription, error)

	// GetLiveByCustomerRef returns the live subscription tied to the given
	// provider-side customer id, or nil if none exists.
	GetLiveByCustomerRef(ctx context.Context, customerRef string) (*types.Subscription, error)

	// Create inserts a new subscription row.
	Create(ctx context.Context, sub *types.Subscription) error

	// Update persists mutations to an existing subscription row.
	Update(ctx context.Context, sub *types.Subscription) error
}

// LedgerStore exposes the credit ledger primitives. Every balance mutation
// appends a matching CreditTransaction row in the same atomic unit; no
// implementation may change a balance without a ledger entry.
type LedgerStore interface {
	// GetOrCreateWallet returns the account's wallet, creating an empty one
	// on first reference. Inside a reconciliation unit the wallet row is the
	// account-level lock: implementations must hold it for the rest of the
	// unit, so that units for the same account run one at a time even when
	// they share no subscription row.
	GetOrCreateWallet(ctx context.Context, accountID string) (*types.Wallet, error)

	// ResetBalanceTo computes delta = target - currentBalance, appends one
	// transaction with that signed delta, and sets the balance to target.
	// This is the primitive behind every "grant full allotment" and
	// "revoke all" action. A zero delta appends nothing and returns nil.
	ResetBalanceTo(ctx context.Context, accountID string, target int64, reason types.CreditReason) (*types.CreditTransaction, error)

	// Spend appends a debit transaction and decrements the balance.
	// Fails with an insufficient-credits error if amount exceeds the
	// current balance.
	Spend(ctx context.Context, accountID string, amount int64, reason types.CreditReason) (*types.CreditTransaction, error)

	// Add appends an additive grant. If correlationID is non-empty and a
	// transaction with that correlation id already exists for the account,
	// the call is a no-op returning the prior transaction.
	Add(ctx context.Context, accountID string, amount int64, reason types.CreditReason, correlationID string) (*types.CreditTransaction, error)
}

// SweepSource lists the subscriptions the periodic reset sweeper examines.
// Unlike the transaction-scoped stores above, this read runs outside any
// reconciliation unit; the per-subscription reset re-checks due-ness under
// the row lock.
type SweepSource interface {
	// ListResetCandidates returns subscriptions with status=active and a
	// non-null last_credit_reset.
	ListResetCandidates(ctx context.Context) ([]types.Subscription, error)
}

// EventPruner removes processed-event records older than a cutoff. The
// sweeper runs it after each sweep when a retention window is configured;
// within the provider's redelivery horizon the records are untouchable, so
// the window must be comfortably past it.
type EventPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PaymentProvider is the outbound surface of the payment provider the
// reconciler needs for corrective actions and snapshot completion. Calls are
// blocking network calls with a request timeout; a failure aborts the
// enclosing reconciliation unit.
type PaymentProvider interface {
	// CancelSubscription cancels the subscription at the provider. A
	// provider response indicating the subscription is already gone is
	// treated as success and returns nil.
	CancelSubscription(ctx context.Context, externalRef string) error

	// FetchSubscription retrieves the provider's full current view of a
	// subscription. Used to complete partial snapshots (e.g. checkout
	// confirmations that only name the subscription).
	FetchSubscription(ctx context.Context, externalRef string) (*types.ExternalSubscriptionState, error)

	// FetchPrice retrieves price details, used to enrich unresolved-plan
	// diagnostics.
	FetchPrice(ctx context.Context, priceRef string) (*types.ExternalPrice, error)
}
