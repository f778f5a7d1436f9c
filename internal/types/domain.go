// Package types defines the shared domain model for the PixelMint billing
// core: plans, subscriptions, wallets, the append-only credit ledger, and the
// idempotency records that make webhook reconciliation safe under redelivery.
package types

import "time"

// ---------------------------------------------------------------------------
// Plans
// ---------------------------------------------------------------------------

// PlanInterval is the billing period unit of a plan.
type PlanInterval string

const (
	IntervalMonth PlanInterval = "month"
	IntervalYear  PlanInterval = "year"
)

// Plan describes the commercial terms of a subscription tier. Plans are
// immutable once referenced by a live subscription; changing terms means
// creating a new Plan row and pointing new subscriptions at it.
type Plan struct {
	ID               string
	Name             string
	Interval         PlanInterval
	PriceRef         string // provider-side price identifier, used for fallback resolution
	CreditsPerPeriod int64
	TrialDays        int
	TrialCredits     int64
	TrialPriceCents  int64
	Active           bool
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// SubscriptionStatus is the lifecycle state of a subscription.
// The set mirrors the payment provider's states that the reconciler acts on.
type SubscriptionStatus string

const (
	SubStatusTrialing SubscriptionStatus = "trialing"
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
	SubStatusUnpaid   SubscriptionStatus = "unpaid"
)

// IsLive reports whether the status counts against the single-active-
// subscription rule: at most one subscription per account may be live.
func (s SubscriptionStatus) IsLive() bool {
	return s == SubStatusActive || s == SubStatusTrialing
}

// Subscription is the local record of an account's relationship to one plan.
// Rows are created on the first lifecycle event for an external_ref, mutated
// only by the reconciler, and never deleted: terminal states are retained
// for audit.
type Subscription struct {
	ID                 string
	AccountID          string
	PlanID             string
	ExternalRef        string // subscription id at the payment provider
	CustomerRef        string // customer id at the payment provider
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	LastCreditReset    *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ---------------------------------------------------------------------------
// Credit ledger
// ---------------------------------------------------------------------------

// Wallet is the materialized credit balance for an account. The balance is a
// view over the account's CreditTransaction history and is only ever updated
// in the same atomic unit as a matching ledger entry.
type Wallet struct {
	AccountID     string
	Balance       int64
	LifetimeAdded int64
	LifetimeSpent int64
	UpdatedAt     time.Time
}

// CreditReason categorizes why a ledger entry was written.
type CreditReason string

const (
	ReasonTrialStart           CreditReason = "trial_start"
	ReasonSubscriptionRenewal  CreditReason = "subscription_renewal"
	ReasonUpgradeReset         CreditReason = "subscription_upgrade_reset"
	ReasonTrialExpired         CreditReason = "trial_expired"
	ReasonSubscriptionCanceled CreditReason = "subscription_canceled"
	ReasonRefunded             CreditReason = "refunded"
	ReasonManualGrant          CreditReason = "manual_grant"
)

// SpendReason builds the reason for a feature-consumption debit,
// e.g. SpendReason("image_generation") -> "spend:image_generation".
func SpendReason(feature string) CreditReason {
	return CreditReason("spend:" + feature)
}

// CreditTransaction is an immutable, signed ledger entry. It is the sole
// legitimate way a wallet balance changes. Rows are append-only: never
// updated, never deleted.
type CreditTransaction struct {
	ID            string
	AccountID     string
	Amount        int64 // signed; positive = grant, negative = debit
	Reason        CreditReason
	CorrelationID string // optional; dedupes administrative grants
	CreatedAt     time.Time
}

// ---------------------------------------------------------------------------
// Idempotency
// ---------------------------------------------------------------------------

// ProcessedEvent marks an external event id as fully handled. The unique
// constraint on ExternalEventID is the source of truth for "already handled";
// a writer that loses the insert race simply observes the conflict and
// returns the already-processed outcome.
type ProcessedEvent struct {
	ExternalEventID string
	ProcessedAt     time.Time
}
