package types

import "time"

// EventClass is the closed set of lifecycle event categories the reconciler
// acts on. Provider-specific event names are mapped onto these classes at the
// ingress boundary; everything outside the set is ClassUnknown and handled as
// a logged no-op.
type EventClass string

const (
	// ClassSubscriptionSnapshot carries the provider's current view of a
	// subscription (create, update, or checkout confirmation).
	ClassSubscriptionSnapshot EventClass = "subscription_snapshot"
	// ClassSubscriptionEnded signals the subscription no longer exists at
	// the provider.
	ClassSubscriptionEnded EventClass = "subscription_ended"
	// ClassPaymentSucceeded confirms an invoice or payment settled.
	ClassPaymentSucceeded EventClass = "payment_succeeded"
	// ClassPaymentFailed signals a failed charge attempt.
	ClassPaymentFailed EventClass = "payment_failed"
	// ClassChargeRefunded signals a charge was reversed.
	ClassChargeRefunded EventClass = "charge_refunded"
	// ClassUnknown is any admitted event type outside the known set.
	ClassUnknown EventClass = "unknown"
)

// NormalizedEvent is the provider-agnostic form of an admitted lifecycle
// event. Exactly one of the payload pointers is populated, matching Class.
// The struct is JSON-serializable so admitted events can be handed to the
// reconcile queue and processed after the webhook has been acknowledged.
type NormalizedEvent struct {
	ID           string                     `json:"id"`
	Class        EventClass                 `json:"class"`
	ProviderType string                     `json:"provider_type"` // raw provider event name, for logs
	OccurredAt   time.Time                  `json:"occurred_at"`
	Subscription *ExternalSubscriptionState `json:"subscription,omitempty"`
	Invoice      *ExternalInvoiceState      `json:"invoice,omitempty"`
	Charge       *ExternalChargeState       `json:"charge,omitempty"`
}

// ExternalSubscriptionState is a snapshot of a subscription as seen at the
// payment provider. A snapshot may be partial (e.g. from a checkout
// confirmation that only names the subscription); the reconciler fills in
// the rest with a provider fetch when Status is empty.
type ExternalSubscriptionState struct {
	Ref         string     `json:"ref"`
	CustomerRef string     `json:"customer_ref"`
	AccountID   string     `json:"account_id"` // from provider-side metadata
	Status      string     `json:"status"`
	PlanRef     string     `json:"plan_ref"`  // explicit plan id carried in metadata
	PriceRef    string     `json:"price_ref"` // first item's price, fallback resolution
	TrialEnd    *time.Time `json:"trial_end,omitempty"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`
}

// ExternalInvoiceState carries the fields of an invoice event the reconciler
// needs: which subscription it pays for and the billing period it opens.
type ExternalInvoiceState struct {
	SubscriptionRef string    `json:"subscription_ref"`
	CustomerRef     string    `json:"customer_ref"`
	AccountID       string    `json:"account_id"`
	PeriodStart     time.Time `json:"period_start"`
}

// ExternalPrice is the provider's view of a price object, fetched when an
// event references a price no local plan is mapped to.
type ExternalPrice struct {
	Ref             string `json:"ref"`
	UnitAmountCents int64  `json:"unit_amount_cents"`
	Currency        string `json:"currency"`
	Interval        string `json:"interval"`
}

// ExternalChargeState carries the fields of a charge reversal event.
type ExternalChargeState struct {
	CustomerRef string `json:"customer_ref"`
	AccountID   string `json:"account_id"`
	AmountCents int64  `json:"amount_cents"`
}

// Outcome describes the terminal result of applying one event.
type Outcome string

const (
	// OutcomeApplied means the event's side effects were committed.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event id was already processed; nothing
	// was mutated.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeUnresolved means a plan or account reference could not be
	// resolved; the event was logged and dropped with no mutation so an
	// operator can re-drive it.
	OutcomeUnresolved Outcome = "unresolved"
	// OutcomeIgnored means the event class or precondition did not call
	// for any action.
	OutcomeIgnored Outcome = "ignored"
)
