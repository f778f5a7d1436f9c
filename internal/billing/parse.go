package billing

import (
	"encoding/json"
	"time"

	"pixelmint/internal/types"
)

// Provider event type constants prevent magic strings in the parser and the
// ingress gate.
const (
	EventSubCreated        = "customer.subscription.created"
	EventSubUpdated        = "customer.subscription.updated"
	EventSubDeleted        = "customer.subscription.deleted"
	EventCheckoutCompleted = "checkout.session.completed"
	EventInvoicePaid       = "invoice.paid"
	EventInvoicePaymentOK  = "invoice.payment_succeeded"
	EventPaymentFailed     = "invoice.payment_failed"
	EventChargeRefunded    = "charge.refunded"
)

// ParseEvent normalizes a raw provider webhook payload into a
// NormalizedEvent. Event types outside the known set are admitted as
// ClassUnknown so the provider is acknowledged and never retried for events
// we do not act on.
//
// Only structural problems (unparseable JSON, missing event id) fail; a
// known type with an unexpected object shape degrades to ClassUnknown rather
// than rejecting the delivery.
func ParseEvent(payload []byte) (types.NormalizedEvent, error) {
	var raw rawProviderEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return types.NormalizedEvent{}, types.NewAppError(
			types.ErrCodeValidationInvalidBody,
			"invalid webhook event JSON",
			err,
		)
	}
	if raw.ID == "" {
		return types.NormalizedEvent{}, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"webhook event missing id",
			nil,
		)
	}

	ev := types.NormalizedEvent{
		ID:           raw.ID,
		ProviderType: raw.Type,
		OccurredAt:   time.Unix(raw.Created, 0).UTC(),
		Class:        types.ClassUnknown,
	}

	switch raw.Type {
	case EventSubCreated, EventSubUpdated:
		if state, ok := raw.subscriptionState(); ok {
			ev.Class = types.ClassSubscriptionSnapshot
			ev.Subscription = state
		}
	case EventSubDeleted:
		if state, ok := raw.subscriptionState(); ok {
			ev.Class = types.ClassSubscriptionEnded
			ev.Subscription = state
		}
	case EventCheckoutCompleted:
		if state, ok := raw.checkoutState(); ok {
			ev.Class = types.ClassSubscriptionSnapshot
			ev.Subscription = state
		}
	case EventInvoicePaid, EventInvoicePaymentOK:
		if inv, ok := raw.invoiceState(); ok {
			ev.Class = types.ClassPaymentSucceeded
			ev.Invoice = inv
		}
	case EventPaymentFailed:
		if inv, ok := raw.invoiceState(); ok {
			ev.Class = types.ClassPaymentFailed
			ev.Invoice = inv
		}
	case EventChargeRefunded:
		if ch, ok := raw.chargeState(); ok {
			ev.Class = types.ClassChargeRefunded
			ev.Charge = ch
		}
	}

	return ev, nil
}

// ---------------------------------------------------------------------------
// Minimal provider payload structures
//
// We avoid importing the full stripe.Event type to keep normalization
// decoupled from the vendor SDK and to make testing straightforward; only
// the fields the reconciler acts on are declared.
// ---------------------------------------------------------------------------

type rawProviderEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    rawProviderData `json:"data"`
}

type rawProviderData struct {
	Object json.RawMessage `json:"object"`
}

type rawSubscriptionObj struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	TrialEnd           int64             `json:"trial_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              rawSubItems       `json:"items"`
}

type rawSubItems struct {
	Data []rawSubItem `json:"data"`
}

type rawSubItem struct {
	Price rawPrice `json:"price"`
}

type rawPrice struct {
	ID string `json:"id"`
}

type rawCheckoutSessionObj struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type rawInvoiceObj struct {
	Subscription        string             `json:"subscription"`
	Customer            string             `json:"customer"`
	PeriodStart         int64              `json:"period_start"`
	Metadata            map[string]string  `json:"metadata"`
	SubscriptionDetails *rawInvoiceSubMeta `json:"subscription_details"`
}

type rawInvoiceSubMeta struct {
	Metadata map[string]string `json:"metadata"`
}

type rawChargeObj struct {
	Customer       string            `json:"customer"`
	AmountRefunded int64             `json:"amount_refunded"`
	Metadata       map[string]string `json:"metadata"`
}

func (e *rawProviderEvent) subscriptionState() (*types.ExternalSubscriptionState, bool) {
	var obj rawSubscriptionObj
	if err := json.Unmarshal(e.Data.Object, &obj); err != nil || obj.ID == "" {
		return nil, false
	}

	state := &types.ExternalSubscriptionState{
		Ref:         obj.ID,
		CustomerRef: obj.Customer,
		AccountID:   obj.Metadata["account_id"],
		Status:      obj.Status,
		PlanRef:     obj.Metadata["plan_id"],
		PeriodStart: time.Unix(obj.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:   time.Unix(obj.CurrentPeriodEnd, 0).UTC(),
	}
	if obj.TrialEnd > 0 {
		t := time.Unix(obj.TrialEnd, 0).UTC()
		state.TrialEnd = &t
	}
	if len(obj.Items.Data) > 0 {
		state.PriceRef = obj.Items.Data[0].Price.ID
	}
	return state, true
}

// checkoutState builds a partial snapshot from a checkout confirmation: it
// names the subscription and the account, but carries no status. The
// reconciler completes it with a provider fetch.
func (e *rawProviderEvent) checkoutState() (*types.ExternalSubscriptionState, bool) {
	var obj rawCheckoutSessionObj
	if err := json.Unmarshal(e.Data.Object, &obj); err != nil || obj.Subscription == "" {
		return nil, false
	}

	// Prefer client_reference_id (set by our checkout session creation).
	accountID := obj.ClientReferenceID
	if accountID == "" {
		accountID = obj.Metadata["account_id"]
	}
	return &types.ExternalSubscriptionState{
		Ref:         obj.Subscription,
		CustomerRef: obj.Customer,
		AccountID:   accountID,
	}, true
}

func (e *rawProviderEvent) invoiceState() (*types.ExternalInvoiceState, bool) {
	var obj rawInvoiceObj
	if err := json.Unmarshal(e.Data.Object, &obj); err != nil {
		return nil, false
	}
	if obj.Subscription == "" && obj.Customer == "" {
		return nil, false
	}

	accountID := obj.Metadata["account_id"]
	if accountID == "" && obj.SubscriptionDetails != nil {
		accountID = obj.SubscriptionDetails.Metadata["account_id"]
	}
	return &types.ExternalInvoiceState{
		SubscriptionRef: obj.Subscription,
		CustomerRef:     obj.Customer,
		AccountID:       accountID,
		PeriodStart:     time.Unix(obj.PeriodStart, 0).UTC(),
	}, true
}

func (e *rawProviderEvent) chargeState() (*types.ExternalChargeState, bool) {
	var obj rawChargeObj
	if err := json.Unmarshal(e.Data.Object, &obj); err != nil || obj.Customer == "" {
		return nil, false
	}
	return &types.ExternalChargeState{
		CustomerRef: obj.Customer,
		AccountID:   obj.Metadata["account_id"],
		AmountCents: obj.AmountRefunded,
	}, true
}
