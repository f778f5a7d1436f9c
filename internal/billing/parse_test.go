package billing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelmint/internal/types"
)

func TestParseEvent_InvalidJSON(t *testing.T) {
	_, err := ParseEvent([]byte("{not json"))

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidBody, appErr.Code)
}

func TestParseEvent_MissingID(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":"invoice.paid","data":{"object":{}}}`))

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)
}

func TestParseEvent_SubscriptionCreated(t *testing.T) {
	payload := []byte(`{
		"id": "evt_1",
		"type": "customer.subscription.created",
		"created": 1767225600,
		"data": {"object": {
			"id": "sub_ext_1",
			"customer": "cus_1",
			"status": "trialing",
			"trial_end": 1767830400,
			"current_period_start": 1767225600,
			"current_period_end": 1769904000,
			"metadata": {"account_id": "acct_1", "plan_id": "plan_basic"},
			"items": {"data": [{"price": {"id": "price_basic"}}]}
		}}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, types.ClassSubscriptionSnapshot, ev.Class)
	assert.Equal(t, EventSubCreated, ev.ProviderType)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), ev.OccurredAt)

	require.NotNil(t, ev.Subscription)
	assert.Equal(t, "sub_ext_1", ev.Subscription.Ref)
	assert.Equal(t, "cus_1", ev.Subscription.CustomerRef)
	assert.Equal(t, "acct_1", ev.Subscription.AccountID)
	assert.Equal(t, "trialing", ev.Subscription.Status)
	assert.Equal(t, "plan_basic", ev.Subscription.PlanRef)
	assert.Equal(t, "price_basic", ev.Subscription.PriceRef)
	require.NotNil(t, ev.Subscription.TrialEnd)
	assert.Equal(t, time.Unix(1767830400, 0).UTC(), *ev.Subscription.TrialEnd)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), ev.Subscription.PeriodStart)
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), ev.Subscription.PeriodEnd)
}

func TestParseEvent_SubscriptionDeleted(t *testing.T) {
	payload := []byte(`{
		"id": "evt_2",
		"type": "customer.subscription.deleted",
		"created": 1767225600,
		"data": {"object": {"id": "sub_ext_1", "customer": "cus_1", "status": "canceled"}}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, types.ClassSubscriptionEnded, ev.Class)
	require.NotNil(t, ev.Subscription)
	assert.Equal(t, "sub_ext_1", ev.Subscription.Ref)
}

func TestParseEvent_CheckoutCompleted(t *testing.T) {
	payload := []byte(`{
		"id": "evt_3",
		"type": "checkout.session.completed",
		"created": 1767225600,
		"data": {"object": {
			"client_reference_id": "acct_1",
			"customer": "cus_1",
			"subscription": "sub_ext_1",
			"metadata": {"account_id": "acct_other"}
		}}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, types.ClassSubscriptionSnapshot, ev.Class)
	require.NotNil(t, ev.Subscription)
	assert.Equal(t, "sub_ext_1", ev.Subscription.Ref)
	assert.Equal(t, "acct_1", ev.Subscription.AccountID, "client_reference_id wins over metadata")
	assert.Empty(t, ev.Subscription.Status, "checkout confirmation carries no status")
}

func TestParseEvent_CheckoutFallsBackToMetadataAccount(t *testing.T) {
	payload := []byte(`{
		"id": "evt_3b",
		"type": "checkout.session.completed",
		"created": 1767225600,
		"data": {"object": {
			"customer": "cus_1",
			"subscription": "sub_ext_1",
			"metadata": {"account_id": "acct_meta"}
		}}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "acct_meta", ev.Subscription.AccountID)
}

func TestParseEvent_CheckoutWithoutSubscriptionDegrades(t *testing.T) {
	// A checkout for a one-time purchase has no subscription; it is not an
	// event the reconciler acts on.
	payload := []byte(`{
		"id": "evt_4",
		"type": "checkout.session.completed",
		"created": 1767225600,
		"data": {"object": {"customer": "cus_1"}}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, types.ClassUnknown, ev.Class)
	assert.Nil(t, ev.Subscription)
}

func TestParseEvent_InvoiceEvents(t *testing.T) {
	for _, eventType := range []string{EventInvoicePaid, EventInvoicePaymentOK} {
		t.Run(eventType, func(t *testing.T) {
			payload := []byte(fmt.Sprintf(`{
				"id": "evt_5",
				"type": %q,
				"created": 1767225600,
				"data": {"object": {
					"subscription": "sub_ext_1",
					"customer": "cus_1",
					"period_start": 1767225600
				}}
			}`, eventType))

			ev, err := ParseEvent(payload)
			require.NoError(t, err)
			assert.Equal(t, types.ClassPaymentSucceeded, ev.Class)
			require.NotNil(t, ev.Invoice)
			assert.Equal(t, "sub_ext_1", ev.Invoice.SubscriptionRef)
			assert.Equal(t, "cus_1", ev.Invoice.CustomerRef)
		})
	}
}

func TestParseEvent_InvoiceAccountFromSubscriptionDetails(t *testing.T) {
	payload := []byte(`{
		"id": "evt_6",
		"type": "invoice.paid",
		"created": 1767225600,
		"data": {"object": {
			"subscription": "sub_ext_1",
			"customer": "cus_1",
			"subscription_details": {"metadata": {"account_id": "acct_1"}}
		}}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	require.NotNil(t, ev.Invoice)
	assert.Equal(t, "acct_1", ev.Invoice.AccountID)
}

func TestParseEvent_PaymentFailed(t *testing.T) {
	payload := []byte(`{
		"id": "evt_7",
		"type": "invoice.payment_failed",
		"created": 1767225600,
		"data": {"object": {"subscription": "sub_ext_1", "customer": "cus_1"}}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, types.ClassPaymentFailed, ev.Class)
}

func TestParseEvent_ChargeRefunded(t *testing.T) {
	payload := []byte(`{
		"id": "evt_8",
		"type": "charge.refunded",
		"created": 1767225600,
		"data": {"object": {"customer": "cus_1", "amount_refunded": 2900}}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, types.ClassChargeRefunded, ev.Class)
	require.NotNil(t, ev.Charge)
	assert.Equal(t, "cus_1", ev.Charge.CustomerRef)
	assert.Equal(t, int64(2900), ev.Charge.AmountCents)
}

func TestParseEvent_UnknownTypeIsAdmitted(t *testing.T) {
	payload := []byte(`{
		"id": "evt_9",
		"type": "customer.tax_id.created",
		"created": 1767225600,
		"data": {"object": {"id": "txi_1"}}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, types.ClassUnknown, ev.Class)
	assert.Equal(t, "customer.tax_id.created", ev.ProviderType)
	assert.Equal(t, "evt_9", ev.ID)
}

func TestParseEvent_KnownTypeWithBadShapeDegrades(t *testing.T) {
	// A subscription event whose object has no id is unusable, but the
	// delivery itself is valid; degrade instead of rejecting so the provider
	// is not retried forever.
	payload := []byte(`{
		"id": "evt_10",
		"type": "customer.subscription.updated",
		"created": 1767225600,
		"data": {"object": {"customer": "cus_1"}}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, types.ClassUnknown, ev.Class)
	assert.Nil(t, ev.Subscription)
}
