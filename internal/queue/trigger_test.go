package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelmint/internal/config"
	"pixelmint/internal/types"
)

// mockSQSSender records SendMessage inputs for verification.
type mockSQSSender struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, params)
	return &sqs.SendMessageOutput{}, nil
}

func newTestTrigger(sender *mockSQSSender) *ReconcileTrigger {
	return NewReconcileTrigger(
		sender,
		config.AWSConfig{ReconcileQueue: "https://sqs.test/reconcile"},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func TestDispatch_SendsEventWithAttributes(t *testing.T) {
	sender := &mockSQSSender{}
	trigger := newTestTrigger(sender)

	event := &types.NormalizedEvent{
		ID:           "evt_1",
		Class:        types.ClassSubscriptionSnapshot,
		ProviderType: "customer.subscription.updated",
		OccurredAt:   time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
		Subscription: &types.ExternalSubscriptionState{Ref: "sub_ext_1", AccountID: "acct_1", Status: "active"},
	}

	require.NoError(t, trigger.Dispatch(context.Background(), event))
	require.Len(t, sender.inputs, 1)

	input := sender.inputs[0]
	assert.Equal(t, "https://sqs.test/reconcile", *input.QueueUrl)
	assert.Equal(t, "subscription_snapshot", *input.MessageAttributes["event_class"].StringValue)
	assert.Equal(t, "customer.subscription.updated", *input.MessageAttributes["provider_type"].StringValue)

	// The body round-trips back into the same normalized event.
	var decoded types.NormalizedEvent
	require.NoError(t, json.Unmarshal([]byte(*input.MessageBody), &decoded))
	assert.Equal(t, *event, decoded)
}

func TestDispatch_SendFailureIsQueueUnavailable(t *testing.T) {
	sender := &mockSQSSender{err: errors.New("sqs unreachable")}
	trigger := newTestTrigger(sender)

	err := trigger.Dispatch(context.Background(), &types.NormalizedEvent{ID: "evt_1", Class: types.ClassPaymentSucceeded})
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeQueueUnavailable, appErr.Code)
	assert.Equal(t, "evt_1", appErr.Details["event_id"])
	assert.True(t, types.IsRetryable(err), "a queue outage must trigger provider redelivery")
}
