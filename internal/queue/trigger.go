// Package queue provides the SQS-based producer that hands admitted lifecycle
// events from the ingress gate to the reconcile worker.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"pixelmint/internal/config"
	"pixelmint/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ReconcileTrigger serializes admitted NormalizedEvents and dispatches them
// to the reconcile queue. The webhook is acknowledged before the event is
// applied; redelivery and retry are the queue's job from that point on.
type ReconcileTrigger struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewReconcileTrigger creates a ReconcileTrigger with the given SQS client
// and configuration.
func NewReconcileTrigger(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *ReconcileTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileTrigger{
		client:   client,
		queueURL: awsCfg.ReconcileQueue,
		logger:   logger,
	}
}

// Dispatch enqueues one admitted event. A failure surfaces as a queue
// availability error; the gate turns that into a non-2xx response so the
// provider redelivers.
func (t *ReconcileTrigger) Dispatch(ctx context.Context, event *types.NormalizedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal normalized event",
			err,
		)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_class": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Class)),
			},
			"provider_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.ProviderType),
			},
		},
	}

	if _, err := t.client.SendMessage(ctx, input); err != nil {
		return types.NewAppErrorWithDetails(
			types.ErrCodeQueueUnavailable,
			"failed to enqueue reconcile event",
			err,
			map[string]any{"event_id": event.ID},
		)
	}

	t.logger.InfoContext(ctx, "reconcile event enqueued",
		"event_id", event.ID,
		"event_class", string(event.Class),
		"provider_type", event.ProviderType,
	)

	return nil
}
