// Package main is the entrypoint for the reconcile worker Lambda function.
//
// The worker consumes admitted lifecycle events from the reconcile SQS queue
// and drives the subscription reconciler. Each message is processed
// independently; failures with a transient cause are reported as partial
// batch failures so SQS redelivers only those messages, while terminal
// failures are acknowledged and logged for operator re-drive.
//
// Cold start (main):
//  1. Initialize structured logger and configuration.
//  2. Connect the pgx pool and build the transaction manager.
//  3. Build the plan catalog and the Stripe provider client.
//  4. Register the handler and call lambda.Start.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"pixelmint/internal/billing"
	"pixelmint/internal/config"
	"pixelmint/internal/db"
	"pixelmint/internal/external"
	"pixelmint/internal/types"
)

// Handler holds the dependencies for the reconcile worker.
type Handler struct {
	reconciler *billing.Reconciler
	logger     *slog.Logger
}

// Handle processes an SQS event containing one or more admitted lifecycle
// events. Lambda SQS integration uses partial batch responses: messages that
// fail with a retryable error are returned in batchItemFailures so SQS
// redelivers them; everything else is acknowledged.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process reconcile message",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage applies one admitted event. Returns an error only when the
// message should be redelivered.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var event types.NormalizedEvent
	if err := json.Unmarshal([]byte(record.Body), &event); err != nil {
		// Permanent parse failure; redelivery cannot fix it. Ack and log.
		h.logger.ErrorContext(ctx, "failed to unmarshal normalized event; dropping",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	outcome, err := h.reconciler.Apply(ctx, event)
	if err != nil {
		if types.IsRetryable(err) {
			return err
		}
		h.logger.ErrorContext(ctx, "event failed terminally; dropping",
			"event_id", event.ID,
			"event_class", string(event.Class),
			"error", err,
		)
		return nil
	}

	h.logger.InfoContext(ctx, "event reconciled",
		"event_id", event.ID,
		"event_class", string(event.Class),
		"outcome", string(outcome),
	)
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	uow := db.NewTxManager(pool, logger)
	catalog := db.NewPlanRepo(pool, logger)
	provider := newProvider(cfg, logger)

	handler := &Handler{
		reconciler: billing.NewReconciler(uow, catalog, provider, logger),
		logger:     logger,
	}

	lambda.Start(handler.Handle)
}

// newProvider selects the Stripe client, or the logging stub in local/test
// mode.
func newProvider(cfg *config.Config, logger *slog.Logger) billing.PaymentProvider {
	if cfg.IsTestMode || cfg.Environment == "local" {
		return external.NewStubPaymentProvider(logger)
	}
	return external.NewStripeClient(
		&http.Client{Timeout: cfg.Billing.ProviderTimeout},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			Logger:    logger,
		},
	)
}
