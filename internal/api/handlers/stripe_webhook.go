// Package handlers contains the HTTP handler implementations for the
// PixelMint billing API.
//
// The webhook handler is the event ingress gate. It is NOT behind auth
// middleware; authenticity comes from verifying the Stripe-Signature header
// against the webhook signing secret.
package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pixelmint/internal/billing"
	"pixelmint/internal/core"
	"pixelmint/internal/external"
	"pixelmint/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads (64 KB). Real payloads are
// far smaller; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// Dispatcher hands an admitted event to the reconcile queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *types.NormalizedEvent) error
}

// StripeWebhookHandler is the event ingress gate: it admits authentic
// provider deliveries, normalizes them, enqueues them for reconciliation, and
// acknowledges. All domain side effects happen later, in the reconcile
// worker; the gate returns within the provider's response-time budget.
type StripeWebhookHandler struct {
	verifier   external.WebhookVerifier
	dispatcher Dispatcher
	secret     types.SecretString
	logger     *slog.Logger
}

// NewStripeWebhookHandler creates the gate with its dependencies.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	dispatcher Dispatcher,
	secret types.SecretString,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
		secret:     secret,
		logger:     logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Kept separate from
// authenticated route groups because webhook routes are public.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle admits one provider delivery:
//  1. Fail closed when no signing secret is configured (503; nothing enters).
//  2. Read the raw body with a size limit.
//  3. Require and verify the Stripe-Signature header (401 on failure).
//  4. Normalize the payload; unknown event types are admitted as no-ops.
//  5. Enqueue for reconciliation and ack with 200.
//
// A queue failure returns 5xx so the provider redelivers; everything admitted
// past that point is the reconciler's responsibility.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.secret.IsZero() {
		h.logger.ErrorContext(r.Context(), "webhook signing secret not configured; rejecting delivery")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeConfigWebhookSecretMissing,
			"webhook verification is not configured",
			nil,
		))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidBody,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret.Unmask()); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	event, err := billing.ParseEvent(payload)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to normalize webhook event", "error", err)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "webhook event admitted",
		"event_id", event.ID,
		"event_class", string(event.Class),
		"provider_type", event.ProviderType,
	)

	if event.Class == types.ClassUnknown {
		// Authentic but outside the acted-on set: ack so the provider never
		// retries it.
		core.JSON(w, r, http.StatusOK, map[string]string{"received": event.ID})
		return
	}

	if err := h.dispatcher.Dispatch(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to enqueue admitted event",
			"event_id", event.ID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, map[string]string{"received": event.ID})
}
