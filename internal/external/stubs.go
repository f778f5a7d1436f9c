package external

import (
	"context"
	"log/slog"
	"time"

	"pixelmint/internal/types"
)

// ---------------------------------------------------------------------------
// Stub implementations
//
// Stubs allow the application to boot in local/test mode without real
// provider credentials. They log all actions and return predictable, safe
// default values.
// ---------------------------------------------------------------------------

// StubPaymentProvider implements billing.PaymentProvider by logging calls and
// returning test-safe defaults. Used when config.IsTestMode is true or
// APP_ENV=local.
type StubPaymentProvider struct {
	logger *slog.Logger
}

// NewStubPaymentProvider creates a new StubPaymentProvider.
func NewStubPaymentProvider(logger *slog.Logger) *StubPaymentProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubPaymentProvider{logger: logger}
}

func (s *StubPaymentProvider) CancelSubscription(ctx context.Context, externalRef string) error {
	s.logger.InfoContext(ctx, "stub: CancelSubscription called",
		"external_ref", externalRef,
	)
	return nil
}

func (s *StubPaymentProvider) FetchSubscription(ctx context.Context, externalRef string) (*types.ExternalSubscriptionState, error) {
	s.logger.InfoContext(ctx, "stub: FetchSubscription called",
		"external_ref", externalRef,
	)
	now := time.Now().UTC()
	return &types.ExternalSubscriptionState{
		Ref:         externalRef,
		CustomerRef: "cus_stub",
		Status:      "active",
		PeriodStart: now,
		PeriodEnd:   now.AddDate(0, 1, 0),
	}, nil
}

func (s *StubPaymentProvider) FetchPrice(ctx context.Context, priceRef string) (*types.ExternalPrice, error) {
	s.logger.InfoContext(ctx, "stub: FetchPrice called",
		"price_ref", priceRef,
	)
	return &types.ExternalPrice{
		Ref:             priceRef,
		UnitAmountCents: 0,
		Currency:        "usd",
		Interval:        "month",
	}, nil
}

// StubVerifier implements WebhookVerifier by accepting every payload. Only
// for local/test mode; production always uses StripeVerifier.
type StubVerifier struct {
	logger *slog.Logger
}

// NewStubVerifier creates a new StubVerifier.
func NewStubVerifier(logger *slog.Logger) *StubVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubVerifier{logger: logger}
}

func (s *StubVerifier) Verify(payload []byte, header string, secret string) error {
	s.logger.Info("stub: webhook signature accepted without verification",
		"payload_bytes", len(payload),
	)
	return nil
}
