package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"pixelmint/internal/billing"
	"pixelmint/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements billing.PaymentProvider by making direct HTTP calls
// to the Stripe REST API through BaseClient. This routes all requests through
// the platform's resilience infrastructure (circuit breaker, retries, error
// mapping) and makes testing with httptest straightforward.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient. The httpClient timeout bounds every
// provider call and should come from BillingConfig.ProviderTimeout.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"PixelMint/1.0",
	)

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Useful for testing when you want to control retry and breaker
// behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// billing.PaymentProvider implementation
// ---------------------------------------------------------------------------

// CancelSubscription cancels the subscription at Stripe. A resource_missing
// response means the subscription is already gone, which is the desired end
// state, so it maps to success.
func (s *StripeClient) CancelSubscription(ctx context.Context, externalRef string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		s.baseURL+"/v1/subscriptions/"+externalRef, nil)
	if err != nil {
		return err
	}
	s.setAuthHeaders(req)

	resp, err := s.base.Do(req)
	if err != nil {
		return s.wrapTransportError("CancelSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	stripeErr, mapErr := s.readErrorResponse(resp, "CancelSubscription")
	if mapErr != nil {
		return mapErr
	}
	if stripeErr.Code == "resource_missing" {
		s.logger.InfoContext(ctx, "subscription already canceled at provider",
			"external_ref", externalRef,
		)
		return nil
	}
	return s.mapStripeError("CancelSubscription", resp.StatusCode, stripeErr)
}

// FetchSubscription retrieves the provider's full current view of a
// subscription. Used to complete partial snapshots from checkout
// confirmations.
func (s *StripeClient) FetchSubscription(ctx context.Context, externalRef string) (*types.ExternalSubscriptionState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/v1/subscriptions/"+externalRef, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	resp, err := s.base.Do(req)
	if err != nil {
		return nil, s.wrapTransportError("FetchSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		stripeErr, mapErr := s.readErrorResponse(resp, "FetchSubscription")
		if mapErr != nil {
			return nil, mapErr
		}
		if stripeErr.Code == "resource_missing" {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeNotFoundSubscription,
				"subscription not found at provider",
				nil,
				map[string]any{"external_ref": externalRef},
			)
		}
		return nil, s.mapStripeError("FetchSubscription", resp.StatusCode, stripeErr)
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription response",
			err,
		)
	}
	return mapStripeSubscription(&sub), nil
}

// FetchPrice retrieves price details, used to enrich unresolved-plan
// diagnostics.
func (s *StripeClient) FetchPrice(ctx context.Context, priceRef string) (*types.ExternalPrice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/v1/prices/"+priceRef, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	resp, err := s.base.Do(req)
	if err != nil {
		return nil, s.wrapTransportError("FetchPrice", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		stripeErr, mapErr := s.readErrorResponse(resp, "FetchPrice")
		if mapErr != nil {
			return nil, mapErr
		}
		return nil, s.mapStripeError("FetchPrice", resp.StatusCode, stripeErr)
	}

	var price stripePrice
	if err := json.NewDecoder(resp.Body).Decode(&price); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe price response",
			err,
		)
	}
	return &types.ExternalPrice{
		Ref:             price.ID,
		UnitAmountCents: price.UnitAmount,
		Currency:        price.Currency,
		Interval:        price.Recurring.Interval,
	}, nil
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe
// API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// readErrorResponse parses a non-200 Stripe response body. Returns the parsed
// error body, or a terminal AppError when the body was unreadable.
func (s *StripeClient) readErrorResponse(resp *http.Response, operation string) (*stripeErrorBody, error) {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}
	return &stripeErr.Error, nil
}

// mapStripeError translates a Stripe error into a types.AppError.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
			map[string]any{"stripe_code": stripeErr.Code, "stripe_type": stripeErr.Type},
		)
	}
}

// wrapTransportError passes through BaseClient AppErrors (circuit breaker,
// retries exhausted) and wraps everything else as an upstream failure.
func (s *StripeClient) wrapTransportError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamProvider,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe response types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeSubscription struct {
	ID                 string                  `json:"id"`
	Customer           string                  `json:"customer"`
	Status             string                  `json:"status"`
	CurrentPeriodStart int64                   `json:"current_period_start"`
	CurrentPeriodEnd   int64                   `json:"current_period_end"`
	TrialEnd           int64                   `json:"trial_end"`
	Metadata           map[string]string       `json:"metadata"`
	Items              stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID         string          `json:"id"`
	UnitAmount int64           `json:"unit_amount"`
	Currency   string          `json:"currency"`
	Recurring  stripeRecurring `json:"recurring"`
}

type stripeRecurring struct {
	Interval string `json:"interval"`
}

// mapStripeSubscription converts a Stripe subscription to the normalized
// snapshot form the reconciler consumes.
func mapStripeSubscription(sub *stripeSubscription) *types.ExternalSubscriptionState {
	state := &types.ExternalSubscriptionState{
		Ref:         sub.ID,
		CustomerRef: sub.Customer,
		AccountID:   sub.Metadata["account_id"],
		Status:      sub.Status,
		PlanRef:     sub.Metadata["plan_id"],
		PeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if sub.TrialEnd > 0 {
		trialEnd := time.Unix(sub.TrialEnd, 0).UTC()
		state.TrialEnd = &trialEnd
	}
	if len(sub.Items.Data) > 0 {
		state.PriceRef = sub.Items.Data[0].Price.ID
	}
	return state
}

// ---------------------------------------------------------------------------
// Webhook verification
// ---------------------------------------------------------------------------

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature verification: HMAC-SHA256 signature checking with timestamp
// tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header and
// signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}

// Compile-time assertions.
var (
	_ billing.PaymentProvider = (*StripeClient)(nil)
	_ WebhookVerifier         = (*StripeVerifier)(nil)
)
