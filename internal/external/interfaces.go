// Package external is the anti-corruption layer between the billing core and
// the payment provider's API. All outbound HTTP calls are routed through the
// BaseClient, which enforces consistent resilience patterns: circuit breaking,
// retries with exponential backoff, and error mapping.
package external

// WebhookVerifier abstracts webhook signature checking at the ingress gate.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature
	// header and signing secret. Returns nil on success, an error on failure.
	Verify(payload []byte, header string, secret string) error
}
