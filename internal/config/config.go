// Package config defines the global configuration structure for the PixelMint
// billing core. Configuration is loaded once at process initialization and is
// immutable thereafter, following 12-Factor principles: values come from the
// OS environment, optionally seeded by a local .env file.
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import (
	"time"

	"pixelmint/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"pixelmint-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Billing  BillingConfig
	Sweeper  SweeperConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// ReconcileQueue receives admitted lifecycle events from the ingress
	// gate; the reconcile worker consumes it.
	ReconcileQueue string `envconfig:"SQS_RECONCILE_QUEUE" validate:"omitempty,url"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds payment provider credentials and timeouts.
type BillingConfig struct {
	// StripeSecretKey authenticates outbound Stripe API calls.
	StripeSecretKey SecretString `envconfig:"STRIPE_SECRET_KEY"`

	// StripeWebhookSecret verifies inbound webhook signatures. When empty,
	// the ingress gate fails closed and admits nothing.
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`

	// ProviderTimeout bounds every outbound provider call.
	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"20s"`
}

// SweeperConfig tunes the periodic credit reset sweeper.
type SweeperConfig struct {
	// Interval between sweeps when running as a daemon.
	Interval time.Duration `envconfig:"SWEEP_INTERVAL" default:"24h"`

	// Concurrency bounds how many accounts are reset in parallel.
	Concurrency int `envconfig:"SWEEP_CONCURRENCY" default:"4"`

	// EventRetention, when positive, prunes processed-event records older
	// than this window after each sweep. Zero (the default) disables
	// pruning. Must stay comfortably past the provider's redelivery
	// horizon, which is days.
	EventRetention time.Duration `envconfig:"SWEEP_EVENT_RETENTION" default:"0s"`
}
