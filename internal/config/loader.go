package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Load loads and validates the configuration.
//
// It performs the following steps in order:
//  1. Sets the process timezone to UTC to prevent drift bugs in billing
//     period arithmetic.
//  2. Loads a .env file if present (non-fatal if missing; never overrides
//     existing environment variables).
//  3. Processes envconfig tags to populate the Config struct.
//  4. Validates the struct with go-playground/validator.
func Load() (*Config, error) {
	time.Local = time.UTC

	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to process environment: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}
