package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/provider"
)

// DefaultPaymentRoutes sends ACH through Plaid and everything else through Stripe.
const DefaultPaymentRoutes = "ACH=PLAID,WIRE=STRIPE,CHECK=STRIPE"

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// EncryptionKey is the hex-encoded 32-byte vault key.
	EncryptionKey string

	// NATS configuration. Empty disables event publishing and the shared
	// webhook queue.
	NATSURL string

	// Redis configuration. Empty uses in-process locks.
	RedisURL string

	// MongoDB audit trail. Empty logs audit records only.
	MongoURL      string
	MongoDatabase string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Stripe configuration
	StripeAPIKey        string
	StripeAPIURL        string
	StripeWebhookSecret string

	// Plaid configuration
	PlaidClientID      string
	PlaidSecret        string
	PlaidAPIURL        string
	PlaidWebhookSecret string

	// PaymentRoutes maps payment methods to the rail that moves them.
	PaymentRoutes map[domain.PaymentMethod]domain.Provider

	// Webhook processing
	WebhookTolerance    time.Duration
	WebhookPlaidBucket  time.Duration
	WebhookMaxAttempts  int
	WebhookPendingAfter time.Duration

	// Reconciliation sweep
	SweepInterval    time.Duration
	SweepStaleAfter  time.Duration
	SweepReviewAfter time.Duration
	SweepLimit       int

	// Sanctions screening lists
	SanctionedUserIDs   []string
	SanctionedNames     []string
	SanctionedCountries []string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	if cfg.EncryptionKey == "" {
		errs = append(errs, fmt.Errorf("ENCRYPTION_KEY is required"))
	} else if err := validateKey(cfg.EncryptionKey); err != nil {
		errs = append(errs, fmt.Errorf("ENCRYPTION_KEY: %w", err))
	}

	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.MongoURL = os.Getenv("MONGO_URL")
	cfg.MongoDatabase = getEnvOrDefault("MONGO_DATABASE", "escrowd")

	// Temporal configuration
	cfg.TemporalHost = os.Getenv("TEMPORAL_HOST")
	if cfg.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_HOST is required"))
	}
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "escrowd-reconcile")

	// Stripe configuration
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.StripeAPIURL = getEnvOrDefault("STRIPE_API_URL", "https://api.stripe.com")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	if cfg.StripeWebhookSecret == "" {
		errs = append(errs, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required"))
	}

	// Plaid configuration
	cfg.PlaidClientID = os.Getenv("PLAID_CLIENT_ID")
	cfg.PlaidSecret = os.Getenv("PLAID_SECRET")
	cfg.PlaidAPIURL = getEnvOrDefault("PLAID_API_URL", "https://production.plaid.com")
	cfg.PlaidWebhookSecret = os.Getenv("PLAID_WEBHOOK_SECRET")
	if cfg.PlaidWebhookSecret == "" {
		errs = append(errs, fmt.Errorf("PLAID_WEBHOOK_SECRET is required"))
	}

	routes, err := provider.ParseRoutes(getEnvOrDefault("PAYMENT_ROUTES", DefaultPaymentRoutes))
	if err != nil {
		errs = append(errs, fmt.Errorf("PAYMENT_ROUTES: %w", err))
	} else {
		cfg.PaymentRoutes = routes
	}

	// Webhook configuration
	if cfg.WebhookTolerance, err = parseDuration("WEBHOOK_TOLERANCE", "5m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.WebhookPlaidBucket, err = parseDuration("WEBHOOK_PLAID_BUCKET", "1m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.WebhookMaxAttempts, err = parseInt("WEBHOOK_MAX_ATTEMPTS", 10); err != nil {
		errs = append(errs, err)
	}
	if cfg.WebhookPendingAfter, err = parseDuration("WEBHOOK_PENDING_AFTER", "10m"); err != nil {
		errs = append(errs, err)
	}

	// Sweep configuration
	if cfg.SweepInterval, err = parseDuration("SWEEP_INTERVAL", "5m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.SweepStaleAfter, err = parseDuration("SWEEP_STALE_AFTER", "30m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.SweepReviewAfter, err = parseDuration("SWEEP_REVIEW_AFTER", "72h"); err != nil {
		errs = append(errs, err)
	}
	if cfg.SweepLimit, err = parseInt("SWEEP_LIMIT", 200); err != nil {
		errs = append(errs, err)
	}

	if cfg.SweepStaleAfter > cfg.SweepReviewAfter {
		errs = append(errs, fmt.Errorf("SWEEP_STALE_AFTER (%v) cannot be greater than SWEEP_REVIEW_AFTER (%v)",
			cfg.SweepStaleAfter, cfg.SweepReviewAfter))
	}

	// Sanctions lists
	cfg.SanctionedUserIDs = parseList("SANCTIONED_USER_IDS")
	cfg.SanctionedNames = parseList("SANCTIONED_NAMES")
	cfg.SanctionedCountries = parseList("SANCTIONED_COUNTRIES")

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if err := validateKey(c.EncryptionKey); err != nil {
		errs = append(errs, fmt.Errorf("EncryptionKey: %w", err))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.StripeWebhookSecret == "" {
		errs = append(errs, fmt.Errorf("StripeWebhookSecret is required"))
	}

	if c.PlaidWebhookSecret == "" {
		errs = append(errs, fmt.Errorf("PlaidWebhookSecret is required"))
	}

	if len(c.PaymentRoutes) == 0 {
		errs = append(errs, fmt.Errorf("PaymentRoutes must route at least one method"))
	}

	if c.SweepStaleAfter > c.SweepReviewAfter {
		errs = append(errs, fmt.Errorf("SweepStaleAfter cannot be greater than SweepReviewAfter"))
	}

	if c.SweepInterval > 0 && c.SweepInterval < time.Minute {
		errs = append(errs, fmt.Errorf("SweepInterval must be at least 1 minute"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

func validateKey(key string) error {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("must be hex encoded: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("must be 32 bytes (64 hex characters), got %d bytes", len(raw))
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseList splits a comma-separated environment variable, dropping blanks.
func parseList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
