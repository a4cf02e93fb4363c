package config

import (
	"strings"
	"testing"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = strings.Repeat("ab", 32)

// setRequired sets every required variable; t.Setenv restores them after the test.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("ENCRYPTION_KEY", testKey)
	t.Setenv("TEMPORAL_HOST", "localhost:7233")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("PLAID_WEBHOOK_SECRET", "plaid_test")
}

func TestLoad_ValidConfig(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, testKey, cfg.EncryptionKey)
	assert.Equal(t, ":8080", cfg.ServerAddr) // Default
	assert.Equal(t, "info", cfg.LogLevel)    // Default
	assert.Equal(t, "default", cfg.TemporalNamespace)
	assert.Equal(t, "escrowd-reconcile", cfg.TemporalTaskQueue)
	assert.Equal(t, "escrowd", cfg.MongoDatabase)
	assert.Empty(t, cfg.NATSURL)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, 5*time.Minute, cfg.WebhookTolerance)
	assert.Equal(t, time.Minute, cfg.WebhookPlaidBucket)
	assert.Equal(t, 10, cfg.WebhookMaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 30*time.Minute, cfg.SweepStaleAfter)
	assert.Equal(t, 72*time.Hour, cfg.SweepReviewAfter)
	assert.Equal(t, map[domain.PaymentMethod]domain.Provider{
		domain.MethodACH:   domain.ProviderPlaid,
		domain.MethodWire:  domain.ProviderStripe,
		domain.MethodCheck: domain.ProviderStripe,
	}, cfg.PaymentRoutes)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		unset string
		want  string
	}{
		{"DATABASE_URL", "DATABASE_URL is required"},
		{"ENCRYPTION_KEY", "ENCRYPTION_KEY is required"},
		{"TEMPORAL_HOST", "TEMPORAL_HOST is required"},
		{"STRIPE_WEBHOOK_SECRET", "STRIPE_WEBHOOK_SECRET is required"},
		{"PLAID_WEBHOOK_SECRET", "PLAID_WEBHOOK_SECRET is required"},
	}
	for _, tt := range tests {
		t.Run(tt.unset, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.unset, "")

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_AccumulatesErrors(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ENCRYPTION_KEY", "")
	t.Setenv("TEMPORAL_HOST", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	t.Setenv("PLAID_WEBHOOK_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	for _, want := range []string{"DATABASE_URL", "ENCRYPTION_KEY", "TEMPORAL_HOST", "STRIPE_WEBHOOK_SECRET", "PLAID_WEBHOOK_SECRET"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{"short key", "ENCRYPTION_KEY", "abcd", "must be 32 bytes"},
		{"non-hex key", "ENCRYPTION_KEY", strings.Repeat("zz", 32), "must be hex encoded"},
		{"bad duration", "SWEEP_INTERVAL", "soon", "invalid duration"},
		{"bad integer", "WEBHOOK_MAX_ATTEMPTS", "many", "invalid integer"},
		{"bad route", "PAYMENT_ROUTES", "ACH=VENMO", "PAYMENT_ROUTES"},
		{"stale after review", "SWEEP_STALE_AFTER", "100h", "cannot be greater than"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequired(t)
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("NATS_URL", "nats://nats.example.com:4222")
	t.Setenv("REDIS_URL", "redis://redis.example.com:6379/0")
	t.Setenv("MONGO_URL", "mongodb://mongo.example.com:27017")
	t.Setenv("MONGO_DATABASE", "audit")
	t.Setenv("PAYMENT_ROUTES", "ach=stripe, wire=stripe")
	t.Setenv("SWEEP_INTERVAL", "15m")
	t.Setenv("SWEEP_LIMIT", "50")
	t.Setenv("SANCTIONED_USER_IDS", "u1, u2,,")
	t.Setenv("SANCTIONED_COUNTRIES", "KP,IR")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "nats://nats.example.com:4222", cfg.NATSURL)
	assert.Equal(t, "redis://redis.example.com:6379/0", cfg.RedisURL)
	assert.Equal(t, "mongodb://mongo.example.com:27017", cfg.MongoURL)
	assert.Equal(t, "audit", cfg.MongoDatabase)
	assert.Equal(t, domain.ProviderStripe, cfg.PaymentRoutes[domain.MethodACH])
	assert.Len(t, cfg.PaymentRoutes, 2)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 50, cfg.SweepLimit)
	assert.Equal(t, []string{"u1", "u2"}, cfg.SanctionedUserIDs)
	assert.Equal(t, []string{"KP", "IR"}, cfg.SanctionedCountries)
	assert.Empty(t, cfg.SanctionedNames)
}

func validConfig() *Config {
	return &Config{
		DatabaseURL:         "postgres://localhost/test",
		EncryptionKey:       testKey,
		TemporalHost:        "localhost:7233",
		TemporalTaskQueue:   "escrowd-reconcile",
		StripeWebhookSecret: "whsec_test",
		PlaidWebhookSecret:  "plaid_test",
		PaymentRoutes:       map[domain.PaymentMethod]domain.Provider{domain.MethodACH: domain.ProviderPlaid},
		SweepInterval:       5 * time.Minute,
		SweepStaleAfter:     30 * time.Minute,
		SweepReviewAfter:    72 * time.Hour,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(c *Config) {}, ""},
		{"sweep disabled", func(c *Config) { c.SweepInterval = 0 }, ""},
		{"missing database", func(c *Config) { c.DatabaseURL = "" }, "DatabaseURL is required"},
		{"bad key", func(c *Config) { c.EncryptionKey = "00" }, "EncryptionKey"},
		{"no routes", func(c *Config) { c.PaymentRoutes = nil }, "PaymentRoutes"},
		{"missing plaid secret", func(c *Config) { c.PlaidWebhookSecret = "" }, "PlaidWebhookSecret is required"},
		{"sweep too frequent", func(c *Config) { c.SweepInterval = 10 * time.Second }, "at least 1 minute"},
		{"stale after review", func(c *Config) { c.SweepStaleAfter = 100 * time.Hour }, "cannot be greater than"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMustLoad_Panics(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	assert.Panics(t, func() {
		MustLoad()
	})
}

func TestMustLoad_Success(t *testing.T) {
	setRequired(t)

	assert.NotPanics(t, func() {
		cfg := MustLoad()
		assert.NotNil(t, cfg)
	})
}
