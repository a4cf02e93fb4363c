package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestStripeClient_CreatePayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "tx-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "5000000", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "us_bank_account", r.PostForm.Get("payment_method_types[]"))
		assert.Equal(t, "tx-1", r.PostForm.Get("metadata[transaction_id]"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "pi_123", "object": "payment_intent", "status": "processing"})
	}))
	defer server.Close()

	c := NewStripeClient(server.URL, "sk_test", nil, DefaultBreakerConfig(), nil, testLogger())
	p, err := c.CreatePayment(context.Background(), PaymentRequest{
		TransactionID:  "tx-1",
		IdempotencyKey: "tx-1",
		Amount:         5_000_000,
		Method:         domain.MethodACH,
		Direction:      domain.DirectionIn,
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", p.Reference)
	assert.Equal(t, PaymentProcessing, p.Status)
}

func TestStripeClient_PayoutForOutflow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payouts", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"id": "po_9", "object": "payout", "status": "pending"})
	}))
	defer server.Close()

	c := NewStripeClient(server.URL, "sk_test", nil, DefaultBreakerConfig(), nil, testLogger())
	p, err := c.CreatePayment(context.Background(), PaymentRequest{TransactionID: "tx-2", Amount: 100, Direction: domain.DirectionOut})
	require.NoError(t, err)
	assert.Equal(t, "po_9", p.Reference)
}

func TestStripeClient_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"card declined", http.StatusPaymentRequired, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"upstream down", http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "nope"}})
			}))
			defer server.Close()

			c := NewStripeClient(server.URL, "sk_test", nil, DefaultBreakerConfig(), nil, testLogger())
			_, err := c.GetPayment(context.Background(), "pi_1")
			require.Error(t, err)

			var perr *domain.ProviderError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.status, perr.StatusCode)
			assert.Equal(t, tt.retryable, perr.Retryable)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestStripeStatus(t *testing.T) {
	assert.Equal(t, PaymentSucceeded, StripeStatus("payment_intent", "succeeded"))
	assert.Equal(t, PaymentSucceeded, StripeStatus("payout", "paid"))
	assert.Equal(t, PaymentFailed, StripeStatus("payment_intent", "requires_payment_method"))
	assert.Equal(t, PaymentFailed, StripeStatus("payout", "failed"))
	assert.Equal(t, PaymentCanceled, StripeStatus("payment_intent", "canceled"))
	assert.Equal(t, PaymentProcessing, StripeStatus("payment_intent", "processing"))
}

func TestPlaidClient_CreatePayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfer/create", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "client", body["client_id"])
		assert.Equal(t, "secret", body["secret"])
		assert.Equal(t, "debit", body["type"])
		assert.Equal(t, "50000.00", body["amount"])
		assert.Equal(t, "acc-1", body["account_id"])
		assert.Equal(t, "tx-3", body["idempotency_key"])

		json.NewEncoder(w).Encode(map[string]any{"transfer": map[string]any{"id": "tr_1", "status": "pending"}})
	}))
	defer server.Close()

	c := NewPlaidClient(server.URL, "client", "secret", nil, DefaultBreakerConfig(), nil, testLogger())
	p, err := c.CreatePayment(context.Background(), PaymentRequest{
		TransactionID:  "tx-3",
		IdempotencyKey: "tx-3",
		Amount:         5_000_000,
		Method:         domain.MethodACH,
		Direction:      domain.DirectionIn,
		Destination:    &Destination{PlaidItemID: "access-1", PlaidAccountID: "acc-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_1", p.Reference)
	assert.Equal(t, PaymentProcessing, p.Status)
}

func TestPlaidClient_RequiresLinkedAccount(t *testing.T) {
	c := NewPlaidClient("http://127.0.0.1:0", "client", "secret", nil, DefaultBreakerConfig(), nil, testLogger())
	_, err := c.CreatePayment(context.Background(), PaymentRequest{TransactionID: "tx", Amount: 1})
	var perr *domain.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.False(t, perr.Retryable)
}

func TestPlaidClient_VerificationStatus(t *testing.T) {
	tests := []struct {
		upstream string
		want     domain.VerificationStatus
	}{
		{"automatically_verified", domain.VerificationVerified},
		{"", domain.VerificationVerified},
		{"pending_manual_verification", domain.VerificationPending},
		{"verification_expired", domain.VerificationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.upstream, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/auth/get", r.URL.Path)
				json.NewEncoder(w).Encode(map[string]any{"accounts": []map[string]any{
					{"account_id": "acc-1", "verification_status": tt.upstream},
				}})
			}))
			defer server.Close()

			c := NewPlaidClient(server.URL, "client", "secret", nil, DefaultBreakerConfig(), nil, testLogger())
			got, err := c.VerificationStatus(context.Background(), &domain.BankAccount{ID: "ba", PlaidItemID: "access", PlaidAccountID: "acc-1"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, ConsecutiveFailures: 2}
	c := NewStripeClient(server.URL, "sk_test", nil, cfg, nil, testLogger())

	for i := 0; i < 2; i++ {
		_, err := c.GetPayment(context.Background(), "pi_1")
		require.Error(t, err)
	}
	_, err := c.GetPayment(context.Background(), "pi_1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))

	var perr *domain.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.Retryable)
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not reach upstream")
}

func TestBreaker_IgnoresClientErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	cfg := BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, ConsecutiveFailures: 1}
	c := NewStripeClient(server.URL, "sk_test", nil, cfg, nil, testLogger())
	for i := 0; i < 3; i++ {
		_, err := c.GetPayment(context.Background(), "pi_1")
		require.Error(t, err)
		assert.False(t, errors.Is(err, gobreaker.ErrOpenState))
	}
	assert.Equal(t, "closed", c.breaker.State())
}

func TestRouter(t *testing.T) {
	stripe := NewFake(domain.ProviderStripe)
	plaid := NewFake(domain.ProviderPlaid)

	routes, err := ParseRoutes("ACH=PLAID, wire=stripe,CHECK=STRIPE")
	require.NoError(t, err)

	r, err := NewRouter(routes, stripe, plaid)
	require.NoError(t, err)

	p, err := r.For(domain.MethodACH)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderPlaid, p.Name())

	p, err = r.For(domain.MethodWire)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStripe, p.Name())

	_, err = r.For(domain.MethodInternal)
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))

	got, ok := r.ByName(domain.ProviderStripe)
	require.True(t, ok)
	assert.Same(t, stripe, got)
}

func TestParseRoutes_Invalid(t *testing.T) {
	for _, s := range []string{"ACH", "ACH=VENMO", "CASH=STRIPE", "INTERNAL=STRIPE"} {
		_, err := ParseRoutes(s)
		assert.Error(t, err, s)
	}
}

func TestNewRouter_MissingProvider(t *testing.T) {
	_, err := NewRouter(map[domain.PaymentMethod]domain.Provider{domain.MethodACH: domain.ProviderPlaid}, NewFake(domain.ProviderStripe))
	assert.Error(t, err)
}

func TestDestination_StringMasksAccount(t *testing.T) {
	d := Destination{BankAccountID: "ba-1", AccountNumber: "000123456789", RoutingNumber: "021000021"}
	assert.Equal(t, "bank_account=ba-1 ****6789", d.String())
	assert.NotContains(t, d.String(), "021000021")
}

func TestFake_IdempotentCreate(t *testing.T) {
	f := NewFake(domain.ProviderStripe)
	p1, err := f.CreatePayment(context.Background(), PaymentRequest{IdempotencyKey: "k"})
	require.NoError(t, err)
	p2, err := f.CreatePayment(context.Background(), PaymentRequest{IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, p1.Reference, p2.Reference)

	f.Complete(p1.Reference)
	got, err := f.GetPayment(context.Background(), p1.Reference)
	require.NoError(t, err)
	assert.Equal(t, PaymentSucceeded, got.Status)
}
