package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/metrics"
)

// DefaultStripeURL is Stripe's production API.
const DefaultStripeURL = "https://api.stripe.com"

// StripeClient dispatches inflows as PaymentIntents and outflows as Payouts.
type StripeClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *breaker
	logger     *slog.Logger
}

// NewStripeClient creates a Stripe client. baseURL may be empty for production.
func NewStripeClient(baseURL, apiKey string, httpClient *http.Client, cfg BreakerConfig, m *metrics.Metrics, logger *slog.Logger) *StripeClient {
	if baseURL == "" {
		baseURL = DefaultStripeURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger = logger.With("component", "stripe")
	return &StripeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		breaker:    newBreaker(domain.ProviderStripe, cfg, m, logger),
		logger:     logger,
	}
}

func (c *StripeClient) Name() domain.Provider { return domain.ProviderStripe }

// stripeObject covers the fields we read from payment_intent and payout objects.
type stripeObject struct {
	ID               string            `json:"id"`
	Object           string            `json:"object"`
	Status           string            `json:"status"`
	Metadata         map[string]string `json:"metadata"`
	FailureMessage   string            `json:"failure_message"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (o *stripeObject) payment() *Payment {
	p := &Payment{Reference: o.ID, Status: StripeStatus(o.Object, o.Status)}
	switch {
	case o.LastPaymentError != nil:
		p.FailureReason = o.LastPaymentError.Message
	case o.FailureMessage != "":
		p.FailureReason = o.FailureMessage
	}
	return p
}

// StripeStatus maps a PaymentIntent or Payout status to a PaymentStatus.
func StripeStatus(object, status string) PaymentStatus {
	switch status {
	case "succeeded", "paid":
		return PaymentSucceeded
	case "canceled":
		return PaymentCanceled
	case "failed":
		return PaymentFailed
	case "requires_payment_method":
		// A PaymentIntent falls back here after a failed attempt.
		if object == "payment_intent" {
			return PaymentFailed
		}
	}
	return PaymentProcessing
}

// CreatePayment creates a PaymentIntent (inflow) or Payout (outflow).
func (c *StripeClient) CreatePayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", "usd")
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	form.Set("metadata[transaction_id]", req.TransactionID)
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	path := "/v1/payment_intents"
	if req.Direction == domain.DirectionOut {
		path = "/v1/payouts"
		form.Set("method", "standard")
	} else {
		form.Set("payment_method_types[]", stripeMethodType(req.Method))
		form.Set("confirm", "true")
	}

	return c.breaker.call("create_payment", func() (*Payment, error) {
		var obj stripeObject
		if err := c.do(ctx, http.MethodPost, path, form, req.IdempotencyKey, "create_payment", &obj); err != nil {
			return nil, err
		}
		c.logger.InfoContext(ctx, "stripe payment created",
			"transaction_id", req.TransactionID, "reference", obj.ID, "status", obj.Status)
		return obj.payment(), nil
	})
}

// GetPayment fetches the current status of a PaymentIntent or Payout.
func (c *StripeClient) GetPayment(ctx context.Context, reference string) (*Payment, error) {
	path := "/v1/payment_intents/" + url.PathEscape(reference)
	if strings.HasPrefix(reference, "po_") {
		path = "/v1/payouts/" + url.PathEscape(reference)
	}
	return c.breaker.call("get_payment", func() (*Payment, error) {
		var obj stripeObject
		if err := c.do(ctx, http.MethodGet, path, nil, "", "get_payment", &obj); err != nil {
			return nil, err
		}
		return obj.payment(), nil
	})
}

func stripeMethodType(m domain.PaymentMethod) string {
	if m == domain.MethodACH {
		return "us_bank_account"
	}
	return "customer_balance"
}

func (c *StripeClient) do(ctx context.Context, method, path string, form url.Values, idempotencyKey, op string, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &domain.ProviderError{Provider: domain.ProviderStripe, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return doJSON(c.httpClient, req, domain.ProviderStripe, op, out)
}

// doJSON executes req and decodes a 2xx JSON body into out. Failures come
// back as ProviderErrors; 429 and 5xx are retryable.
func doJSON(httpClient *http.Client, req *http.Request, p domain.Provider, op string, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return &domain.ProviderError{Provider: p, Op: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &domain.ProviderError{Provider: p, Op: op, StatusCode: resp.StatusCode, Retryable: true, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.ProviderError{
			Provider:   p,
			Op:         op,
			StatusCode: resp.StatusCode,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:        fmt.Errorf("%s", upstreamMessage(data)),
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &domain.ProviderError{Provider: p, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// upstreamMessage pulls a human readable message out of a Stripe or Plaid error body.
func upstreamMessage(data []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		ErrorMessage string `json:"error_message"`
	}
	if json.Unmarshal(data, &e) == nil {
		if e.Error.Message != "" {
			return e.Error.Message
		}
		if e.ErrorMessage != "" {
			return e.ErrorMessage
		}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = "empty response"
	}
	return msg
}
