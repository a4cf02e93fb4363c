package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/metrics"
	"github.com/shopspring/decimal"
)

// DefaultPlaidURL is Plaid's production API.
const DefaultPlaidURL = "https://production.plaid.com"

// PlaidClient dispatches ACH transfers through Plaid Transfer and reads
// account verification through Plaid Auth.
type PlaidClient struct {
	baseURL    string
	clientID   string
	secret     string
	httpClient *http.Client
	breaker    *breaker
	logger     *slog.Logger
}

// NewPlaidClient creates a Plaid client. baseURL may be empty for production.
func NewPlaidClient(baseURL, clientID, secret string, httpClient *http.Client, cfg BreakerConfig, m *metrics.Metrics, logger *slog.Logger) *PlaidClient {
	if baseURL == "" {
		baseURL = DefaultPlaidURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger = logger.With("component", "plaid")
	return &PlaidClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   clientID,
		secret:     secret,
		httpClient: httpClient,
		breaker:    newBreaker(domain.ProviderPlaid, cfg, m, logger),
		logger:     logger,
	}
}

func (c *PlaidClient) Name() domain.Provider { return domain.ProviderPlaid }

type plaidTransfer struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FailureReason *struct {
		Description string `json:"description"`
	} `json:"failure_reason"`
}

func (t *plaidTransfer) payment() *Payment {
	p := &Payment{Reference: t.ID, Status: PlaidStatus(t.Status)}
	if t.FailureReason != nil {
		p.FailureReason = t.FailureReason.Description
	}
	return p
}

// PlaidStatus maps a Plaid transfer status or transfer event type to a PaymentStatus.
func PlaidStatus(status string) PaymentStatus {
	switch status {
	case "settled", "funds_available":
		return PaymentSucceeded
	case "failed", "returned":
		return PaymentFailed
	case "cancelled":
		return PaymentCanceled
	}
	return PaymentProcessing
}

// plaidAmount renders cents as Plaid's decimal dollar string.
func plaidAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// CreatePayment creates an ACH transfer. Investments debit the investor's
// account; outflows credit it.
func (c *PlaidClient) CreatePayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	if req.Destination == nil || req.Destination.PlaidAccountID == "" {
		return nil, &domain.ProviderError{Provider: domain.ProviderPlaid, Op: "create_payment",
			Err: domain.Invalid("bank_account_id", "bank account is not linked through plaid")}
	}
	transferType := "debit"
	if req.Direction == domain.DirectionOut {
		transferType = "credit"
	}
	metadata := map[string]string{"transaction_id": req.TransactionID}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	body := map[string]any{
		"access_token":    req.Destination.PlaidItemID,
		"account_id":      req.Destination.PlaidAccountID,
		"type":            transferType,
		"network":         "ach",
		"amount":          plaidAmount(req.Amount),
		"description":     truncate(req.Description, 15),
		"idempotency_key": req.IdempotencyKey,
		"metadata":        metadata,
	}

	return c.breaker.call("create_payment", func() (*Payment, error) {
		var resp struct {
			Transfer plaidTransfer `json:"transfer"`
		}
		if err := c.post(ctx, "/transfer/create", body, "create_payment", &resp); err != nil {
			return nil, err
		}
		c.logger.InfoContext(ctx, "plaid transfer created",
			"transaction_id", req.TransactionID, "reference", resp.Transfer.ID, "status", resp.Transfer.Status)
		return resp.Transfer.payment(), nil
	})
}

// GetPayment fetches a transfer's current status.
func (c *PlaidClient) GetPayment(ctx context.Context, reference string) (*Payment, error) {
	return c.breaker.call("get_payment", func() (*Payment, error) {
		var resp struct {
			Transfer plaidTransfer `json:"transfer"`
		}
		if err := c.post(ctx, "/transfer/get", map[string]any{"transfer_id": reference}, "get_payment", &resp); err != nil {
			return nil, err
		}
		return resp.Transfer.payment(), nil
	})
}

// VerificationStatus reads the Auth verification state of a linked account.
// Instantly verified accounts carry no verification status.
func (c *PlaidClient) VerificationStatus(ctx context.Context, account *domain.BankAccount) (domain.VerificationStatus, error) {
	if account.PlaidItemID == "" || account.PlaidAccountID == "" {
		return account.VerificationStatus, nil
	}
	body := map[string]any{
		"access_token": account.PlaidItemID,
		"options":      map[string]any{"account_ids": []string{account.PlaidAccountID}},
	}
	var resp struct {
		Accounts []struct {
			AccountID          string `json:"account_id"`
			VerificationStatus string `json:"verification_status"`
		} `json:"accounts"`
	}
	_, err := c.breaker.call("verification_status", func() (*Payment, error) {
		return &Payment{}, c.post(ctx, "/auth/get", body, "verification_status", &resp)
	})
	if err != nil {
		return "", err
	}
	for _, a := range resp.Accounts {
		if a.AccountID == account.PlaidAccountID {
			return plaidVerification(a.VerificationStatus), nil
		}
	}
	return domain.VerificationFailed, nil
}

func plaidVerification(s string) domain.VerificationStatus {
	switch s {
	case "", "automatically_verified", "manually_verified":
		return domain.VerificationVerified
	case "verification_expired", "verification_failed", "database_matched_failed":
		return domain.VerificationFailed
	}
	return domain.VerificationPending
}

func (c *PlaidClient) post(ctx context.Context, path string, body map[string]any, op string, out any) error {
	body["client_id"] = c.clientID
	body["secret"] = c.secret
	data, err := json.Marshal(body)
	if err != nil {
		return &domain.ProviderError{Provider: domain.ProviderPlaid, Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return &domain.ProviderError{Provider: domain.ProviderPlaid, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(c.httpClient, req, domain.ProviderPlaid, op, out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
