// Package client is the HTTP client for the escrowd API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/escrowd/service/domain"
)

// DefaultPollInterval is how often AwaitTerminal re-reads the transaction
// while it waits.
const DefaultPollInterval = 5 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode  int                  `json:"-"`
	Message     string               `json:"error"`
	Field       string               `json:"field,omitempty"`
	Reason      domain.Reason        `json:"reason,omitempty"`
	Checks      []domain.CheckResult `json:"checks,omitempty"`
	Transaction *domain.Transaction  `json:"transaction,omitempty"`
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// TransactionRequest creates a transaction. Amounts are in cents.
type TransactionRequest struct {
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Type           domain.TransactionType `json:"type,omitempty"`
	PaymentMethod  domain.PaymentMethod   `json:"payment_method"`
	Amount         int64                  `json:"amount"`
	FeeAmount      int64                  `json:"fee_amount,omitempty"`
	FromUserID     string                 `json:"from_user_id,omitempty"`
	ToUserID       string                 `json:"to_user_id,omitempty"`
	BankAccountID  string                 `json:"bank_account_id,omitempty"`
	OfferingID     string                 `json:"offering_id"`
	Description    string                 `json:"description,omitempty"`
}

// ListOptions filters transaction listings and summaries.
type ListOptions struct {
	UserID     string
	OfferingID string
	Status     domain.Status
	Type       domain.TransactionType
	Limit      int
	Offset     int
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	set := func(k, s string) {
		if s != "" {
			v.Set(k, s)
		}
	}
	set("user_id", o.UserID)
	set("offering_id", o.OfferingID)
	set("status", string(o.Status))
	set("type", string(o.Type))
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		v.Set("offset", strconv.Itoa(o.Offset))
	}
	return v
}

// WebhookRetry is the result of retrying one webhook event.
type WebhookRetry struct {
	Event *domain.WebhookEvent `json:"event"`
	Error string               `json:"error,omitempty"`
}

// Client is the HTTP client for the escrowd API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	streamHTTP *http.Client
	logger     *slog.Logger
}

// NewClient creates a new escrowd client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	// Streams stay open, so they must not inherit the request timeout.
	stream := *httpClient
	stream.Timeout = 0
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		streamHTTP: &stream,
		logger:     logger,
	}
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, header http.Header) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse turns a non-2xx response into an *APIError.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// CreateInvestment submits an investment on behalf of userID. A rejected
// investment returns an *APIError carrying the FAILED transaction.
func (c *Client) CreateInvestment(ctx context.Context, userID string, req TransactionRequest) (*domain.Transaction, error) {
	header := http.Header{}
	if userID != "" {
		header.Set("X-User-ID", userID)
	}
	if req.IdempotencyKey != "" {
		header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	var t domain.Transaction
	if err := c.do(ctx, http.MethodPost, "/api/v1/investments", req, &t, header); err != nil {
		return nil, err
	}
	c.logger.Debug("investment created", "transaction_id", t.ID, "status", t.Status)
	return &t, nil
}

// CreateTransaction submits a transaction of any type.
func (c *Client) CreateTransaction(ctx context.Context, req TransactionRequest) (*domain.Transaction, error) {
	var t domain.Transaction
	if err := c.do(ctx, http.MethodPost, "/api/v1/transactions", req, &t, nil); err != nil {
		return nil, err
	}
	c.logger.Debug("transaction created", "transaction_id", t.ID, "type", t.Type, "status", t.Status)
	return &t, nil
}

// GetTransaction returns one transaction.
func (c *Client) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	var t domain.Transaction
	if err := c.do(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(id), nil, &t, nil); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTransaction cancels a transaction that has not been dispatched.
func (c *Client) CancelTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	var t domain.Transaction
	if err := c.do(ctx, http.MethodPost, "/api/v1/transactions/"+url.PathEscape(id)+"/cancel", nil, &t, nil); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransactions returns transactions matching opts.
func (c *Client) ListTransactions(ctx context.Context, opts ListOptions) ([]*domain.Transaction, error) {
	var resp struct {
		Transactions []*domain.Transaction `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v1/transactions", opts.values()), nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// Summary aggregates transactions matching opts.
func (c *Client) Summary(ctx context.Context, opts ListOptions) (*domain.Summary, error) {
	var s domain.Summary
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v1/transactions/summary", opts.values()), nil, &s, nil); err != nil {
		return nil, err
	}
	return &s, nil
}

// OpenAccount opens the escrow account for an offering.
func (c *Client) OpenAccount(ctx context.Context, offeringID string, mode domain.RegulationMode) (*domain.EscrowAccount, error) {
	var a domain.EscrowAccount
	in := map[string]string{"offering_id": offeringID, "regulation_mode": string(mode)}
	if err := c.do(ctx, http.MethodPost, "/api/v1/escrow-accounts", in, &a, nil); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount returns the escrow account for an offering.
func (c *Client) GetAccount(ctx context.Context, offeringID string) (*domain.EscrowAccount, error) {
	var a domain.EscrowAccount
	if err := c.do(ctx, http.MethodGet, accountPath(offeringID, ""), nil, &a, nil); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAccounts returns every escrow account.
func (c *Client) ListAccounts(ctx context.Context) ([]*domain.EscrowAccount, error) {
	var resp struct {
		Accounts []*domain.EscrowAccount `json:"accounts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/escrow-accounts", nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// Entries returns the newest journal entries for an offering's account.
func (c *Client) Entries(ctx context.Context, offeringID string, limit int) ([]*domain.LedgerEntry, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Entries []*domain.LedgerEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery(accountPath(offeringID, "/entries"), v), nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Hold freezes available funds in an offering's account.
func (c *Client) Hold(ctx context.Context, offeringID string, amount int64, reason string) (*domain.EscrowAccount, error) {
	return c.accountAction(ctx, offeringID, "/hold", map[string]interface{}{"amount": amount, "reason": reason})
}

// Unhold releases held funds back to available.
func (c *Client) Unhold(ctx context.Context, offeringID string, amount int64, reason string) (*domain.EscrowAccount, error) {
	return c.accountAction(ctx, offeringID, "/unhold", map[string]interface{}{"amount": amount, "reason": reason})
}

// Suspend stops an account from accepting new reservations.
func (c *Client) Suspend(ctx context.Context, offeringID string) (*domain.EscrowAccount, error) {
	return c.accountAction(ctx, offeringID, "/suspend", nil)
}

// Activate reopens a suspended account.
func (c *Client) Activate(ctx context.Context, offeringID string) (*domain.EscrowAccount, error) {
	return c.accountAction(ctx, offeringID, "/activate", nil)
}

func (c *Client) accountAction(ctx context.Context, offeringID, action string, in interface{}) (*domain.EscrowAccount, error) {
	var a domain.EscrowAccount
	if err := c.do(ctx, http.MethodPost, accountPath(offeringID, action), in, &a, nil); err != nil {
		return nil, err
	}
	return &a, nil
}

// FailedWebhooks lists webhook events waiting for a retry.
func (c *Client) FailedWebhooks(ctx context.Context, limit int) ([]*domain.WebhookEvent, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Events []*domain.WebhookEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v1/webhook-events", v), nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// RetryWebhook reprocesses one webhook event.
func (c *Client) RetryWebhook(ctx context.Context, eventID string) (*WebhookRetry, error) {
	var r WebhookRetry
	if err := c.do(ctx, http.MethodPost, "/api/v1/webhook-events/"+url.PathEscape(eventID)+"/retry", nil, &r, nil); err != nil {
		return nil, err
	}
	return &r, nil
}

// StreamEvent is a transaction status change delivered over SSE.
type StreamEvent struct {
	TransactionID  string        `json:"transaction_id"`
	OfferingID     string        `json:"offering_id"`
	UserID         string        `json:"user_id"`
	Status         domain.Status `json:"status"`
	PreviousStatus domain.Status `json:"previous_status,omitempty"`
	Amount         int64         `json:"amount"`
	NeedsReview    bool          `json:"needs_review,omitempty"`
	OccurredAt     time.Time     `json:"occurred_at"`
}

// Stream delivers transaction events matching the filters until ctx is
// done or the server closes the stream. Recognized filter keys are
// offering_id, transaction_id and user_id.
func (c *Client) Stream(ctx context.Context, filters url.Values, fn func(StreamEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+withQuery("/api/v1/stream/transactions", filters), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "transaction" && data.Len() > 0 {
				var ev StreamEvent
				if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
					c.logger.Warn("skipping malformed stream event", "error", err)
				} else if err := fn(ev); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}

// errTerminal stops the stream once the awaited transaction settles.
var errTerminal = errors.New("terminal")

// AwaitTerminal blocks until the transaction reaches COMPLETED, FAILED or
// CANCELLED and returns it. It listens on the event stream and re-reads the
// transaction every poll interval, so it still finishes when streaming is
// disabled on the server or an event is missed.
func (c *Client) AwaitTerminal(ctx context.Context, id string, poll time.Duration) (*domain.Transaction, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	notify := make(chan struct{}, 1)
	go func() {
		err := c.Stream(ctx, url.Values{"transaction_id": {id}}, func(ev StreamEvent) error {
			if ev.TransactionID != id || !ev.Status.Terminal() {
				return nil
			}
			select {
			case notify <- struct{}{}:
			default:
			}
			return errTerminal
		})
		if err != nil && !errors.Is(err, errTerminal) && ctx.Err() == nil {
			c.logger.Debug("transaction stream unavailable, polling", "transaction_id", id, "error", err)
		}
	}()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		t, err := c.GetTransaction(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		case <-ticker.C:
		}
	}
}

func accountPath(offeringID, suffix string) string {
	return "/api/v1/escrow-accounts/" + url.PathEscape(offeringID) + suffix
}

func withQuery(path string, v url.Values) string {
	if len(v) == 0 {
		return path
	}
	return path + "?" + v.Encode()
}
