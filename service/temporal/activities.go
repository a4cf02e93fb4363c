package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/metrics"
	"github.com/brojonat/escrowd/service/provider"
	"github.com/brojonat/escrowd/service/txn"
	"github.com/brojonat/escrowd/service/webhook"
)

// SweepInput configures one reconciliation pass.
type SweepInput struct {
	// StaleAfter is how long a transaction may sit in PROCESSING before the
	// sweep asks its provider directly.
	StaleAfter time.Duration `json:"stale_after"`
	// ReviewAfter flags transactions the provider still reports as in flight
	// after this long.
	ReviewAfter time.Duration `json:"review_after"`
	Limit       int32         `json:"limit"`

	WebhookMaxAttempts  int32         `json:"webhook_max_attempts"`
	WebhookPendingAfter time.Duration `json:"webhook_pending_after"`
}

// SweepResult summarizes a reconciliation pass.
type SweepResult struct {
	SweptAt   time.Time             `json:"swept_at"`
	Examined  int                   `json:"examined"`
	Completed int                   `json:"completed"`
	Failed    int                   `json:"failed"`
	Flagged   int                   `json:"flagged"`
	Pending   int                   `json:"pending"`
	Skipped   int                   `json:"skipped"`
	Errors    int                   `json:"errors"`
	Webhooks  webhook.RedriveResult `json:"webhooks"`
	Error     *string               `json:"error,omitempty"`
}

// ListStaleInput contains parameters for the ListStaleTransactions activity.
type ListStaleInput struct {
	Cutoff time.Time `json:"cutoff"`
	Limit  int32     `json:"limit"`
}

// StaleTransaction identifies a transaction stuck in PROCESSING.
type StaleTransaction struct {
	ID                string          `json:"id"`
	Provider          domain.Provider `json:"provider"`
	ProviderReference string          `json:"provider_reference"`
	ProcessingAt      time.Time       `json:"processing_at"`
}

// ListStaleResult contains the result of the ListStaleTransactions activity.
type ListStaleResult struct {
	Transactions []StaleTransaction `json:"transactions"`
}

// ResolveInput contains parameters for the ResolveStaleTransaction activity.
type ResolveInput struct {
	TransactionID string    `json:"transaction_id"`
	ReviewCutoff  time.Time `json:"review_cutoff"`
}

// Sweep actions.
const (
	ActionCompleted = "completed"
	ActionFailed    = "failed"
	ActionFlagged   = "flagged"
	ActionPending   = "pending"
	ActionSkipped   = "skipped"
)

// ResolveResult contains the result of the ResolveStaleTransaction activity.
type ResolveResult struct {
	TransactionID string        `json:"transaction_id"`
	Action        string        `json:"action"`
	Status        domain.Status `json:"status"`
}

// StoreInterface defines the database operations needed by activities.
type StoreInterface interface {
	ListStaleTransactions(ctx context.Context, cutoff time.Time, limit int32) ([]*domain.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
}

// MachineInterface is the part of the state machine the sweep drives.
type MachineInterface interface {
	Transition(ctx context.Context, txID string, event txn.Event, reason string) (*domain.Transaction, error)
	MarkReview(ctx context.Context, txID, reason string) (*domain.Transaction, error)
}

// ProviderLookup finds the rail that owns a payment reference.
type ProviderLookup interface {
	ByName(name domain.Provider) (provider.PaymentProvider, bool)
}

// WebhookRedriver reprocesses failed and lost webhook events.
type WebhookRedriver interface {
	Redrive(ctx context.Context, opts webhook.RedriveOptions) (webhook.RedriveResult, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	store     StoreInterface
	machine   MachineInterface
	providers ProviderLookup
	webhooks  WebhookRedriver
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	store StoreInterface,
	machine MachineInterface,
	providers ProviderLookup,
	webhooks WebhookRedriver,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:     store,
		machine:   machine,
		providers: providers,
		webhooks:  webhooks,
		metrics:   m,
		logger:    logger,
	}
}

// ListStaleTransactions returns PROCESSING transactions dispatched before the cutoff.
func (a *Activities) ListStaleTransactions(ctx context.Context, input ListStaleInput) (*ListStaleResult, error) {
	start := time.Now()
	defer func() {
		a.metrics.RecordSweepActivity("ListStaleTransactions", time.Since(start).Seconds())
	}()

	txns, err := a.store.ListStaleTransactions(ctx, input.Cutoff, input.Limit)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to list stale transactions", "cutoff", input.Cutoff, "error", err)
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}

	result := &ListStaleResult{Transactions: make([]StaleTransaction, 0, len(txns))}
	for _, t := range txns {
		st := StaleTransaction{ID: t.ID, Provider: t.Provider, ProviderReference: t.ProviderReference}
		if t.ProcessingAt != nil {
			st.ProcessingAt = *t.ProcessingAt
		}
		result.Transactions = append(result.Transactions, st)
	}

	a.logger.InfoContext(ctx, "listed stale transactions", "cutoff", input.Cutoff, "count", len(result.Transactions))
	return result, nil
}

// ResolveStaleTransaction asks the provider for the payment's status and
// applies a terminal result. A payment still in flight past the review
// cutoff, or one the provider cannot account for, is flagged for review.
func (a *Activities) ResolveStaleTransaction(ctx context.Context, input ResolveInput) (*ResolveResult, error) {
	start := time.Now()
	defer func() {
		a.metrics.RecordSweepActivity("ResolveStaleTransaction", time.Since(start).Seconds())
	}()

	t, err := a.store.GetTransaction(ctx, input.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", input.TransactionID, err)
	}
	result := &ResolveResult{TransactionID: t.ID, Status: t.Status}
	if t.Status != domain.StatusProcessing {
		// Resolved by a webhook since it was listed.
		result.Action = ActionSkipped
		a.metrics.RecordSweepAction(result.Action)
		return result, nil
	}

	overdue := t.ProcessingAt != nil && t.ProcessingAt.Before(input.ReviewCutoff)
	flag := func(reason string) (*ResolveResult, error) {
		if !overdue && t.ProviderReference != "" {
			result.Action = ActionPending
			a.metrics.RecordSweepAction(result.Action)
			return result, nil
		}
		flagged, err := a.machine.MarkReview(ctx, t.ID, reason)
		if err != nil {
			return nil, fmt.Errorf("failed to flag transaction %s: %w", t.ID, err)
		}
		result.Action = ActionFlagged
		result.Status = flagged.Status
		a.metrics.RecordSweepAction(result.Action)
		return result, nil
	}

	if t.ProviderReference == "" {
		return flag("dispatched without a provider reference")
	}
	rail, ok := a.providers.ByName(t.Provider)
	if !ok {
		return flag(fmt.Sprintf("provider %s is not configured", t.Provider))
	}

	payment, err := rail.GetPayment(ctx, t.ProviderReference)
	if err != nil {
		var perr *domain.ProviderError
		if errors.As(err, &perr) && !perr.Retryable {
			overdue = true
			return flag(fmt.Sprintf("provider lookup failed: %v", err))
		}
		a.logger.WarnContext(ctx, "provider lookup failed", "transaction_id", t.ID, "provider", t.Provider, "error", err)
		return nil, fmt.Errorf("failed to query %s for %s: %w", t.Provider, t.ProviderReference, err)
	}

	var (
		updated *domain.Transaction
		action  string
	)
	switch payment.Status {
	case provider.PaymentSucceeded:
		updated, err = a.machine.Transition(ctx, t.ID, txn.EventSucceed, "")
		action = ActionCompleted
	case provider.PaymentFailed, provider.PaymentCanceled:
		reason := payment.FailureReason
		if reason == "" {
			reason = fmt.Sprintf("provider reported %s", payment.Status)
		}
		updated, err = a.machine.Transition(ctx, t.ID, txn.EventFail, reason)
		action = ActionFailed
	default:
		return flag(fmt.Sprintf("provider still reports %s", payment.Status))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve transaction %s: %w", t.ID, err)
	}

	result.Action = action
	result.Status = updated.Status
	a.metrics.RecordSweepAction(action)
	a.logger.InfoContext(ctx, "resolved stale transaction",
		"transaction_id", t.ID,
		"provider", t.Provider,
		"provider_reference", t.ProviderReference,
		"action", action,
	)
	return result, nil
}

// RedriveWebhooks retries FAILED webhook events and PENDING ones that never
// reached the queue.
func (a *Activities) RedriveWebhooks(ctx context.Context, input webhook.RedriveOptions) (*webhook.RedriveResult, error) {
	start := time.Now()
	defer func() {
		a.metrics.RecordSweepActivity("RedriveWebhooks", time.Since(start).Seconds())
	}()

	res, err := a.webhooks.Redrive(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to redrive webhooks: %w", err)
	}
	return &res, nil
}
