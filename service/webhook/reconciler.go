// Package webhook turns signed provider deliveries into state machine
// transitions. Deliveries are deduplicated by event ID at a durable insert,
// acknowledged, and processed asynchronously in per-transaction order.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/metrics"
	"github.com/brojonat/escrowd/service/txn"
)

// Store is the persistence the reconciler needs.
type Store interface {
	InsertWebhookEventIfAbsent(ctx context.Context, e *domain.WebhookEvent) (bool, error)
	GetWebhookEvent(ctx context.Context, eventID string) (*domain.WebhookEvent, error)
	UpdateWebhookEventStatus(ctx context.Context, eventID string, status domain.WebhookStatus, lastError string) error
	ListWebhookEvents(ctx context.Context, status domain.WebhookStatus, olderThan time.Time, limit int32) ([]*domain.WebhookEvent, error)
	GetTransactionByProviderReference(ctx context.Context, p domain.Provider, ref string) (*domain.Transaction, error)
}

// Transitioner applies state machine events. *txn.Machine implements it.
type Transitioner interface {
	Transition(ctx context.Context, txID string, event txn.Event, reason string) (*domain.Transaction, error)
}

// Config wires a Reconciler. When Queue is nil a LocalQueue bound to
// Process is created.
type Config struct {
	Store       Store
	Machine     Transitioner
	Queue       Queue
	Verifiers   map[domain.Provider]Verifier
	PlaidBucket time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Reconciler ingests and processes provider webhooks.
type Reconciler struct {
	store     Store
	machine   Transitioner
	queue     Queue
	verifiers map[domain.Provider]Verifier
	bucket    time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	r := &Reconciler{
		store:     cfg.Store,
		machine:   cfg.Machine,
		queue:     cfg.Queue,
		verifiers: cfg.Verifiers,
		bucket:    cfg.PlaidBucket,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "webhook"),
		now:       cfg.Now,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.bucket <= 0 {
		r.bucket = DefaultPlaidBucket
	}
	if r.queue == nil {
		r.queue = NewLocalQueue(r.Process, cfg.Logger)
	}
	return r
}

// Queue returns the queue events are handed to.
func (r *Reconciler) Queue() Queue {
	return r.queue
}

// IngestResult reports what happened to a delivery.
type IngestResult struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}

func (r *Reconciler) parse(p domain.Provider, body []byte) (*delivery, error) {
	switch p {
	case domain.ProviderStripe:
		return parseStripe(body)
	case domain.ProviderPlaid:
		return parsePlaid(body, r.now(), r.bucket)
	}
	return nil, domain.Invalid("provider", "unsupported provider %q", p)
}

// Ingest verifies, identifies and durably records a delivery, then hands it
// to the queue. Once the record is written the delivery is acknowledged
// regardless of what processing later does with it. Duplicate deliveries
// are acknowledged without further work.
func (r *Reconciler) Ingest(ctx context.Context, p domain.Provider, body []byte, headers http.Header) (IngestResult, error) {
	v, ok := r.verifiers[p]
	if !ok {
		return IngestResult{}, domain.Invalid("provider", "unsupported provider %q", p)
	}
	if err := v.Verify(body, headers); err != nil {
		r.metrics.RecordWebhookReceived(string(p), "rejected")
		r.logger.WarnContext(ctx, "webhook signature rejected", "provider", p, "error", err)
		return IngestResult{}, err
	}

	d, err := r.parse(p, body)
	if err != nil {
		r.metrics.RecordWebhookReceived(string(p), "malformed")
		return IngestResult{}, err
	}

	e := &domain.WebhookEvent{
		EventID:           d.EventID,
		Provider:          p,
		EventType:         d.Type,
		ProviderReference: d.Reference,
		TransactionID:     d.TransactionID,
		Payload:           body,
		Status:            domain.WebhookPending,
	}
	if e.TransactionID == "" && e.ProviderReference != "" {
		// Resolve early so the ordering key is the transaction itself.
		if t, err := r.store.GetTransactionByProviderReference(ctx, p, e.ProviderReference); err == nil {
			e.TransactionID = t.ID
		}
	}

	inserted, err := r.store.InsertWebhookEventIfAbsent(ctx, e)
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !inserted {
		r.metrics.RecordWebhookReceived(string(p), "duplicate")
		r.logger.DebugContext(ctx, "duplicate webhook delivery", "provider", p, "event_id", e.EventID)
		return IngestResult{EventID: e.EventID, Duplicate: true}, nil
	}
	r.metrics.RecordWebhookReceived(string(p), "accepted")
	r.logger.InfoContext(ctx, "webhook recorded",
		"provider", p,
		"event_id", e.EventID,
		"event_type", e.EventType,
		"provider_reference", e.ProviderReference,
		"transaction_id", e.TransactionID,
	)

	if err := r.queue.Enqueue(ctx, e); err != nil {
		// The record is durable; the sweep redrives PENDING events.
		r.logger.ErrorContext(ctx, "failed to enqueue webhook event", "event_id", e.EventID, "error", err)
	}
	return IngestResult{EventID: e.EventID}, nil
}

// Process applies a recorded event. Failures mark the event FAILED with the
// error so it surfaces in the retry queue; completed events are skipped.
func (r *Reconciler) Process(ctx context.Context, eventID string) error {
	start := time.Now()
	e, err := r.store.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to load webhook event %s: %w", eventID, err)
	}
	if e.Status == domain.WebhookCompleted {
		return nil
	}

	if err := r.apply(ctx, e); err != nil {
		r.metrics.RecordWebhookProcessed(string(e.Provider), string(domain.WebhookFailed), time.Since(start).Seconds())
		r.logger.ErrorContext(ctx, "webhook processing failed",
			"event_id", e.EventID,
			"provider", e.Provider,
			"attempts", e.Attempts+1,
			"error", err,
		)
		if uerr := r.store.UpdateWebhookEventStatus(ctx, e.EventID, domain.WebhookFailed, err.Error()); uerr != nil {
			return errors.Join(err, uerr)
		}
		return err
	}

	if err := r.store.UpdateWebhookEventStatus(ctx, e.EventID, domain.WebhookCompleted, ""); err != nil {
		return fmt.Errorf("failed to mark webhook event completed: %w", err)
	}
	r.metrics.RecordWebhookProcessed(string(e.Provider), string(domain.WebhookCompleted), time.Since(start).Seconds())
	return nil
}

func (r *Reconciler) apply(ctx context.Context, e *domain.WebhookEvent) error {
	d, err := r.parse(e.Provider, e.Payload)
	if err != nil {
		return err
	}
	if d.Event == "" {
		r.logger.DebugContext(ctx, "ignoring informational webhook", "event_id", e.EventID, "event_type", e.EventType)
		return nil
	}

	txID := e.TransactionID
	if txID == "" {
		if e.ProviderReference == "" {
			return fmt.Errorf("event carries no transaction or payment reference")
		}
		t, err := r.store.GetTransactionByProviderReference(ctx, e.Provider, e.ProviderReference)
		if err != nil {
			return fmt.Errorf("no transaction for %s reference %s: %w", e.Provider, e.ProviderReference, err)
		}
		txID = t.ID
	}

	t, err := r.machine.Transition(ctx, txID, d.Event, d.Reason)
	var stale *domain.InvalidStateTransitionError
	if errors.As(err, &stale) {
		// A delayed event for a transaction that has already moved on.
		r.logger.InfoContext(ctx, "ignoring stale webhook event",
			"event_id", e.EventID, "transaction_id", txID, "event", d.Event, "status", stale.From)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply %s to transaction %s: %w", d.Event, txID, err)
	}
	r.logger.InfoContext(ctx, "webhook applied",
		"event_id", e.EventID, "transaction_id", txID, "event", d.Event, "status", t.Status)
	return nil
}

// Retry reprocesses one event and returns its updated record along with
// any processing error. Completed events are left alone.
func (r *Reconciler) Retry(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	if _, err := r.store.GetWebhookEvent(ctx, eventID); err != nil {
		return nil, err
	}
	perr := r.Process(ctx, eventID)
	e, err := r.store.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return e, perr
}

// ListFailed returns events waiting for a retry, oldest first.
func (r *Reconciler) ListFailed(ctx context.Context, limit int32) ([]*domain.WebhookEvent, error) {
	return r.store.ListWebhookEvents(ctx, domain.WebhookFailed, time.Time{}, limit)
}

// RedriveOptions bounds a redrive pass.
type RedriveOptions struct {
	// MaxAttempts skips FAILED events that have been tried this many times.
	MaxAttempts int32
	// PendingAfter redrives PENDING events recorded longer ago than this,
	// which were lost between the insert and the queue.
	PendingAfter time.Duration
	Limit        int32
}

// RedriveResult summarizes a redrive pass.
type RedriveResult struct {
	Retried   int `json:"retried"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

// Redrive reprocesses FAILED events under the attempt limit and PENDING
// events that never reached the queue.
func (r *Reconciler) Redrive(ctx context.Context, opts RedriveOptions) (RedriveResult, error) {
	var res RedriveResult

	failed, err := r.store.ListWebhookEvents(ctx, domain.WebhookFailed, time.Time{}, opts.Limit)
	if err != nil {
		return res, fmt.Errorf("failed to list failed webhook events: %w", err)
	}
	var stuck []*domain.WebhookEvent
	if opts.PendingAfter > 0 {
		stuck, err = r.store.ListWebhookEvents(ctx, domain.WebhookPending, r.now().Add(-opts.PendingAfter), opts.Limit)
		if err != nil {
			return res, fmt.Errorf("failed to list pending webhook events: %w", err)
		}
	}

	for _, e := range append(failed, stuck...) {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if e.Status == domain.WebhookFailed && opts.MaxAttempts > 0 && e.Attempts >= opts.MaxAttempts {
			res.Exhausted++
			continue
		}
		res.Retried++
		if err := r.Process(ctx, e.EventID); err != nil {
			res.Failed++
			continue
		}
		res.Succeeded++
	}
	if res.Retried > 0 || res.Exhausted > 0 {
		r.logger.InfoContext(ctx, "webhook redrive finished",
			"retried", res.Retried, "succeeded", res.Succeeded, "failed", res.Failed, "exhausted", res.Exhausted)
	}
	return res, nil
}
