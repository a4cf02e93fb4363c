package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/jackc/pgx/v5"
)

const webhookColumns = `event_id, sequence, provider, event_type, provider_reference, transaction_id,
	payload, status, attempts, last_error, created_at, processed_at`

func scanWebhookEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	var provider, status string
	err := row.Scan(&e.EventID, &e.Sequence, &provider, &e.EventType, &e.ProviderReference, &e.TransactionID,
		&e.Payload, &status, &e.Attempts, &e.LastError, &e.CreatedAt, &e.ProcessedAt)
	if err != nil {
		return nil, notFound(err)
	}
	e.Provider = domain.Provider(provider)
	e.Status = domain.WebhookStatus(status)
	return &e, nil
}

// InsertWebhookEventIfAbsent records e unless an event with the same ID
// already exists. Exactly one of any number of concurrent callers observes
// inserted == true. On insert, Sequence and CreatedAt are filled in.
func (s *Store) InsertWebhookEventIfAbsent(ctx context.Context, e *domain.WebhookEvent) (bool, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (event_id, provider, event_type, provider_reference, transaction_id, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING sequence, created_at`,
		e.EventID, string(e.Provider), e.EventType, e.ProviderReference, e.TransactionID, e.Payload, string(e.Status),
	).Scan(&e.Sequence, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return true, nil
}

// GetWebhookEvent retrieves an event by ID.
func (s *Store) GetWebhookEvent(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	return scanWebhookEvent(s.pool.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhook_events WHERE event_id = $1`, eventID))
}

// UpdateWebhookEventStatus records the outcome of a processing attempt.
func (s *Store) UpdateWebhookEventStatus(ctx context.Context, eventID string, status domain.WebhookStatus, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET
			status = $2, last_error = $3, attempts = attempts + 1,
			processed_at = CASE WHEN $2 = 'PENDING' THEN processed_at ELSE now() END
		WHERE event_id = $1`,
		eventID, string(status), lastError)
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListWebhookEvents returns events with the given status in record order.
// olderThan, when non-zero, restricts the result to events created before it.
func (s *Store) ListWebhookEvents(ctx context.Context, status domain.WebhookStatus, olderThan time.Time, limit int32) ([]*domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if olderThan.IsZero() {
		olderThan = time.Now().Add(time.Hour)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+webhookColumns+` FROM webhook_events
		WHERE status = $1 AND created_at < $2
		ORDER BY sequence LIMIT $3`, string(status), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer rows.Close()

	var out []*domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
