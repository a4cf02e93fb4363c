package nats

import (
	"time"

	"github.com/brojonat/escrowd/service/domain"
)

// TransactionEvent is a transaction status change published to NATS.
// This is published to the subject "txns.{offering_id}" in JetStream.
type TransactionEvent struct {
	// Transaction identifiers
	TransactionID   string `json:"transaction_id"`
	OfferingID      string `json:"offering_id"`
	EscrowAccountID string `json:"escrow_account_id"`
	UserID          string `json:"user_id"`

	// Status change
	Status         domain.Status `json:"status"`
	PreviousStatus domain.Status `json:"previous_status,omitempty"`

	// Transaction details
	Type              domain.TransactionType `json:"type"`
	PaymentMethod     domain.PaymentMethod   `json:"payment_method"`
	Amount            int64                  `json:"amount"`
	Provider          domain.Provider        `json:"provider,omitempty"`
	ProviderReference string                 `json:"provider_reference,omitempty"`
	ComplianceReason  domain.Reason          `json:"compliance_reason,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	NeedsReview       bool                   `json:"needs_review,omitempty"`

	// Timing information
	OccurredAt  time.Time `json:"occurred_at"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the JetStream subject the event is published on.
func (e *TransactionEvent) Subject() string {
	return SubjectPrefix + subjectToken(e.OfferingID)
}

// FromTransaction converts a transaction to a TransactionEvent for publishing.
func FromTransaction(t *domain.Transaction, previous domain.Status) *TransactionEvent {
	return &TransactionEvent{
		TransactionID:     t.ID,
		OfferingID:        t.OfferingID,
		EscrowAccountID:   t.EscrowAccountID,
		UserID:            t.InvestorID(),
		Status:            t.Status,
		PreviousStatus:    previous,
		Type:              t.Type,
		PaymentMethod:     t.PaymentMethod,
		Amount:            t.Amount,
		Provider:          t.Provider,
		ProviderReference: t.ProviderReference,
		ComplianceReason:  t.ComplianceReason,
		ErrorMessage:      t.ErrorMessage,
		NeedsReview:       t.NeedsReview,
		OccurredAt:        t.UpdatedAt,
		PublishedAt:       time.Now().UTC(),
	}
}

// WebhookMessage is the payload of the durable webhook queue. The event
// itself stays in Postgres; the message only carries its identity.
type WebhookMessage struct {
	EventID     string          `json:"event_id"`
	Provider    domain.Provider `json:"provider"`
	OrderingKey string          `json:"ordering_key"`
}
