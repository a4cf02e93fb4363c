package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/provider"
	"github.com/brojonat/escrowd/service/txn"
)

// DefaultPlaidBucket is the window Plaid deliveries are grouped into when
// building their event IDs.
const DefaultPlaidBucket = time.Minute

// delivery is what the reconciler needs from a provider payload.
type delivery struct {
	EventID       string
	Type          string
	Reference     string
	TransactionID string
	// Event is the state machine input, empty when the delivery is informational.
	Event  txn.Event
	Reason string
}

// stripeEvents maps Stripe event types to state machine events.
var stripeEvents = map[string]txn.Event{
	"payment_intent.processing":     txn.EventDispatch,
	"payment_intent.succeeded":      txn.EventSucceed,
	"payment_intent.payment_failed": txn.EventFail,
	"payment_intent.canceled":       txn.EventFail,
	"payout.paid":                   txn.EventSucceed,
	"payout.failed":                 txn.EventFail,
	"payout.canceled":               txn.EventFail,
}

type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID               string            `json:"id"`
			Object           string            `json:"object"`
			Status           string            `json:"status"`
			Metadata         map[string]string `json:"metadata"`
			FailureMessage   string            `json:"failure_message"`
			LastPaymentError *struct {
				Message string `json:"message"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

// parseStripe uses Stripe's own event ID, which is stable across redeliveries.
func parseStripe(body []byte) (*delivery, error) {
	var env stripeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, domain.Invalid("body", "malformed stripe event: %v", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, domain.Invalid("body", "stripe event is missing id or type")
	}
	obj := env.Data.Object
	d := &delivery{
		EventID:       "stripe:" + env.ID,
		Type:          env.Type,
		Reference:     obj.ID,
		TransactionID: obj.Metadata["transaction_id"],
		Event:         stripeEvents[env.Type],
	}
	if d.Event == txn.EventFail {
		switch {
		case obj.FailureMessage != "":
			d.Reason = obj.FailureMessage
		case obj.LastPaymentError != nil && obj.LastPaymentError.Message != "":
			d.Reason = obj.LastPaymentError.Message
		default:
			d.Reason = "stripe " + env.Type
		}
	}
	return d, nil
}

type plaidEnvelope struct {
	WebhookType   string            `json:"webhook_type"`
	WebhookCode   string            `json:"webhook_code"`
	TransferID    string            `json:"transfer_id"`
	ItemID        string            `json:"item_id"`
	EventType     string            `json:"event_type"`
	Timestamp     time.Time         `json:"timestamp"`
	FailureReason string            `json:"failure_reason"`
	Metadata      map[string]string `json:"metadata"`
}

// PlaidEventID derives a stable ID for a Plaid delivery, which carries no
// single canonical identifier: type, subject, code and event type, plus the
// delivery time truncated to bucket.
func PlaidEventID(webhookType, subject, code, eventType string, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultPlaidBucket
	}
	key := strings.Join([]string{
		webhookType,
		subject,
		code,
		eventType,
		fmt.Sprintf("%d", at.UTC().Truncate(bucket).Unix()),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return "plaid:" + hex.EncodeToString(sum[:])
}

// parsePlaid parses a Plaid delivery. received stands in for a missing timestamp.
func parsePlaid(body []byte, received time.Time, bucket time.Duration) (*delivery, error) {
	var env plaidEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, domain.Invalid("body", "malformed plaid webhook: %v", err)
	}
	if env.WebhookType == "" || env.WebhookCode == "" {
		return nil, domain.Invalid("body", "plaid webhook is missing webhook_type or webhook_code")
	}
	subject := env.TransferID
	if subject == "" {
		subject = env.ItemID
	}
	at := env.Timestamp
	if at.IsZero() {
		at = received
	}

	d := &delivery{
		EventID:       PlaidEventID(env.WebhookType, subject, env.WebhookCode, env.EventType, at, bucket),
		Type:          strings.ToLower(env.WebhookType + "." + env.WebhookCode),
		Reference:     env.TransferID,
		TransactionID: env.Metadata["transaction_id"],
	}
	if env.WebhookType != "TRANSFER" || env.TransferID == "" || env.EventType == "" {
		return d, nil
	}
	d.Type += "." + env.EventType

	switch provider.PlaidStatus(env.EventType) {
	case provider.PaymentSucceeded:
		d.Event = txn.EventSucceed
	case provider.PaymentFailed, provider.PaymentCanceled:
		d.Event = txn.EventFail
		d.Reason = env.FailureReason
		if d.Reason == "" {
			d.Reason = "plaid transfer " + env.EventType
		}
	default:
		d.Event = txn.EventDispatch
	}
	return d, nil
}
