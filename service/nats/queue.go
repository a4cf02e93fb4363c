package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// WebhookStreamName is the work queue of recorded webhook events.
	WebhookStreamName = "WEBHOOKS"

	// WebhookSubjects is the subject pattern for the webhook stream.
	WebhookSubjects = "webhooks.*"

	// WebhookConsumer is the durable consumer shared by every worker.
	WebhookConsumer = "webhook-processor"

	// webhookDedupWindow lets JetStream drop republished event IDs.
	webhookDedupWindow = 10 * time.Minute
)

// WebhookQueue carries recorded webhook event IDs from the HTTP edge to the
// processors. The durable consumer allows one unacknowledged message at a
// time so events are applied in record order across replicas.
type WebhookQueue struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
	ackWait time.Duration
}

// NewWebhookQueue connects to NATS and ensures the webhook stream exists.
func NewWebhookQueue(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*WebhookQueue, error) {
	nc, js, err := Connect(natsURL, "escrowd-webhooks")
	if err != nil {
		return nil, err
	}
	q := &WebhookQueue{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger.With("component", "webhook_queue"),
		ackWait: 60 * time.Second,
	}
	err = ensureStream(js, q.logger, jetstream.StreamConfig{
		Name:        WebhookStreamName,
		Description: "Recorded provider webhook events awaiting processing",
		Subjects:    []string{WebhookSubjects},
		Retention:   jetstream.WorkQueuePolicy,
		Duplicates:  webhookDedupWindow,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure webhook stream exists: %w", err)
	}
	return q, nil
}

// Enqueue publishes the event's identity. The event ID doubles as the
// JetStream message ID so a retried enqueue is not delivered twice.
func (q *WebhookQueue) Enqueue(ctx context.Context, e *domain.WebhookEvent) error {
	msg := WebhookMessage{EventID: e.EventID, Provider: e.Provider, OrderingKey: e.OrderingKey()}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook message: %w", err)
	}
	subject := "webhooks." + subjectToken(string(e.Provider))
	start := time.Now()
	if _, err := q.js.Publish(ctx, subject, data, jetstream.WithMsgID(e.EventID)); err != nil {
		q.metrics.RecordNATSPublish(WebhookSubjects, "error", time.Since(start).Seconds())
		return fmt.Errorf("failed to enqueue webhook event: %w", err)
	}
	q.metrics.RecordNATSPublish(WebhookSubjects, "success", time.Since(start).Seconds())
	return nil
}

// Run consumes the queue until ctx is cancelled. A handler error naks the
// message for redelivery; success acks it.
func (q *WebhookQueue) Run(ctx context.Context, handle func(ctx context.Context, eventID string) error) error {
	cons, err := q.js.CreateOrUpdateConsumer(ctx, WebhookStreamName, jetstream.ConsumerConfig{
		Durable:       WebhookConsumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.ackWait,
		MaxAckPending: 1,
		MaxDeliver:    10,
		BackOff:       []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
	})
	if err != nil {
		return fmt.Errorf("failed to create webhook consumer: %w", err)
	}

	cc, err := cons.Consume(func(m jetstream.Msg) {
		var msg WebhookMessage
		if err := json.Unmarshal(m.Data(), &msg); err != nil {
			q.logger.Error("dropping malformed webhook message", "error", err)
			m.Term()
			return
		}
		if err := handle(ctx, msg.EventID); err != nil {
			q.logger.Warn("webhook processing failed, will redeliver",
				"event_id", msg.EventID, "error", err)
			m.Nak()
			return
		}
		m.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming webhooks: %w", err)
	}

	q.logger.Info("webhook consumer started", "consumer", WebhookConsumer)
	<-ctx.Done()
	cc.Stop()
	q.logger.Info("webhook consumer stopped")
	return nil
}

// Close closes the connection to NATS.
func (q *WebhookQueue) Close() error {
	if q.nc != nil {
		q.nc.Close()
	}
	return nil
}
