package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/escrowd/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing transaction events to NATS.
type Publisher interface {
	// PublishTransaction publishes a single transaction event to JetStream.
	// The event is published to the subject "txns.{offering_id}".
	PublishTransaction(ctx context.Context, event *TransactionEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes transaction events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for transactions.
	StreamName = "TRANSACTIONS"

	// SubjectPrefix prefixes every transaction event subject.
	SubjectPrefix = "txns."

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "txns.*"

	// StreamRetention is how long messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour
)

// Connect dials NATS with the reconnect policy every component shares.
func Connect(natsURL, name string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, js, err := Connect(natsURL, "escrowd-publisher")
	if err != nil {
		return nil, err
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger.With("component", "nats_publisher"),
	}

	err = ensureStream(js, publisher.logger, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Escrow transaction status changes",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	publisher.logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func ensureStream(js jetstream.JetStream, logger *slog.Logger, cfg jetstream.StreamConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, cfg.Name)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			logger.Debug("JetStream stream already exists",
				"stream", cfg.Name,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	logger.Info("creating JetStream stream", "stream", cfg.Name)
	if _, err := js.CreateStream(ctx, cfg); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	logger.Info("JetStream stream created successfully", "stream", cfg.Name)
	return nil
}

// PublishTransaction publishes a single transaction event.
func (p *JetStreamPublisher) PublishTransaction(ctx context.Context, event *TransactionEvent) error {
	subject := event.Subject()
	start := time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction event: %w", err)
	}

	_, err = p.js.Publish(ctx, subject, data)
	if err != nil {
		p.metrics.RecordNATSPublish(StreamSubjects, "error", time.Since(start).Seconds())
		return fmt.Errorf("failed to publish transaction: %w", err)
	}
	p.metrics.RecordNATSPublish(StreamSubjects, "success", time.Since(start).Seconds())

	p.logger.Debug("published transaction event",
		"subject", subject,
		"transaction_id", event.TransactionID,
		"status", event.Status,
	)

	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// SubjectFor returns the subject filter for one offering, or every offering
// when offeringID is empty.
func SubjectFor(offeringID string) string {
	if offeringID == "" {
		return StreamSubjects
	}
	return SubjectPrefix + subjectToken(offeringID)
}
