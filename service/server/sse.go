package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/escrowd/service/metrics"
	natspkg "github.com/brojonat/escrowd/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const sseKeepalive = 10 * time.Second

// SSEPublisher manages Server-Sent Events connections for transaction streaming.
type SSEPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSSEPublisher creates a new SSE publisher that subscribes to NATS internally.
func NewSSEPublisher(natsURL string, logger *slog.Logger) (*SSEPublisher, error) {
	nc, js, err := natspkg.Connect(natsURL, "escrowd-sse-publisher")
	if err != nil {
		return nil, err
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// streamFilter selects which transaction events a client receives.
type streamFilter struct {
	offeringID    string
	transactionID string
	userID        string
}

func filterFromRequest(r *http.Request) streamFilter {
	q := r.URL.Query()
	return streamFilter{
		offeringID:    q.Get("offering_id"),
		transactionID: q.Get("transaction_id"),
		userID:        q.Get("user_id"),
	}
}

// subject is the JetStream filter subject; offering is the only dimension
// encoded in the subject, the rest are matched per event.
func (f streamFilter) subject() string {
	return natspkg.SubjectFor(f.offeringID)
}

func (f streamFilter) matches(e *natspkg.TransactionEvent) bool {
	if f.transactionID != "" && e.TransactionID != f.transactionID {
		return false
	}
	if f.userID != "" && e.UserID != f.userID {
		return false
	}
	return true
}

func (f streamFilter) describe() string {
	switch {
	case f.transactionID != "":
		return "transaction " + f.transactionID
	case f.offeringID != "":
		return "offering " + f.offeringID
	}
	return "all offerings"
}

// writeSSE writes one named event and flushes it.
func writeSSE(w http.ResponseWriter, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// handleStreamTransactions handles SSE streaming of transaction status changes.
// Query parameters offering_id, transaction_id and user_id narrow the stream.
func handleStreamTransactions(publisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := filterFromRequest(r)
		desc := filter.describe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}

		logger.DebugContext(r.Context(), "SSE client connected",
			"filter", desc,
			"remote_addr", r.RemoteAddr,
		)
		m.RecordSSEConnectionChange(1)
		defer m.RecordSSEConnectionChange(-1)

		// Ephemeral consumer; removed when the connection closes.
		cons, err := publisher.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject: filter.subject(),
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create consumer",
				"filter", desc,
				"error", err,
			)
			writeSSE(w, "error", []byte(`{"error":"failed to subscribe"}`))
			return
		}

		msgChan := make(chan jetstream.Msg, 10)
		doneChan := make(chan struct{})

		go func() {
			defer close(doneChan)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-r.Context().Done():
				}
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to start consuming messages", "error", err)
				return
			}
			<-r.Context().Done()
			cc.Stop()
		}()

		hello, _ := json.Marshal(map[string]string{"filter": desc})
		writeSSE(w, "connected", hello)

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				if flusher, ok := w.(http.Flusher); ok {
					flusher.Flush()
				}

			case msg := <-msgChan:
				var event natspkg.TransactionEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(r.Context(), "failed to unmarshal event", "error", err)
					msg.Ack()
					continue
				}
				msg.Ack()
				if !filter.matches(&event) {
					continue
				}

				writeSSE(w, "transaction", msg.Data())
				m.RecordSSEEventSent("transaction")

				logger.DebugContext(r.Context(), "sent transaction event",
					"transaction_id", event.TransactionID,
					"status", event.Status,
				)

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"filter", desc,
					"remote_addr", r.RemoteAddr,
				)
				return

			case <-doneChan:
				return
			}
		}
	})
}
