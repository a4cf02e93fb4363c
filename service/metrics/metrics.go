package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// Record helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// Transaction lifecycle
	transactionsCreatedTotal *prometheus.CounterVec
	transitionsTotal         *prometheus.CounterVec
	idempotentReplaysTotal   *prometheus.CounterVec

	// Compliance
	complianceDecisionsTotal *prometheus.CounterVec
	auditFailuresTotal       *prometheus.CounterVec

	// Ledger
	ledgerMutationsTotal    *prometheus.CounterVec
	ledgerConsistencyErrors *prometheus.CounterVec
	ledgerMutationDuration  *prometheus.HistogramVec

	// Providers
	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	breakerStateChanges  *prometheus.CounterVec

	// Webhooks
	webhooksReceivedTotal     *prometheus.CounterVec
	webhookProcessingTotal    *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec

	// Reconciliation sweep
	sweepResolvedTotal *prometheus.CounterVec
	sweepDuration      *prometheus.HistogramVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		transactionsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_transactions_created_total",
				Help: "Transactions created by type, payment method and initial outcome",
			},
			[]string{"type", "method", "outcome"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_transaction_transitions_total",
				Help: "Transaction state transitions by from and to status",
			},
			[]string{"from", "to"},
		),
		idempotentReplaysTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_idempotent_replays_total",
				Help: "Requests absorbed by idempotency (create replays, duplicate webhooks, terminal re-applies)",
			},
			[]string{"kind"},
		),

		complianceDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_compliance_decisions_total",
				Help: "Compliance gate decisions by result and reason",
			},
			[]string{"result", "reason"},
		),
		auditFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_audit_write_failures_total",
				Help: "Audit records that could not be written",
			},
			[]string{"sink"},
		),

		ledgerMutationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_ledger_mutations_total",
				Help: "Ledger mutations by operation and status",
			},
			[]string{"op", "status"},
		),
		ledgerConsistencyErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_ledger_consistency_errors_total",
				Help: "Ledger invariant violations. Any non-zero value needs operator attention",
			},
			[]string{"op", "invariant"},
		),
		ledgerMutationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_ledger_mutation_duration_seconds",
				Help:    "Duration of ledger mutations including lock wait",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"op"},
		),

		providerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_provider_calls_total",
				Help: "Payment provider calls by provider, operation and status",
			},
			[]string{"provider", "op", "status"},
		),
		providerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_provider_call_duration_seconds",
				Help:    "Duration of payment provider calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"provider", "op"},
		),
		breakerStateChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_provider_breaker_state_changes_total",
				Help: "Circuit breaker state changes by provider and new state",
			},
			[]string{"provider", "to"},
		),

		webhooksReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_webhooks_received_total",
				Help: "Webhook deliveries by provider and ingest result (accepted, duplicate, rejected)",
			},
			[]string{"provider", "result"},
		),
		webhookProcessingTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_webhook_processing_total",
				Help: "Asynchronous webhook processing outcomes",
			},
			[]string{"provider", "status"},
		),
		webhookProcessingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_webhook_processing_duration_seconds",
				Help:    "Duration of asynchronous webhook processing",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"provider"},
		),

		sweepResolvedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_sweep_resolved_total",
				Help: "Stale transactions handled by the reconciliation sweep, by action",
			},
			[]string{"action"},
		),
		sweepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_sweep_activity_duration_seconds",
				Help:    "Duration of reconciliation sweep activities",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of messages published to NATS",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Transaction metric helpers

// RecordTransactionCreated records a new transaction and its initial outcome.
func (m *Metrics) RecordTransactionCreated(txType, method, outcome string) {
	if m == nil {
		return
	}
	m.transactionsCreatedTotal.WithLabelValues(txType, method, outcome).Inc()
}

// RecordTransition records a state transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordIdempotentReplay records a request absorbed by idempotency.
func (m *Metrics) RecordIdempotentReplay(kind string) {
	if m == nil {
		return
	}
	m.idempotentReplaysTotal.WithLabelValues(kind).Inc()
}

// Compliance metric helpers

// RecordComplianceDecision records a gate decision.
func (m *Metrics) RecordComplianceDecision(approved bool, reason string) {
	if m == nil {
		return
	}
	result := "approved"
	if !approved {
		result = "rejected"
	}
	m.complianceDecisionsTotal.WithLabelValues(result, reason).Inc()
}

// RecordAuditFailure records an audit record that could not be written.
func (m *Metrics) RecordAuditFailure(sink string) {
	if m == nil {
		return
	}
	m.auditFailuresTotal.WithLabelValues(sink).Inc()
}

// Ledger metric helpers

// RecordLedgerMutation records a ledger mutation with duration.
func (m *Metrics) RecordLedgerMutation(op string, err error, duration float64) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ledgerMutationsTotal.WithLabelValues(op, status).Inc()
	m.ledgerMutationDuration.WithLabelValues(op).Observe(duration)
}

// RecordLedgerConsistencyError records an invariant violation.
func (m *Metrics) RecordLedgerConsistencyError(op, invariant string) {
	if m == nil {
		return
	}
	m.ledgerConsistencyErrors.WithLabelValues(op, invariant).Inc()
}

// Provider metric helpers

// RecordProviderCall records a payment provider call with duration.
func (m *Metrics) RecordProviderCall(provider, op string, err error, duration float64) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.providerCallsTotal.WithLabelValues(provider, op, status).Inc()
	m.providerCallDuration.WithLabelValues(provider, op).Observe(duration)
}

// RecordBreakerStateChange records a circuit breaker transition.
func (m *Metrics) RecordBreakerStateChange(provider, to string) {
	if m == nil {
		return
	}
	m.breakerStateChanges.WithLabelValues(provider, to).Inc()
}

// Webhook metric helpers

// RecordWebhookReceived records an inbound delivery and its ingest result.
func (m *Metrics) RecordWebhookReceived(provider, result string) {
	if m == nil {
		return
	}
	m.webhooksReceivedTotal.WithLabelValues(provider, result).Inc()
}

// RecordWebhookProcessed records the outcome of asynchronous processing.
func (m *Metrics) RecordWebhookProcessed(provider, status string, duration float64) {
	if m == nil {
		return
	}
	m.webhookProcessingTotal.WithLabelValues(provider, status).Inc()
	m.webhookProcessingDuration.WithLabelValues(provider).Observe(duration)
}

// Sweep metric helpers

// RecordSweepAction records how the sweep handled a stale transaction.
func (m *Metrics) RecordSweepAction(action string) {
	if m == nil {
		return
	}
	m.sweepResolvedTotal.WithLabelValues(action).Inc()
}

// RecordSweepActivity records a sweep activity duration.
func (m *Metrics) RecordSweepActivity(activity string, duration float64) {
	if m == nil {
		return
	}
	m.sweepDuration.WithLabelValues(activity).Observe(duration)
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	if m == nil {
		return
	}
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	if m == nil {
		return
	}
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
