package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTransactionCreated("INVESTMENT", "ACH", "processing")
		m.RecordLedgerMutation("RESERVE", nil, 0.01)
		m.RecordLedgerConsistencyError("SETTLE", "balance_sum")
		m.RecordWebhookReceived("STRIPE", "accepted")
		m.RecordHTTPRequest("/health", "GET", 200, 0.001)
	})
}

func TestRecordHelpers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordComplianceDecision(false, "LIMIT_EXCEEDED")
	m.RecordComplianceDecision(false, "LIMIT_EXCEEDED")
	m.RecordComplianceDecision(true, "")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.complianceDecisionsTotal.WithLabelValues("rejected", "LIMIT_EXCEEDED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.complianceDecisionsTotal.WithLabelValues("approved", "")))

	m.RecordLedgerMutation("SETTLE", errors.New("boom"), 0.1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerMutationsTotal.WithLabelValues("SETTLE", "error")))

	m.RecordSSEConnectionChange(1)
	m.RecordSSEConnectionChange(1)
	m.RecordSSEConnectionChange(-1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sseActiveConnections))
}

func TestInstrumentRoutes(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/escrow-accounts/{offering_id}/hold", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.WriteHeader(http.StatusOK) // ignored, first status wins
	})
	mux.HandleFunc("GET /api/v1/stream/transactions", func(w http.ResponseWriter, r *http.Request) {
		_, ok := w.(http.Flusher)
		assert.True(t, ok, "stream handlers must still be able to flush")
	})
	h := InstrumentRoutes(m, mux, "/api/v1/stream/transactions")

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"routed", http.MethodPost, "/api/v1/escrow-accounts/offering-1/hold"},
		{"routed again", http.MethodPost, "/api/v1/escrow-accounts/offering-2/hold"},
		{"unknown path", http.MethodGet, "/wp-admin/setup.php"},
		{"skipped", http.MethodGet, "/api/v1/stream/transactions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))
		})
	}

	// Both offerings share one series keyed by pattern.
	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/api/v1/escrow-accounts/{offering_id}/hold", "POST", "4xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues(unmatchedRoute, "GET", "4xx")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.httpRequestsTotal))
}

func TestInstrumentRoutes_NilMetrics(t *testing.T) {
	mux := http.NewServeMux()
	assert.Same(t, http.Handler(mux), InstrumentRoutes(nil, mux))
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/api/v1/transactions/{id}", routeLabel("GET /api/v1/transactions/{id}"))
	assert.Equal(t, "/health", routeLabel("/health"))
	assert.Equal(t, unmatchedRoute, routeLabel(""))
}

func TestStatusCodeToString(t *testing.T) {
	tests := map[int]string{200: "2xx", 302: "3xx", 404: "4xx", 502: "5xx", 99: "unknown"}
	for code, want := range tests {
		assert.Equal(t, want, statusCodeToString(code))
	}
}
