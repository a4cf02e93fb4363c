package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/metrics"
	"github.com/brojonat/escrowd/service/txn"
	"github.com/brojonat/escrowd/service/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transactions is the transaction lifecycle surface. *txn.Machine implements it.
type Transactions interface {
	CreateInvestment(ctx context.Context, req txn.CreateRequest) (*domain.Transaction, error)
	Create(ctx context.Context, req txn.CreateRequest) (*domain.Transaction, error)
	Get(ctx context.Context, txID string) (*domain.Transaction, error)
	Cancel(ctx context.Context, txID string) (*domain.Transaction, error)
	List(ctx context.Context, f domain.TransactionFilter) ([]*domain.Transaction, error)
	Summary(ctx context.Context, f domain.TransactionFilter) (*domain.Summary, error)
}

// Escrow is the escrow account surface. *ledger.Ledger implements it.
type Escrow interface {
	OpenAccount(ctx context.Context, offeringID string, mode domain.RegulationMode) (*domain.EscrowAccount, error)
	AccountByOffering(ctx context.Context, offeringID string) (*domain.EscrowAccount, error)
	Accounts(ctx context.Context) ([]*domain.EscrowAccount, error)
	Hold(ctx context.Context, accountID string, amount int64, reason string) (*domain.EscrowAccount, error)
	Unhold(ctx context.Context, accountID string, amount int64, reason string) (*domain.EscrowAccount, error)
	SetStatus(ctx context.Context, accountID string, status domain.AccountStatus) (*domain.EscrowAccount, error)
	Entries(ctx context.Context, accountID string, limit int32) ([]*domain.LedgerEntry, error)
}

// Webhooks is the webhook surface. *webhook.Reconciler implements it.
type Webhooks interface {
	Ingest(ctx context.Context, p domain.Provider, body []byte, headers http.Header) (webhook.IngestResult, error)
	ListFailed(ctx context.Context, limit int32) ([]*domain.WebhookEvent, error)
	Retry(ctx context.Context, eventID string) (*domain.WebhookEvent, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the HTTP server exposes.
type Deps struct {
	Transactions Transactions
	Escrow       Escrow
	Webhooks     Webhooks
	// Stream is optional - if nil, SSE endpoints won't be available.
	Stream *SSEPublisher
	// DB is optional - if set, /health pings it.
	DB Pinger
	// Gatherer is optional - if set, /metrics serves it instead of the default registry.
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP server for the escrow service.
type Server struct {
	addr    string
	deps    Deps
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, deps Deps, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		deps:    deps,
		metrics: m,
		logger:  logger.With("component", "http"),
	}
}

const streamRoute = "/api/v1/stream/transactions"

// Handler builds the route table. Request metrics are labelled by route
// pattern.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Transaction routes
	mux.Handle("POST /api/v1/investments", handleCreateInvestment(s.deps.Transactions, s.logger))
	mux.Handle("POST /api/v1/transactions", handleCreateTransaction(s.deps.Transactions, s.logger))
	mux.Handle("GET /api/v1/transactions", handleListTransactions(s.deps.Transactions, s.logger))
	mux.Handle("GET /api/v1/transactions/summary", handleTransactionSummary(s.deps.Transactions, s.logger))
	mux.Handle("GET /api/v1/transactions/{id}", handleGetTransaction(s.deps.Transactions, s.logger))
	mux.Handle("POST /api/v1/transactions/{id}/cancel", handleCancelTransaction(s.deps.Transactions, s.logger))

	// Escrow account routes
	mux.Handle("POST /api/v1/escrow-accounts", handleOpenEscrowAccount(s.deps.Escrow, s.logger))
	mux.Handle("GET /api/v1/escrow-accounts", handleListEscrowAccounts(s.deps.Escrow, s.logger))
	mux.Handle("GET /api/v1/escrow-accounts/{offering_id}", handleGetEscrowAccount(s.deps.Escrow, s.logger))
	mux.Handle("GET /api/v1/escrow-accounts/{offering_id}/entries", handleEscrowEntries(s.deps.Escrow, s.logger))
	mux.Handle("POST /api/v1/escrow-accounts/{offering_id}/hold", handleEscrowHold(s.deps.Escrow, domain.OpHold, s.logger))
	mux.Handle("POST /api/v1/escrow-accounts/{offering_id}/unhold", handleEscrowHold(s.deps.Escrow, domain.OpUnhold, s.logger))
	mux.Handle("POST /api/v1/escrow-accounts/{offering_id}/suspend", handleEscrowStatus(s.deps.Escrow, domain.AccountSuspended, s.logger))
	mux.Handle("POST /api/v1/escrow-accounts/{offering_id}/activate", handleEscrowStatus(s.deps.Escrow, domain.AccountActive, s.logger))

	// Provider webhooks
	mux.Handle("POST /webhooks/stripe", handleWebhook(s.deps.Webhooks, domain.ProviderStripe, s.logger))
	mux.Handle("POST /webhooks/plaid", handleWebhook(s.deps.Webhooks, domain.ProviderPlaid, s.logger))
	mux.Handle("GET /api/v1/webhook-events", handleListWebhookEvents(s.deps.Webhooks, s.logger))
	mux.Handle("POST /api/v1/webhook-events/{id}/retry", handleRetryWebhookEvent(s.deps.Webhooks, s.logger))

	// SSE streaming endpoint (if SSE publisher is configured)
	if s.deps.Stream != nil {
		mux.Handle("GET "+streamRoute, handleStreamTransactions(s.deps.Stream, s.metrics, s.logger))
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if s.deps.DB != nil {
			if err := s.deps.DB.Ping(r.Context()); err != nil {
				s.logger.WarnContext(r.Context(), "health check failed", "error", err)
				writeError(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		if s.deps.Gatherer != nil {
			mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
		} else {
			mux.Handle("GET /metrics", promhttp.Handler())
		}
	}

	return corsMiddleware(metrics.InstrumentRoutes(s.metrics, mux, streamRoute, "/metrics"))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if s.deps.Stream != nil {
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// SSE responses stay open; handlers bound their own work by request context.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.deps.Stream != nil {
		s.deps.Stream.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-User-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
