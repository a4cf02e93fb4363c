package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/txn"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB

	// IdempotencyKeyHeader carries the client's idempotency key.
	IdempotencyKeyHeader = "Idempotency-Key"
	// UserIDHeader is set by the upstream gateway to the authenticated user.
	UserIDHeader = "X-User-ID"

	defaultListLimit = 50
	maxListLimit     = 500
)

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.Invalid("", "request body too large: maximum size is 1MB")
		}
		return domain.Invalid("", "invalid request body: %v", err)
	}
	return nil
}

// bindCreate fills the idempotency key and acting user from headers.
// A header and a body field that disagree are rejected.
func bindCreate(r *http.Request, req *txn.CreateRequest) error {
	if key := r.Header.Get(IdempotencyKeyHeader); key != "" {
		if req.IdempotencyKey != "" && req.IdempotencyKey != key {
			return domain.Invalid("idempotency_key", "body and %s header disagree", IdempotencyKeyHeader)
		}
		req.IdempotencyKey = key
	}
	if user := r.Header.Get(UserIDHeader); user != "" && req.Type == domain.TypeInvestment {
		if req.FromUserID != "" && req.FromUserID != user {
			return domain.Invalid("from_user_id", "does not match the authenticated user")
		}
		req.FromUserID = user
	}
	return nil
}

// handleCreateInvestment handles POST /api/v1/investments.
func handleCreateInvestment(svc Transactions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req txn.CreateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		if req.Type != "" && req.Type != domain.TypeInvestment {
			writeError(w, "type must be INVESTMENT or omitted", http.StatusBadRequest)
			return
		}
		req.Type = domain.TypeInvestment
		if err := bindCreate(r, &req); err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}

		t, err := svc.CreateInvestment(r.Context(), req)
		if err != nil {
			writeDomainError(w, r, logger, err, t)
			return
		}
		writeJSON(w, t, http.StatusCreated)
	})
}

// handleCreateTransaction handles POST /api/v1/transactions for every type.
func handleCreateTransaction(svc Transactions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req txn.CreateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		if err := bindCreate(r, &req); err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}

		t, err := svc.Create(r.Context(), req)
		if err != nil {
			writeDomainError(w, r, logger, err, t)
			return
		}
		writeJSON(w, t, http.StatusCreated)
	})
}

// handleGetTransaction handles GET /api/v1/transactions/{id}.
func handleGetTransaction(svc Transactions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, err := svc.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		writeJSON(w, t, http.StatusOK)
	})
}

// handleCancelTransaction handles POST /api/v1/transactions/{id}/cancel.
func handleCancelTransaction(svc Transactions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, err := svc.Cancel(r.Context(), r.PathValue("id"))
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		writeJSON(w, t, http.StatusOK)
	})
}

// parseFilter reads transaction filters from the query string.
func parseFilter(r *http.Request) (domain.TransactionFilter, error) {
	q := r.URL.Query()
	f := domain.TransactionFilter{
		UserID:     q.Get("user_id"),
		OfferingID: q.Get("offering_id"),
		Status:     domain.Status(strings.ToUpper(q.Get("status"))),
		Type:       domain.TransactionType(strings.ToUpper(q.Get("type"))),
	}
	if f.Type != "" && !f.Type.Valid() {
		return f, domain.Invalid("type", "unknown transaction type %q", f.Type)
	}
	switch f.Status {
	case "", domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled:
	default:
		return f, domain.Invalid("status", "unknown status %q", f.Status)
	}

	limit, err := parseIntParam(q.Get("limit"), defaultListLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		return f, domain.Invalid("limit", "must be between 1 and %d", maxListLimit)
	}
	offset, err := parseIntParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		return f, domain.Invalid("offset", "must be a non-negative integer")
	}
	f.Limit, f.Offset = int32(limit), int32(offset)
	return f, nil
}

func parseIntParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// handleListTransactions handles GET /api/v1/transactions.
func handleListTransactions(svc Transactions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r)
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		txns, err := svc.List(r.Context(), f)
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		if txns == nil {
			txns = []*domain.Transaction{}
		}
		writeJSON(w, map[string]interface{}{
			"transactions": txns,
			"count":        len(txns),
			"limit":        f.Limit,
			"offset":       f.Offset,
		}, http.StatusOK)
	})
}

// handleTransactionSummary handles GET /api/v1/transactions/summary.
func handleTransactionSummary(svc Transactions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r)
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		s, err := svc.Summary(r.Context(), f)
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		writeJSON(w, s, http.StatusOK)
	})
}

// errorResponse is the JSON body of every error.
type errorResponse struct {
	Error       string               `json:"error"`
	Field       string               `json:"field,omitempty"`
	Reason      domain.Reason        `json:"reason,omitempty"`
	Checks      []domain.CheckResult `json:"checks,omitempty"`
	Transaction *domain.Transaction  `json:"transaction,omitempty"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		verr *domain.ValidationError
		cerr *domain.ComplianceError
		serr *domain.SignatureVerificationError
		terr *domain.InvalidStateTransitionError
		perr *domain.ProviderError
		lerr *domain.LedgerConsistencyError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &serr):
		return http.StatusBadRequest
	case errors.As(err, &cerr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &terr), errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	case errors.As(err, &perr):
		return http.StatusBadGateway
	case errors.As(err, &lerr):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// writeDomainError writes err with the status its type maps to. The
// transaction, when the operation produced one, is included so clients can
// see the persisted FAILED record.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, t *domain.Transaction) {
	code := statusFor(err)
	resp := errorResponse{Error: err.Error(), Transaction: t}

	var (
		verr *domain.ValidationError
		cerr *domain.ComplianceError
	)
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	if errors.As(err, &cerr) {
		resp.Reason = cerr.Reason
		resp.Checks = cerr.Checks
	}

	switch {
	case code >= 500:
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", code, "error", err)
		if code == http.StatusInternalServerError {
			// Internal detail stays in the logs.
			resp.Error = "internal server error"
		}
	case code == http.StatusNotFound:
		resp.Error = "not found"
	default:
		logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "status", code, "error", err)
	}
	writeJSON(w, resp, code)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
