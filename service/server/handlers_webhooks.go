package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/brojonat/escrowd/service/domain"
)

// handleWebhook receives a provider delivery. The raw body is passed through
// untouched because signatures are computed over the exact bytes.
func handleWebhook(webhooks Webhooks, p domain.Provider, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusRequestEntityTooLarge)
				return
			}
			writeError(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		res, err := webhooks.Ingest(r.Context(), p, body, r.Header)
		if err != nil {
			var (
				serr *domain.SignatureVerificationError
				verr *domain.ValidationError
			)
			switch {
			case errors.As(err, &serr):
				writeError(w, "invalid signature", http.StatusBadRequest)
			case errors.As(err, &verr):
				writeError(w, verr.Error(), http.StatusBadRequest)
			default:
				// A 5xx makes the provider redeliver.
				logger.ErrorContext(r.Context(), "failed to ingest webhook", "provider", p, "error", err)
				writeError(w, "failed to record event", http.StatusInternalServerError)
			}
			return
		}

		writeJSON(w, map[string]interface{}{
			"received":  true,
			"event_id":  res.EventID,
			"duplicate": res.Duplicate,
		}, http.StatusOK)
	})
}

// handleListWebhookEvents handles GET /api/v1/webhook-events, listing events
// that failed processing.
func handleListWebhookEvents(webhooks Webhooks, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > maxListLimit {
				writeDomainError(w, r, logger, domain.Invalid("limit", "must be between 1 and %d", maxListLimit), nil)
				return
			}
			limit = n
		}
		events, err := webhooks.ListFailed(r.Context(), int32(limit))
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		if events == nil {
			events = []*domain.WebhookEvent{}
		}
		writeJSON(w, map[string]interface{}{
			"events": events,
			"count":  len(events),
		}, http.StatusOK)
	})
}

// handleRetryWebhookEvent handles POST /api/v1/webhook-events/{id}/retry.
// A retry that fails again still returns the updated event, with the error.
func handleRetryWebhookEvent(webhooks Webhooks, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e, err := webhooks.Retry(r.Context(), r.PathValue("id"))
		if e == nil {
			if err == nil {
				err = domain.ErrNotFound
			}
			writeDomainError(w, r, logger, err, nil)
			return
		}
		resp := map[string]interface{}{"event": e}
		if err != nil {
			logger.WarnContext(r.Context(), "webhook retry failed", "event_id", e.EventID, "error", err)
			resp["error"] = err.Error()
		}
		writeJSON(w, resp, http.StatusOK)
	})
}
