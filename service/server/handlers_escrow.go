package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/brojonat/escrowd/service/domain"
)

const defaultEntriesLimit = 100

type openAccountRequest struct {
	OfferingID     string                `json:"offering_id"`
	RegulationMode domain.RegulationMode `json:"regulation_mode"`
}

type holdRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// handleOpenEscrowAccount handles POST /api/v1/escrow-accounts.
func handleOpenEscrowAccount(escrow Escrow, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAccountRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		a, err := escrow.OpenAccount(r.Context(), req.OfferingID, req.RegulationMode)
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		logger.InfoContext(r.Context(), "escrow account opened", "offering_id", a.OfferingID, "account_id", a.ID)
		writeJSON(w, a, http.StatusCreated)
	})
}

// handleListEscrowAccounts handles GET /api/v1/escrow-accounts.
func handleListEscrowAccounts(escrow Escrow, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accounts, err := escrow.Accounts(r.Context())
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		if accounts == nil {
			accounts = []*domain.EscrowAccount{}
		}
		writeJSON(w, map[string]interface{}{
			"accounts": accounts,
			"count":    len(accounts),
		}, http.StatusOK)
	})
}

// handleGetEscrowAccount handles GET /api/v1/escrow-accounts/{offering_id}.
func handleGetEscrowAccount(escrow Escrow, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, err := escrow.AccountByOffering(r.Context(), r.PathValue("offering_id"))
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		writeJSON(w, a, http.StatusOK)
	})
}

// handleEscrowEntries handles GET /api/v1/escrow-accounts/{offering_id}/entries.
func handleEscrowEntries(escrow Escrow, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := defaultEntriesLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > maxListLimit {
				writeDomainError(w, r, logger, domain.Invalid("limit", "must be between 1 and %d", maxListLimit), nil)
				return
			}
			limit = n
		}

		a, err := escrow.AccountByOffering(r.Context(), r.PathValue("offering_id"))
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		entries, err := escrow.Entries(r.Context(), a.ID, int32(limit))
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		if entries == nil {
			entries = []*domain.LedgerEntry{}
		}
		writeJSON(w, map[string]interface{}{
			"account": a,
			"entries": entries,
			"count":   len(entries),
		}, http.StatusOK)
	})
}

// handleEscrowHold moves funds between available and held. op selects the direction.
func handleEscrowHold(escrow Escrow, op domain.LedgerOp, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req holdRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}

		a, err := escrow.AccountByOffering(r.Context(), r.PathValue("offering_id"))
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}

		if op == domain.OpHold {
			a, err = escrow.Hold(r.Context(), a.ID, req.Amount, req.Reason)
		} else {
			a, err = escrow.Unhold(r.Context(), a.ID, req.Amount, req.Reason)
		}
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		logger.InfoContext(r.Context(), "escrow funds moved",
			"op", op,
			"account_id", a.ID,
			"amount", req.Amount,
			"reason", req.Reason,
		)
		writeJSON(w, a, http.StatusOK)
	})
}

// handleEscrowStatus suspends or reactivates an account.
func handleEscrowStatus(escrow Escrow, status domain.AccountStatus, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, err := escrow.AccountByOffering(r.Context(), r.PathValue("offering_id"))
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		a, err = escrow.SetStatus(r.Context(), a.ID, status)
		if err != nil {
			writeDomainError(w, r, logger, err, nil)
			return
		}
		writeJSON(w, a, http.StatusOK)
	})
}
