package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"triclip/internal/models"
	"triclip/internal/observability/metrics"
	"triclip/internal/storage"
)

type ledgerEntryResponse struct {
	ID        string `json:"id"`
	Delta     int64  `json:"delta"`
	Balance   int64  `json:"balance"`
	SourceID  string `json:"sourceId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"createdAt"`
}

func newLedgerEntryResponse(entry models.TokenLedgerEntry) ledgerEntryResponse {
	return ledgerEntryResponse{
		ID:        entry.ID,
		Delta:     entry.Delta,
		Balance:   entry.Balance,
		SourceID:  entry.SourceID,
		Reason:    entry.Reason,
		CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type walletResponse struct {
	UserID  string                `json:"userId"`
	Balance int64                 `json:"balance"`
	History []ledgerEntryResponse `json:"history"`
}

type spendRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// WalletByUser handles /api/wallet/{userId} and /api/wallet/{userId}/spend.
func (h *Handler) WalletByUser(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("token ledger unavailable"))
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/wallet/")
	if rest == "" || rest == r.URL.Path {
		writeError(w, http.StatusNotFound, fmt.Errorf("wallet user not specified"))
		return
	}
	parts := strings.Split(rest, "/")
	userID := strings.TrimSpace(parts[0])
	if userID == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("wallet user not specified"))
		return
	}
	if len(parts) > 1 {
		switch {
		case len(parts) == 2 && parts[1] == "spend":
			h.handleSpend(w, r, userID)
		case len(parts) == 2 && parts[1] == "entries":
			h.handleEntries(w, r, userID)
		default:
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown wallet resource"))
		}
		return
	}

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	entries := h.Ledger.ListLedgerEntries(userID)
	history := make([]ledgerEntryResponse, 0, len(entries))
	for _, entry := range entries {
		history = append(history, newLedgerEntryResponse(entry))
	}
	writeJSON(w, http.StatusOK, walletResponse{
		UserID:  userID,
		Balance: h.Ledger.Balance(userID),
		History: history,
	})
}

func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	entries := h.Ledger.ListLedgerEntries(userID)
	history := make([]ledgerEntryResponse, 0, len(entries))
	for _, entry := range entries {
		history = append(history, newLedgerEntryResponse(entry))
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) handleSpend(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req spendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("amount must be positive"))
		return
	}
	entry, err := h.Ledger.SpendTokens(userID, req.Amount, strings.TrimSpace(req.Reason))
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientBalance) {
			writeErrorCode(w, http.StatusConflict, codeInsufficientBalance, err)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Errorf("spend tokens: %v", err))
		return
	}
	metrics.Default().ObserveSpend(req.Amount)
	writeJSON(w, http.StatusOK, newLedgerEntryResponse(entry))
}
