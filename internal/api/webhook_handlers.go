package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"triclip/internal/billing"
	"triclip/internal/models"
)

const webhookSignatureHeader = "X-Webhook-Signature"

// maxWebhookBody bounds provider payloads; real deliveries are under a
// kilobyte.
const maxWebhookBody = 64 << 10

type webhookResponse struct {
	EventID     string `json:"eventId"`
	Applied     bool   `json:"applied"`
	DeltaTokens int64  `json:"deltaTokens"`
	AppliedAt   string `json:"appliedAt,omitempty"`
}

func newWebhookResponse(event models.PurchaseEvent, applied bool) webhookResponse {
	response := webhookResponse{
		EventID:     event.EventID,
		Applied:     applied,
		DeltaTokens: event.DeltaTokens,
	}
	if event.AppliedAt != nil {
		response.AppliedAt = event.AppliedAt.UTC().Format(time.RFC3339Nano)
	}
	return response
}

// PurchaseWebhook handles POST /api/webhooks/purchase. Duplicate deliveries
// answer 200 so the provider stops retrying.
func (h *Handler) PurchaseWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Billing == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("billing processor unavailable"))
		return
	}
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("request body is required"))
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read webhook body: %v", err))
		return
	}

	result, err := h.Billing.HandleDelivery(r.Context(), body, r.Header.Get(webhookSignatureHeader))
	if err != nil {
		if errors.Is(err, billing.ErrBadSignature) {
			writeErrorCode(w, http.StatusUnauthorized, codeWebhookUnauthorized, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, newWebhookResponse(result.Event, result.Applied))
}
