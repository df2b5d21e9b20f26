package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"triclip/internal/billing"
	"triclip/internal/merge"
	"triclip/internal/publish"
	"triclip/internal/storage"
	"triclip/internal/uploads"
)

// Handler exposes the HTTP API. Fields are optional except Store; handlers
// for a missing component answer 503.
type Handler struct {
	Store     storage.Repository
	Uploads   *uploads.Manager
	Merges    *merge.Orchestrator
	Publisher *publish.Publisher
	Billing   *billing.Processor
	Ledger    billing.LedgerStore
	Logger    *slog.Logger
}

func NewHandler(store storage.Repository) *Handler {
	return &Handler{Store: store, Logger: slog.Default()}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

type healthResponse struct {
	Status    string `json:"status"`
	Datastore string `json:"datastore"`
	Time      string `json:"time"`
}

// Health reports liveness and datastore reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	response := healthResponse{
		Status:    "ok",
		Datastore: "ok",
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	status := http.StatusOK
	if h.Store == nil {
		response.Status = "degraded"
		response.Datastore = "unconfigured"
		status = http.StatusServiceUnavailable
	} else if err := h.Store.Ping(r.Context()); err != nil {
		response.Status = "degraded"
		response.Datastore = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}
