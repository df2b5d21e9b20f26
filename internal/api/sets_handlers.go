package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"triclip/internal/merge"
	"triclip/internal/models"
)

type statementSetResponse struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"ownerId"`
	DraftID    string            `json:"draftId"`
	Title      string            `json:"title,omitempty"`
	Statements []sessionResponse `json:"statements"`
	Complete   bool              `json:"complete"`
	Merge      *mergeJobResponse `json:"merge,omitempty"`
	CreatedAt  string            `json:"createdAt"`
}

type mergeJobResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	ArtifactID  string `json:"artifactId,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	UpdatedAt   string `json:"updatedAt"`
	CompletedAt string `json:"completedAt,omitempty"`
}

func newMergeJobResponse(job models.MergeJob) mergeJobResponse {
	response := mergeJobResponse{
		ID:        job.ID,
		Status:    string(job.Status),
		Attempts:  job.Attempts,
		Error:     job.Error,
		UpdatedAt: job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if job.Status == models.MergeFailed && strings.Contains(job.Error, merge.ErrSourceUnreadable.Error()) {
		response.ErrorCode = codeMergeSourceCorrupt
	}
	if job.ArtifactID != nil {
		response.ArtifactID = *job.ArtifactID
	}
	if job.CompletedAt != nil {
		response.CompletedAt = job.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return response
}

// StatementSetByDraft handles GET /api/statement-sets/{draftId}?ownerId=.
func (h *Handler) StatementSetByDraft(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	draftID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/api/statement-sets/"))
	if draftID == "" || strings.Contains(draftID, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("draft id missing"))
		return
	}
	ownerID := strings.TrimSpace(r.URL.Query().Get("ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("ownerId is required"))
		return
	}
	set, ok := h.Store.GetStatementSet(ownerID, draftID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("statement set for draft %s not found", draftID))
		return
	}

	response := statementSetResponse{
		ID:        set.ID,
		OwnerID:   set.OwnerID,
		DraftID:   set.DraftID,
		Title:     set.Title,
		Complete:  set.Complete(),
		CreatedAt: set.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	response.Statements = make([]sessionResponse, 0, models.StatementCount)
	for _, sessionID := range set.SessionIDs {
		if sessionID == "" {
			continue
		}
		if session, ok := h.Store.GetUploadSession(sessionID); ok {
			response.Statements = append(response.Statements, newSessionResponse(session))
		}
	}
	if job, ok := h.Store.GetMergeJob(set.ID); ok {
		merged := newMergeJobResponse(job)
		response.Merge = &merged
	}
	writeJSON(w, http.StatusOK, response)
}
