package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"triclip/internal/models"
	"triclip/internal/uploads"
)

const (
	chunkIndexHeader    = "X-Chunk-Index"
	chunkChecksumHeader = "X-Chunk-Checksum"
)

type createSessionRequest struct {
	OwnerID           string `json:"ownerId"`
	DraftID           string `json:"draftId"`
	DraftTitle        string `json:"draftTitle"`
	StatementIndex    int    `json:"statementIndex"`
	Caption           string `json:"caption"`
	ExpectedChunks    int    `json:"expectedChunks"`
	ExpectedSizeBytes int64  `json:"expectedSizeBytes"`
	TTLSeconds        int    `json:"ttlSeconds"`
	ContentHash       string `json:"contentHash"`
}

type sessionResponse struct {
	ID                string `json:"id"`
	OwnerID           string `json:"ownerId"`
	DraftID           string `json:"draftId"`
	StatementIndex    int    `json:"statementIndex"`
	Caption           string `json:"caption,omitempty"`
	Status            string `json:"status"`
	ExpectedChunks    int    `json:"expectedChunks"`
	ReceivedChunks    int    `json:"receivedChunks"`
	MissingIndices    []int  `json:"missingIndices,omitempty"`
	ExpectedSizeBytes int64  `json:"expectedSizeBytes"`
	ReceivedBytes     int64  `json:"receivedBytes"`
	ContentHash       string `json:"contentHash,omitempty"`
	CreatedAt         string `json:"createdAt"`
	ExpiresAt         string `json:"expiresAt"`
}

func newSessionResponse(session models.UploadSession) sessionResponse {
	return sessionResponse{
		ID:                session.ID,
		OwnerID:           session.OwnerID,
		DraftID:           session.DraftID,
		StatementIndex:    session.StatementIndex,
		Caption:           session.Caption,
		Status:            string(session.Status),
		ExpectedChunks:    session.ExpectedChunks,
		ReceivedChunks:    session.ReceivedCount(),
		MissingIndices:    session.MissingIndices(),
		ExpectedSizeBytes: session.ExpectedBytes,
		ReceivedBytes:     session.ReceivedBytes,
		ContentHash:       session.ContentHash,
		CreatedAt:         session.CreatedAt.UTC().Format(time.RFC3339Nano),
		ExpiresAt:         session.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
}

type finalizeRequest struct {
	OwnerID     string `json:"ownerId"`
	ContentHash string `json:"contentHash"`
}

type finalizeResponse struct {
	Session  sessionResponse `json:"session"`
	SetID    string          `json:"setId"`
	SetReady bool            `json:"setReady"`
}

// UploadSessions handles POST /api/uploads.
func (h *Handler) UploadSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Uploads == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("upload manager unavailable"))
		return
	}
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("ttlSeconds must be positive"))
		return
	}
	session, err := h.Uploads.Initiate(uploads.InitiateParams{
		OwnerID:        req.OwnerID,
		DraftID:        req.DraftID,
		DraftTitle:     req.DraftTitle,
		StatementIndex: req.StatementIndex,
		Caption:        req.Caption,
		ExpectedChunks: req.ExpectedChunks,
		ExpectedBytes:  req.ExpectedSizeBytes,
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
		ContentHash:    req.ContentHash,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(session))
}

// UploadSessionByID handles /api/uploads/{id} and its chunk and finalize
// subroutes.
func (h *Handler) UploadSessionByID(w http.ResponseWriter, r *http.Request) {
	if h.Uploads == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("upload manager unavailable"))
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/uploads/")
	if path == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("session id missing"))
		return
	}
	parts := strings.Split(path, "/")
	sessionID := strings.TrimSpace(parts[0])
	ownerID := strings.TrimSpace(r.URL.Query().Get("ownerId"))

	if len(parts) > 1 {
		switch parts[1] {
		case "chunks":
			h.handleChunkUpload(w, r, ownerID, sessionID)
		case "finalize":
			h.handleFinalize(w, r, sessionID)
		default:
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown upload subresource %q", parts[1]))
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		session, err := h.Uploads.Get(ownerID, sessionID)
		if err != nil {
			h.writeUploadError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponse(session))
	case http.MethodDelete:
		session, err := h.Uploads.Abort(ownerID, sessionID)
		if err != nil {
			h.writeUploadError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponse(session))
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) handleChunkUpload(w http.ResponseWriter, r *http.Request, ownerID, sessionID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	rawIndex := strings.TrimSpace(r.Header.Get(chunkIndexHeader))
	if rawIndex == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%s header is required", chunkIndexHeader))
		return
	}
	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid %s header: %v", chunkIndexHeader, err))
		return
	}
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("chunk body is required"))
		return
	}
	defer r.Body.Close()

	checksum := r.Header.Get(chunkChecksumHeader)
	session, err := h.Uploads.PutChunk(ownerID, sessionID, index, checksum, r.Body)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req finalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.Uploads.Finalize(req.OwnerID, sessionID, req.ContentHash)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}
	if result.SetReady && h.Merges != nil {
		if err := h.Merges.Enqueue(result.Set.ID); err != nil {
			h.logger().Error("failed to enqueue merge job", "set_id", result.Set.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, finalizeResponse{
		Session:  newSessionResponse(result.Session),
		SetID:    result.Set.ID,
		SetReady: result.SetReady,
	})
}

func (h *Handler) writeUploadError(w http.ResponseWriter, err error) {
	var incomplete *uploads.IncompleteError
	switch {
	case errors.As(err, &incomplete):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":          incomplete.Error(),
			"code":           codeIncompleteUpload,
			"missingIndices": incomplete.Missing,
		})
	case errors.Is(err, uploads.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, uploads.ErrNotOwner):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, uploads.ErrSessionExpired):
		writeErrorCode(w, http.StatusGone, codeSessionExpired, err)
	case errors.Is(err, uploads.ErrSessionClosed):
		writeErrorCode(w, http.StatusConflict, codeSessionAlreadyComplete, err)
	case errors.Is(err, uploads.ErrChunkOutOfRange):
		writeErrorCode(w, http.StatusConflict, codeChunkOutOfRange, err)
	case errors.Is(err, uploads.ErrChecksumMismatch):
		writeErrorCode(w, http.StatusConflict, codeChunkChecksumMismatch, err)
	case errors.Is(err, uploads.ErrSizeMismatch), errors.Is(err, uploads.ErrHashMismatch):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
