package api

import (
	"encoding/json"
	"errors"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// Machine-readable error codes carried in the "code" member of error bodies.
// Clients branch on these rather than parsing the human-readable message.
const (
	codeInvalidRequest         = "InvalidRequest"
	codeChunkOutOfRange        = "ChunkOutOfRange"
	codeChunkChecksumMismatch  = "ChunkChecksumMismatch"
	codeSessionExpired         = "SessionExpired"
	codeSessionAlreadyComplete = "SessionAlreadyComplete"
	codeIncompleteUpload       = "IncompleteUpload"
	codeWebhookUnauthorized    = "WebhookUnauthorized"
	codeInsufficientBalance    = "InsufficientBalance"
	codeMergeSourceCorrupt     = "MergeSourceCorrupt"
)

func writeError(w http.ResponseWriter, status int, err error) {
	writeErrorCode(w, status, defaultErrorCode(status), err)
}

func writeErrorCode(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

// defaultErrorCode maps a status to a generic code for paths that have no
// domain-specific one.
func defaultErrorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return codeInvalidRequest
	case http.StatusUnauthorized:
		return "Unauthorized"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusNotFound:
		return "NotFound"
	case http.StatusMethodNotAllowed:
		return "MethodNotAllowed"
	case http.StatusConflict:
		return "Conflict"
	case http.StatusGone:
		return "Gone"
	case http.StatusTooManyRequests:
		return "RateLimited"
	case http.StatusServiceUnavailable:
		return "Unavailable"
	default:
		return "Internal"
	}
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}
