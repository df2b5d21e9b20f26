package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"triclip/internal/models"
)

type segmentResponse struct {
	Index int     `json:"index"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type artifactResponse struct {
	ID              string            `json:"id"`
	SetID           string            `json:"setId"`
	OwnerID         string            `json:"ownerId"`
	SizeBytes       int64             `json:"sizeBytes"`
	DurationSeconds float64           `json:"durationSeconds"`
	ContentType     string            `json:"contentType"`
	Segments        []segmentResponse `json:"segments"`
	PlaybackURL     string            `json:"playbackUrl,omitempty"`
	URLExpiresAt    string            `json:"urlExpiresAt,omitempty"`
	CreatedAt       string            `json:"createdAt"`
}

func newArtifactResponse(artifact models.MediaArtifact) artifactResponse {
	segments := make([]segmentResponse, 0, len(artifact.Segments))
	for _, segment := range artifact.Segments {
		segments = append(segments, segmentResponse{
			Index: segment.Index,
			Start: segment.Start,
			End:   segment.End,
		})
	}
	return artifactResponse{
		ID:              artifact.ID,
		SetID:           artifact.SetID,
		OwnerID:         artifact.OwnerID,
		SizeBytes:       artifact.SizeBytes,
		DurationSeconds: artifact.Duration,
		ContentType:     artifact.ContentType,
		Segments:        segments,
		CreatedAt:       artifact.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ArtifactByID handles GET /api/artifacts/{id}: artifact metadata, the
// segment table and a freshly signed playback link.
func (h *Handler) ArtifactByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	artifactID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/api/artifacts/"))
	if artifactID == "" || strings.Contains(artifactID, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("artifact id missing"))
		return
	}
	artifact, ok := h.Store.GetMediaArtifact(artifactID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("artifact %s not found", artifactID))
		return
	}
	response := newArtifactResponse(artifact)
	if h.Publisher != nil {
		playback, expires := h.Publisher.PlaybackURL(artifact)
		response.PlaybackURL = playback
		response.URLExpiresAt = time.Unix(expires, 0).UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, response)
}
