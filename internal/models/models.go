package models

import "time"

// UploadSessionStatus enumerates the lifecycle states of a chunked upload
// session. Transitions only ever move forward; see uploads.Manager for the
// exhaustive transition table.
type UploadSessionStatus string

const (
	UploadInitiated UploadSessionStatus = "initiated"
	UploadUploading UploadSessionStatus = "uploading"
	UploadComplete  UploadSessionStatus = "complete"
	UploadArchived  UploadSessionStatus = "archived"
	UploadExpired   UploadSessionStatus = "expired"
	UploadAborted   UploadSessionStatus = "aborted"
)

// Terminal reports whether the status admits no further transitions.
func (s UploadSessionStatus) Terminal() bool {
	switch s {
	case UploadArchived, UploadExpired, UploadAborted:
		return true
	}
	return false
}

// UploadSession tracks one chunked statement upload. ReceivedChunks is the
// presence bitmap persisted alongside the session so finalize can report the
// exact missing indices after a restart.
type UploadSession struct {
	ID             string              `json:"id"`
	OwnerID        string              `json:"ownerId"`
	DraftID        string              `json:"draftId"`
	StatementIndex int                 `json:"statementIndex"`
	Caption        string              `json:"caption,omitempty"`
	ExpectedChunks int                 `json:"expectedChunks"`
	ExpectedBytes  int64               `json:"expectedBytes"`
	ReceivedBytes  int64               `json:"receivedBytes"`
	ContentHash    string              `json:"contentHash,omitempty"`
	ReceivedChunks []bool              `json:"receivedChunks"`
	Status         UploadSessionStatus `json:"status"`
	CreatedAt      time.Time           `json:"createdAt"`
	ExpiresAt      time.Time           `json:"expiresAt"`
}

// ReceivedCount returns the number of chunk indices marked present.
func (s UploadSession) ReceivedCount() int {
	count := 0
	for _, seen := range s.ReceivedChunks {
		if seen {
			count++
		}
	}
	return count
}

// MissingIndices lists the chunk indices not yet received, in order.
func (s UploadSession) MissingIndices() []int {
	missing := make([]int, 0)
	for idx, seen := range s.ReceivedChunks {
		if !seen {
			missing = append(missing, idx)
		}
	}
	return missing
}

// StatementCount is the number of statements recorded per challenge draft.
const StatementCount = 3

// StatementSet groups the three completed upload sessions for one challenge
// draft, keyed by (owner, draft id).
type StatementSet struct {
	ID         string                   `json:"id"`
	OwnerID    string                   `json:"ownerId"`
	DraftID    string                   `json:"draftId"`
	Title      string                   `json:"title,omitempty"`
	SessionIDs [StatementCount]string   `json:"sessionIds"`
	CreatedAt  time.Time                `json:"createdAt"`
}

// Complete reports whether all three statement slots are bound to a session.
func (s StatementSet) Complete() bool {
	for _, id := range s.SessionIDs {
		if id == "" {
			return false
		}
	}
	return true
}

// MergeJobStatus enumerates merge job states as exposed to polling clients.
type MergeJobStatus string

const (
	MergePending MergeJobStatus = "pending"
	MergeRunning MergeJobStatus = "merging"
	MergeDone    MergeJobStatus = "done"
	MergeFailed  MergeJobStatus = "failed"
)

// MergeJob drives one statement set to a merged artifact. At most one job
// exists per set; re-running a finished job returns the existing artifact.
type MergeJob struct {
	ID          string         `json:"id"`
	SetID       string         `json:"setId"`
	Status      MergeJobStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	ArtifactID  *string        `json:"artifactId,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// Segment is one statement's half-open timing range within the merged
// artifact, in seconds from the start of playback.
type Segment struct {
	Index int     `json:"index"`
	Start float64 `json:"startSeconds"`
	End   float64 `json:"endSeconds"`
}

// MediaArtifact is the immutable merged output of a statement set. Superseding
// an artifact requires a new id; the storage key is derived from the id so
// re-publishing overwrites the same object with the same bytes.
type MediaArtifact struct {
	ID          string                  `json:"id"`
	SetID       string                  `json:"setId"`
	OwnerID     string                  `json:"ownerId"`
	StorageKey  string                  `json:"storageKey"`
	SizeBytes   int64                   `json:"sizeBytes"`
	Duration    float64                 `json:"totalDurationSeconds"`
	Segments    [StatementCount]Segment `json:"segments"`
	ContentType string                  `json:"contentType"`
	CreatedAt   time.Time               `json:"createdAt"`
}

// PurchaseEventType enumerates the provider event types the webhook processor
// understands. Unknown types are acknowledged without a ledger mutation.
type PurchaseEventType string

const (
	EventSubscriptionRenewed   PurchaseEventType = "subscription-renewed"
	EventSubscriptionCancelled PurchaseEventType = "subscription-cancelled"
	EventConsumableGranted     PurchaseEventType = "consumable-granted"
)

// PurchaseEvent is the immutable record of a provider webhook delivery. Only
// AppliedAt changes after receipt, and only once.
type PurchaseEvent struct {
	EventID    string            `json:"eventId"`
	Type       PurchaseEventType `json:"type"`
	UserID     string            `json:"userId"`
	DeltaTokens int64            `json:"deltaTokens"`
	ReceivedAt time.Time         `json:"receivedAt"`
	AppliedAt  *time.Time        `json:"appliedAt,omitempty"`
}

// TokenLedgerEntry is one append-only row of the token ledger. Balance is the
// snapshot after applying Delta; the current balance for a user is always the
// sum of deltas, never a separately mutated value.
type TokenLedgerEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Delta     int64     `json:"delta"`
	Balance   int64     `json:"balance"`
	SourceID  string    `json:"sourceId"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
