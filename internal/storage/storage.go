package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"triclip/internal/models"
)

const (
	// MaxCaptionLength bounds player-supplied statement captions.
	MaxCaptionLength = 200
	// MaxTitleLength bounds challenge draft titles.
	MaxTitleLength = 120
)

var (
	// ErrInsufficientBalance is returned when a debit would drive a user's
	// token balance below zero. Nothing is appended to the ledger.
	ErrInsufficientBalance = errors.New("insufficient token balance")
)

type dataset struct {
	Sessions      map[string]models.UploadSession    `json:"sessions"`
	StatementSets map[string]models.StatementSet     `json:"statementSets"`
	MergeJobs     map[string]models.MergeJob         `json:"mergeJobs"`
	Artifacts     map[string]models.MediaArtifact    `json:"artifacts"`
	AppliedEvents map[string]models.PurchaseEvent    `json:"appliedEvents"`
	LedgerEntries map[string][]models.TokenLedgerEntry `json:"ledgerEntries"`
}

func newDataset() dataset {
	return dataset{
		Sessions:      make(map[string]models.UploadSession),
		StatementSets: make(map[string]models.StatementSet),
		MergeJobs:     make(map[string]models.MergeJob),
		Artifacts:     make(map[string]models.MediaArtifact),
		AppliedEvents: make(map[string]models.PurchaseEvent),
		LedgerEntries: make(map[string][]models.TokenLedgerEntry),
	}
}

// Storage is the JSON-file datastore used by default. All mutations happen
// under a single writer lock and are flushed to disk before they are
// acknowledged; a failed flush rolls the in-memory change back.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	maxSessionBytes int64
}

// Option mutates storage configuration.
type Option func(*Storage)

// WithMaxSessionBytes caps the declared size of a single upload session.
func WithMaxSessionBytes(limit int64) Option {
	return func(s *Storage) {
		if limit > 0 {
			s.maxSessionBytes = limit
		}
	}
}

const defaultMaxSessionBytes = 512 << 20

// NewStorage opens (or creates) the JSON datastore at filePath.
func NewStorage(filePath string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath:        filePath,
		data:            newDataset(),
		maxSessionBytes: defaultMaxSessionBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	if s.filePath == "" {
		return nil
	}
	raw, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read datastore: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode datastore: %w", err)
	}
	s.data = data
	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.UploadSession)
	}
	if s.data.StatementSets == nil {
		s.data.StatementSets = make(map[string]models.StatementSet)
	}
	if s.data.MergeJobs == nil {
		s.data.MergeJobs = make(map[string]models.MergeJob)
	}
	if s.data.Artifacts == nil {
		s.data.Artifacts = make(map[string]models.MediaArtifact)
	}
	if s.data.AppliedEvents == nil {
		s.data.AppliedEvents = make(map[string]models.PurchaseEvent)
	}
	if s.data.LedgerEntries == nil {
		s.data.LedgerEntries = make(map[string][]models.TokenLedgerEntry)
	}
}

// persist flushes the dataset. Callers must hold s.mu.
func (s *Storage) persist() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}
	if s.filePath == "" {
		return nil
	}
	if dir := filepath.Dir(s.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create datastore directory: %w", err)
		}
	}
	encoded, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode datastore: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("write datastore: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("replace datastore: %w", err)
	}
	return nil
}

// Ping reports datastore availability for health checks.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.filePath == "" {
		return nil
	}
	dir := filepath.Dir(s.filePath)
	if _, err := os.Stat(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("datastore directory: %w", err)
	}
	return nil
}

// CreateUploadSessionParams captures the attributes required to open a session.
type CreateUploadSessionParams struct {
	OwnerID        string
	DraftID        string
	StatementIndex int
	Caption        string
	ExpectedChunks int
	ExpectedBytes  int64
	ContentHash    string
	TTL            time.Duration
}

// CreateUploadSession validates and records a new session in the initiated
// state. Validation failures are client input errors.
func (s *Storage) CreateUploadSession(params CreateUploadSessionParams) (models.UploadSession, error) {
	owner := strings.TrimSpace(params.OwnerID)
	if owner == "" {
		return models.UploadSession{}, fmt.Errorf("ownerId is required")
	}
	draft := strings.TrimSpace(params.DraftID)
	if draft == "" {
		return models.UploadSession{}, fmt.Errorf("draftId is required")
	}
	if params.StatementIndex < 0 || params.StatementIndex >= models.StatementCount {
		return models.UploadSession{}, fmt.Errorf("statementIndex must be in [0, %d)", models.StatementCount)
	}
	if params.ExpectedChunks <= 0 {
		return models.UploadSession{}, fmt.Errorf("expectedChunks must be positive")
	}
	if params.ExpectedBytes <= 0 {
		return models.UploadSession{}, fmt.Errorf("expectedSizeBytes must be positive")
	}
	if params.ExpectedBytes > s.maxSessionBytes {
		return models.UploadSession{}, fmt.Errorf("expectedSizeBytes exceeds limit of %d bytes", s.maxSessionBytes)
	}
	if params.TTL <= 0 {
		return models.UploadSession{}, fmt.Errorf("ttlSeconds must be positive")
	}
	caption := NormalizeText(params.Caption)
	if utf8.RuneCountInString(caption) > MaxCaptionLength {
		return models.UploadSession{}, fmt.Errorf("caption exceeds %d characters", MaxCaptionLength)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := generateID()
	if err != nil {
		return models.UploadSession{}, err
	}
	now := time.Now().UTC()
	session := models.UploadSession{
		ID:             id,
		OwnerID:        owner,
		DraftID:        draft,
		StatementIndex: params.StatementIndex,
		Caption:        caption,
		ExpectedChunks: params.ExpectedChunks,
		ExpectedBytes:  params.ExpectedBytes,
		ContentHash:    strings.TrimSpace(params.ContentHash),
		ReceivedChunks: make([]bool, params.ExpectedChunks),
		Status:         models.UploadInitiated,
		CreatedAt:      now,
		ExpiresAt:      now.Add(params.TTL),
	}
	s.data.Sessions[id] = session
	if err := s.persist(); err != nil {
		delete(s.data.Sessions, id)
		return models.UploadSession{}, err
	}
	return session, nil
}

// GetUploadSession returns a session by id.
func (s *Storage) GetUploadSession(id string) (models.UploadSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.Sessions[id]
	return session, ok
}

// PutUploadSession overwrites a session record. The uploads manager serializes
// writers per session, so last-write-wins here is safe.
func (s *Storage) PutUploadSession(session models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.data.Sessions[session.ID]
	s.data.Sessions[session.ID] = session
	if err := s.persist(); err != nil {
		if existed {
			s.data.Sessions[session.ID] = previous
		} else {
			delete(s.data.Sessions, session.ID)
		}
		return err
	}
	return nil
}

// ListUploadSessions returns all sessions ordered by creation time.
func (s *Storage) ListUploadSessions() []models.UploadSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]models.UploadSession, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// DeleteUploadSession removes a session record.
func (s *Storage) DeleteUploadSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, ok := s.data.Sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	delete(s.data.Sessions, id)
	if err := s.persist(); err != nil {
		s.data.Sessions[id] = previous
		return err
	}
	return nil
}

func setKey(ownerID, draftID string) string {
	return ownerID + "/" + draftID
}

// EnsureStatementSet returns the statement set for (owner, draft), creating it
// when absent. Creation is idempotent so concurrent session initiations for
// the same draft converge on one set.
func (s *Storage) EnsureStatementSet(ownerID, draftID, title string) (models.StatementSet, error) {
	owner := strings.TrimSpace(ownerID)
	draft := strings.TrimSpace(draftID)
	if owner == "" || draft == "" {
		return models.StatementSet{}, fmt.Errorf("ownerId and draftId are required")
	}
	normalized := NormalizeText(title)
	if utf8.RuneCountInString(normalized) > MaxTitleLength {
		return models.StatementSet{}, fmt.Errorf("title exceeds %d characters", MaxTitleLength)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := setKey(owner, draft)
	if existing, ok := s.data.StatementSets[key]; ok {
		if normalized != "" && existing.Title == "" {
			existing.Title = normalized
			s.data.StatementSets[key] = existing
			if err := s.persist(); err != nil {
				return models.StatementSet{}, err
			}
		}
		return existing, nil
	}
	id, err := generateID()
	if err != nil {
		return models.StatementSet{}, err
	}
	set := models.StatementSet{
		ID:        id,
		OwnerID:   owner,
		DraftID:   draft,
		Title:     normalized,
		CreatedAt: time.Now().UTC(),
	}
	s.data.StatementSets[key] = set
	if err := s.persist(); err != nil {
		delete(s.data.StatementSets, key)
		return models.StatementSet{}, err
	}
	return set, nil
}

// BindStatement records the session occupying one statement slot of a set.
// Re-binding the same slot to a different session supersedes the old one
// (a player may re-record a statement before the merge starts).
func (s *Storage) BindStatement(ownerID, draftID string, index int, sessionID string) (models.StatementSet, error) {
	if index < 0 || index >= models.StatementCount {
		return models.StatementSet{}, fmt.Errorf("statement index %d out of range", index)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := setKey(ownerID, draftID)
	set, ok := s.data.StatementSets[key]
	if !ok {
		return models.StatementSet{}, fmt.Errorf("statement set %s/%s not found", ownerID, draftID)
	}
	previous := set.SessionIDs
	set.SessionIDs[index] = sessionID
	s.data.StatementSets[key] = set
	if err := s.persist(); err != nil {
		set.SessionIDs = previous
		s.data.StatementSets[key] = set
		return models.StatementSet{}, err
	}
	return set, nil
}

// GetStatementSet looks a set up by (owner, draft).
func (s *Storage) GetStatementSet(ownerID, draftID string) (models.StatementSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.data.StatementSets[setKey(strings.TrimSpace(ownerID), strings.TrimSpace(draftID))]
	return set, ok
}

// ListStatementSets returns every statement set.
func (s *Storage) ListStatementSets() []models.StatementSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sets := make([]models.StatementSet, 0, len(s.data.StatementSets))
	for _, set := range s.data.StatementSets {
		sets = append(sets, set)
	}
	return sets
}

// GetStatementSetByID looks a set up by its generated id.
func (s *Storage) GetStatementSetByID(id string) (models.StatementSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, set := range s.data.StatementSets {
		if set.ID == id {
			return set, true
		}
	}
	return models.StatementSet{}, false
}

// CreateMergeJob records a pending merge job for the set. Creation is
// idempotent: a second call returns the existing job and created=false, which
// guards against duplicate completion signals enqueuing twice.
func (s *Storage) CreateMergeJob(setID string) (models.MergeJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.data.MergeJobs[setID]; ok {
		return existing, false, nil
	}
	id, err := generateID()
	if err != nil {
		return models.MergeJob{}, false, err
	}
	now := time.Now().UTC()
	job := models.MergeJob{
		ID:        id,
		SetID:     setID,
		Status:    models.MergePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.data.MergeJobs[setID] = job
	if err := s.persist(); err != nil {
		delete(s.data.MergeJobs, setID)
		return models.MergeJob{}, false, err
	}
	return job, true, nil
}

// GetMergeJob returns the job for a statement set.
func (s *Storage) GetMergeJob(setID string) (models.MergeJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.data.MergeJobs[setID]
	return job, ok
}

// MergeJobUpdate mutates selected merge job fields.
type MergeJobUpdate struct {
	Status      *models.MergeJobStatus
	Attempts    *int
	ArtifactID  *string
	Error       *string
	CompletedAt *time.Time
}

// UpdateMergeJob applies an update to the job for setID.
func (s *Storage) UpdateMergeJob(setID string, update MergeJobUpdate) (models.MergeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.data.MergeJobs[setID]
	if !ok {
		return models.MergeJob{}, fmt.Errorf("merge job for set %s not found", setID)
	}
	previous := job
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.Attempts != nil {
		job.Attempts = *update.Attempts
	}
	if update.ArtifactID != nil {
		id := *update.ArtifactID
		job.ArtifactID = &id
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if update.CompletedAt != nil {
		completed := update.CompletedAt.UTC()
		job.CompletedAt = &completed
	}
	job.UpdatedAt = time.Now().UTC()
	s.data.MergeJobs[setID] = job
	if err := s.persist(); err != nil {
		s.data.MergeJobs[setID] = previous
		return models.MergeJob{}, err
	}
	return job, nil
}

// ListMergeJobs returns jobs in any of the provided statuses; with no statuses
// it returns everything.
func (s *Storage) ListMergeJobs(statuses ...models.MergeJobStatus) []models.MergeJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]models.MergeJob, 0, len(s.data.MergeJobs))
	for _, job := range s.data.MergeJobs {
		if len(statuses) > 0 {
			matched := false
			for _, status := range statuses {
				if job.Status == status {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// PutMediaArtifact records a merged artifact. Artifacts are immutable;
// writing the same id twice with identical content is a no-op.
func (s *Storage) PutMediaArtifact(artifact models.MediaArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.data.Artifacts[artifact.ID]; ok {
		if existing.StorageKey == artifact.StorageKey {
			return nil
		}
		return fmt.Errorf("artifact %s already exists with different storage key", artifact.ID)
	}
	s.data.Artifacts[artifact.ID] = artifact
	if err := s.persist(); err != nil {
		delete(s.data.Artifacts, artifact.ID)
		return err
	}
	return nil
}

// GetMediaArtifact returns an artifact by id.
func (s *Storage) GetMediaArtifact(id string) (models.MediaArtifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.data.Artifacts[id]
	return artifact, ok
}

// NormalizeText trims and NFC-normalizes player-supplied text so equivalent
// composed and decomposed inputs compare and render identically.
func NormalizeText(input string) string {
	return norm.NFC.String(strings.TrimSpace(input))
}
