package uploads

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"triclip/internal/models"
	"triclip/internal/observability/metrics"
	"triclip/internal/storage"
)

// DefaultSessionTTL is applied when no explicit deadline is configured.
const DefaultSessionTTL = 30 * time.Minute

// Manager drives upload sessions through their lifecycle. It serializes all
// mutations for one session behind a per-session lock so concurrent chunk
// uploads and finalize calls never interleave.
type Manager struct {
	store  storage.Repository
	chunks *ChunkStore
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wires a session manager over the repository and chunk store.
func NewManager(store storage.Repository, chunks *ChunkStore, logger *slog.Logger, ttl time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Manager{
		store:  store,
		chunks: chunks,
		logger: logger.With("component", "uploads"),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (m *Manager) lockSession(id string) func() {
	m.mu.Lock()
	lock, ok := m.locks[id]
	if !ok {
		if m.locks == nil {
			m.locks = make(map[string]*sync.Mutex)
		}
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	m.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (m *Manager) releaseSession(id string) {
	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()
}

// InitiateParams describes a new statement upload.
type InitiateParams struct {
	OwnerID        string
	DraftID        string
	DraftTitle     string
	StatementIndex int
	Caption        string
	ExpectedChunks int
	ExpectedBytes  int64
	// TTL bounds the session lifetime. Zero falls back to the manager
	// default.
	TTL         time.Duration
	ContentHash string
}

// Initiate opens an upload session and binds it to its statement slot,
// creating the statement set for the draft on first use. Re-initiating a slot
// supersedes the previous session for that statement.
func (m *Manager) Initiate(params InitiateParams) (models.UploadSession, error) {
	ttl := params.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	session, err := m.store.CreateUploadSession(storage.CreateUploadSessionParams{
		OwnerID:        params.OwnerID,
		DraftID:        params.DraftID,
		StatementIndex: params.StatementIndex,
		Caption:        params.Caption,
		ExpectedChunks: params.ExpectedChunks,
		ExpectedBytes:  params.ExpectedBytes,
		ContentHash:    params.ContentHash,
		TTL:            ttl,
	})
	if err != nil {
		return models.UploadSession{}, err
	}
	if _, err := m.store.EnsureStatementSet(session.OwnerID, session.DraftID, params.DraftTitle); err != nil {
		return models.UploadSession{}, err
	}
	if _, err := m.store.BindStatement(session.OwnerID, session.DraftID, session.StatementIndex, session.ID); err != nil {
		return models.UploadSession{}, err
	}
	metrics.UploadStarted()
	m.logger.Info("upload session initiated",
		"session_id", session.ID,
		"draft_id", session.DraftID,
		"statement_index", session.StatementIndex,
		"expected_chunks", session.ExpectedChunks)
	return session, nil
}

func (m *Manager) loadOpenSession(ownerID, id string) (models.UploadSession, error) {
	session, ok := m.store.GetUploadSession(id)
	if !ok {
		return models.UploadSession{}, ErrSessionNotFound
	}
	if ownerID != "" && session.OwnerID != ownerID {
		return models.UploadSession{}, ErrNotOwner
	}
	if session.Status.Terminal() || session.Status == models.UploadComplete {
		return models.UploadSession{}, ErrSessionClosed
	}
	if m.now().After(session.ExpiresAt) {
		if err := m.expireLocked(session); err != nil {
			return models.UploadSession{}, err
		}
		return models.UploadSession{}, ErrSessionExpired
	}
	return session, nil
}

func (m *Manager) expireLocked(session models.UploadSession) error {
	session.Status = models.UploadExpired
	if err := m.store.PutUploadSession(session); err != nil {
		return err
	}
	if err := m.chunks.RemoveSession(session.ID); err != nil {
		m.logger.Warn("failed to remove expired session chunks", "session_id", session.ID, "error", err)
	}
	m.releaseSessionSoon(session.ID)
	metrics.Default().UploadAborted("expired")
	return nil
}

// releaseSessionSoon schedules the lock table entry for removal once the
// current holder unlocks. Terminal sessions never take the lock again.
func (m *Manager) releaseSessionSoon(id string) {
	go m.releaseSession(id)
}

// PutChunk stores one chunk for the session. Chunks may arrive in any order
// and a re-sent index simply overwrites the stored bytes. When checksum is
// non-empty it must match the hex SHA-256 of the chunk body.
func (m *Manager) PutChunk(ownerID, sessionID string, index int, checksum string, body io.Reader) (models.UploadSession, error) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	session, err := m.loadOpenSession(ownerID, sessionID)
	if err != nil {
		return models.UploadSession{}, err
	}
	if index < 0 || index >= session.ExpectedChunks {
		return models.UploadSession{}, fmt.Errorf("%w: index %d, expected [0, %d)", ErrChunkOutOfRange, index, session.ExpectedChunks)
	}

	previousSize := int64(0)
	if session.ReceivedChunks[index] {
		size, ok, err := m.chunks.ChunkSize(sessionID, index)
		if err != nil {
			return models.UploadSession{}, err
		}
		if ok {
			previousSize = size
		}
	}

	written, sum, err := m.chunks.WriteChunk(sessionID, index, body)
	if err != nil {
		return models.UploadSession{}, err
	}
	if expected := strings.ToLower(strings.TrimSpace(checksum)); expected != "" && expected != sum {
		if removeErr := m.chunks.RemoveChunk(sessionID, index); removeErr != nil {
			m.logger.Warn("failed to discard corrupt chunk", "session_id", sessionID, "chunk_index", index, "error", removeErr)
		}
		if session.ReceivedChunks[index] {
			// The overwrite destroyed a previously good chunk.
			session.ReceivedChunks[index] = false
			session.ReceivedBytes -= previousSize
			if err := m.store.PutUploadSession(session); err != nil {
				return models.UploadSession{}, err
			}
		}
		return models.UploadSession{}, ErrChecksumMismatch
	}

	if !session.ReceivedChunks[index] {
		session.ReceivedChunks[index] = true
	}
	session.ReceivedBytes += written - previousSize
	if session.Status == models.UploadInitiated {
		session.Status = models.UploadUploading
	}
	if err := m.store.PutUploadSession(session); err != nil {
		return models.UploadSession{}, err
	}
	metrics.Default().ObserveChunk(written)
	return session, nil
}

// FinalizeResult reports the outcome of a successful finalize.
type FinalizeResult struct {
	Session models.UploadSession
	Set     models.StatementSet
	// SetReady is true when all three statements of the draft are complete
	// and the set is eligible for merging.
	SetReady bool
}

// Finalize verifies the upload is whole, reassembles the statement file and
// marks the session complete. contentHash, when non-empty, must match the hex
// SHA-256 of the assembled bytes; a mismatch aborts the session since the
// stored bytes cannot be trusted.
func (m *Manager) Finalize(ownerID, sessionID, contentHash string) (FinalizeResult, error) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	session, err := m.loadOpenSession(ownerID, sessionID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if missing := session.MissingIndices(); len(missing) > 0 {
		return FinalizeResult{}, &IncompleteError{Missing: missing}
	}
	if session.ReceivedBytes != session.ExpectedBytes {
		return FinalizeResult{}, fmt.Errorf("%w: received %d, declared %d", ErrSizeMismatch, session.ReceivedBytes, session.ExpectedBytes)
	}

	size, sum, err := m.chunks.Assemble(sessionID, session.ExpectedChunks)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("assemble session %s: %w", sessionID, err)
	}
	if size != session.ExpectedBytes {
		return FinalizeResult{}, m.abortCorrupt(session, ErrSizeMismatch)
	}
	expectedHash := strings.ToLower(strings.TrimSpace(session.ContentHash))
	if expectedHash == "" {
		expectedHash = strings.ToLower(strings.TrimSpace(contentHash))
	}
	if expectedHash != "" && expectedHash != sum {
		return FinalizeResult{}, m.abortCorrupt(session, ErrHashMismatch)
	}

	session.Status = models.UploadComplete
	session.ContentHash = sum
	if err := m.store.PutUploadSession(session); err != nil {
		return FinalizeResult{}, err
	}
	m.releaseSessionSoon(sessionID)
	metrics.UploadCompleted()

	set, ok := m.store.GetStatementSet(session.OwnerID, session.DraftID)
	if !ok {
		return FinalizeResult{}, fmt.Errorf("statement set for draft %s not found", session.DraftID)
	}
	result := FinalizeResult{Session: session, Set: set, SetReady: m.setReady(set)}
	m.logger.Info("upload session finalized",
		"session_id", session.ID,
		"draft_id", session.DraftID,
		"statement_index", session.StatementIndex,
		"set_ready", result.SetReady)
	return result, nil
}

func (m *Manager) abortCorrupt(session models.UploadSession, cause error) error {
	session.Status = models.UploadAborted
	if err := m.store.PutUploadSession(session); err != nil {
		return err
	}
	if err := m.chunks.RemoveSession(session.ID); err != nil {
		m.logger.Warn("failed to remove corrupt session data", "session_id", session.ID, "error", err)
	}
	m.releaseSessionSoon(session.ID)
	metrics.Default().UploadAborted("corrupt")
	return cause
}

func (m *Manager) setReady(set models.StatementSet) bool {
	if !set.Complete() {
		return false
	}
	for _, sessionID := range set.SessionIDs {
		session, ok := m.store.GetUploadSession(sessionID)
		if !ok || session.Status != models.UploadComplete {
			return false
		}
	}
	return true
}

// Abort cancels an in-flight session and discards its chunks.
func (m *Manager) Abort(ownerID, sessionID string) (models.UploadSession, error) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	session, err := m.loadOpenSession(ownerID, sessionID)
	if err != nil {
		return models.UploadSession{}, err
	}
	session.Status = models.UploadAborted
	if err := m.store.PutUploadSession(session); err != nil {
		return models.UploadSession{}, err
	}
	if err := m.chunks.RemoveSession(sessionID); err != nil {
		m.logger.Warn("failed to remove aborted session chunks", "session_id", sessionID, "error", err)
	}
	m.releaseSessionSoon(sessionID)
	metrics.Default().UploadAborted("aborted")
	m.logger.Info("upload session aborted", "session_id", sessionID)
	return session, nil
}

// Get returns a session for status polling.
func (m *Manager) Get(ownerID, sessionID string) (models.UploadSession, error) {
	session, ok := m.store.GetUploadSession(sessionID)
	if !ok {
		return models.UploadSession{}, ErrSessionNotFound
	}
	if ownerID != "" && session.OwnerID != ownerID {
		return models.UploadSession{}, ErrNotOwner
	}
	return session, nil
}

// ExpireStale transitions every overdue open session to expired and removes
// its on-disk chunks. It returns the number of sessions expired.
func (m *Manager) ExpireStale() int {
	expired := 0
	for _, session := range m.store.ListUploadSessions() {
		if session.Status.Terminal() || session.Status == models.UploadComplete {
			continue
		}
		if !m.now().After(session.ExpiresAt) {
			continue
		}
		unlock := m.lockSession(session.ID)
		current, ok := m.store.GetUploadSession(session.ID)
		if ok && !current.Status.Terminal() && current.Status != models.UploadComplete && m.now().After(current.ExpiresAt) {
			if err := m.expireLocked(current); err != nil {
				m.logger.Error("failed to expire session", "session_id", session.ID, "error", err)
			} else {
				expired++
			}
		}
		unlock()
	}
	if expired > 0 {
		m.logger.Info("expired stale upload sessions", "count", expired)
	}
	return expired
}

// ArchiveSessions marks merged sessions archived and discards their assembled
// files. Called by the merge pipeline after the artifact is safely stored.
func (m *Manager) ArchiveSessions(sessionIDs []string) {
	for _, id := range sessionIDs {
		session, ok := m.store.GetUploadSession(id)
		if !ok {
			continue
		}
		session.Status = models.UploadArchived
		if err := m.store.PutUploadSession(session); err != nil {
			m.logger.Error("failed to archive session", "session_id", id, "error", err)
			continue
		}
		if err := m.chunks.RemoveSession(id); err != nil {
			m.logger.Warn("failed to remove archived session data", "session_id", id, "error", err)
		}
	}
}

// AssembledPath exposes the reassembled statement file location for merging.
func (m *Manager) AssembledPath(sessionID string) string {
	return m.chunks.AssembledPath(sessionID)
}
