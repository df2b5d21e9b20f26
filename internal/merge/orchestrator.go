package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"triclip/internal/models"
	"triclip/internal/observability/metrics"
	"triclip/internal/storage"
)

// SessionSource exposes the finalized statement files the engine consumes.
type SessionSource interface {
	AssembledPath(sessionID string) string
	ArchiveSessions(sessionIDs []string)
}

// Uploader stores a finished artifact under a key in durable object storage.
type Uploader interface {
	UploadFile(ctx context.Context, key, path, contentType string) (int64, error)
}

// OrchestratorConfig wires the merge worker pool.
type OrchestratorConfig struct {
	Store       storage.Repository
	Sessions    SessionSource
	Engine      *Engine
	Uploader    Uploader
	WorkDir     string
	Workers     int
	QueueSize   int
	Timeout     time.Duration
	MaxAttempts int
	Logger      *slog.Logger
}

// Orchestrator runs merge jobs on a bounded worker pool. Jobs are enqueued by
// set id; an in-flight table keeps duplicate completion signals from merging
// the same set twice, and pending jobs are re-queued from storage on startup.
type Orchestrator struct {
	store       storage.Repository
	sessions    SessionSource
	engine      *Engine
	uploader    Uploader
	workDir     string
	workers     int
	timeout     time.Duration
	maxAttempts int
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue chan string
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

const (
	defaultMergeWorkers   = 2
	defaultMergeQueueSize = 64
	defaultMergeTimeout   = 10 * time.Minute
	defaultMergeAttempts  = 3
)

// NewOrchestrator builds an orchestrator from cfg, applying defaults for any
// zero-valued tunable.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultMergeWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultMergeQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultMergeTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMergeAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workDir := strings.TrimSpace(cfg.WorkDir)
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "triclip-merge")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:       cfg.Store,
		sessions:    cfg.Sessions,
		engine:      cfg.Engine,
		uploader:    cfg.Uploader,
		workDir:     workDir,
		workers:     workers,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "merge"),
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan string, queueSize),
		inFlight:    make(map[string]struct{}),
	}
}

// Start launches the workers and re-queues jobs interrupted by a restart.
func (o *Orchestrator) Start() {
	if o == nil {
		return
	}
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	go o.recoverPending()
}

// Shutdown stops accepting work and waits for in-flight merges to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue records a merge job for the set and hands it to the pool. Creation
// is idempotent, so duplicate ready signals collapse onto one job.
func (o *Orchestrator) Enqueue(setID string) error {
	if o == nil || strings.TrimSpace(setID) == "" {
		return fmt.Errorf("set id is required")
	}
	job, created, err := o.store.CreateMergeJob(setID)
	if err != nil {
		return err
	}
	if !created && (job.Status == models.MergeDone || job.Status == models.MergeFailed) {
		return nil
	}
	select {
	case <-o.ctx.Done():
		return nil
	default:
	}
	select {
	case o.queue <- setID:
	case <-o.ctx.Done():
	}
	return nil
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case setID := <-o.queue:
			if strings.TrimSpace(setID) == "" {
				continue
			}
			if !o.beginWork(setID) {
				continue
			}
			o.process(setID)
			o.finishWork(setID)
		}
	}
}

func (o *Orchestrator) beginWork(setID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.inFlight[setID]; exists {
		return false
	}
	o.inFlight[setID] = struct{}{}
	return true
}

func (o *Orchestrator) finishWork(setID string) {
	o.mu.Lock()
	delete(o.inFlight, setID)
	o.mu.Unlock()
}

func (o *Orchestrator) recoverPending() {
	jobs := o.store.ListMergeJobs(models.MergePending, models.MergeRunning)
	for _, job := range jobs {
		select {
		case <-o.ctx.Done():
			return
		default:
		}
		o.logger.Info("re-queueing interrupted merge job", "set_id", job.SetID, "status", job.Status)
		select {
		case o.queue <- job.SetID:
		case <-o.ctx.Done():
			return
		}
	}

	// A crash between the last finalize and its enqueue leaves a complete
	// set with no job row at all. Sweep those up too.
	for _, set := range o.store.ListStatementSets() {
		select {
		case <-o.ctx.Done():
			return
		default:
		}
		if !set.Complete() {
			continue
		}
		if _, ok := o.store.GetMergeJob(set.ID); ok {
			continue
		}
		if !o.setMergeable(set) {
			continue
		}
		o.logger.Info("queueing merge for complete set without a job", "set_id", set.ID)
		if err := o.Enqueue(set.ID); err != nil {
			o.logger.Error("failed to queue recovered set", "set_id", set.ID, "error", err)
		}
	}
}

// setMergeable reports whether every bound session finished uploading. Sets
// whose sessions were expired or aborted have no source files to merge.
func (o *Orchestrator) setMergeable(set models.StatementSet) bool {
	for _, sessionID := range set.SessionIDs {
		session, ok := o.store.GetUploadSession(sessionID)
		if !ok || session.Status != models.UploadComplete {
			return false
		}
	}
	return true
}

func (o *Orchestrator) process(setID string) {
	job, ok := o.store.GetMergeJob(setID)
	if !ok {
		return
	}
	if job.Status == models.MergeDone || job.Status == models.MergeFailed {
		return
	}
	set, ok := o.store.GetStatementSetByID(setID)
	if !ok {
		o.fail(setID, job.Attempts+1, fmt.Errorf("statement set %s not found", setID))
		return
	}

	attempts := job.Attempts
	for {
		attempts++
		metrics.Default().MergeStarted()
		err := o.attempt(setID, set, attempts)
		if err == nil {
			metrics.Default().MergeCompleted()
			return
		}
		if errors.Is(err, ErrSourceUnreadable) || attempts >= o.maxAttempts {
			metrics.Default().MergeFailed()
			o.fail(setID, attempts, err)
			return
		}
		pending := models.MergePending
		message := err.Error()
		if _, updateErr := o.store.UpdateMergeJob(setID, storage.MergeJobUpdate{
			Status: &pending,
			Error:  &message,
		}); updateErr != nil {
			o.logger.Error("failed to record merge attempt failure", "set_id", setID, "error", updateErr)
			return
		}
		metrics.Default().MergeRetried()
		o.logger.Warn("merge attempt failed, retrying",
			"set_id", setID,
			"attempt", attempts,
			"max_attempts", o.maxAttempts,
			"error", err)
		backoff := time.Second << uint(attempts-1)
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		select {
		case <-o.ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (o *Orchestrator) attempt(setID string, set models.StatementSet, attempts int) error {
	running := models.MergeRunning
	empty := ""
	if _, err := o.store.UpdateMergeJob(setID, storage.MergeJobUpdate{
		Status:   &running,
		Attempts: &attempts,
		Error:    &empty,
	}); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}

	ctx, cancel := context.WithTimeout(o.ctx, o.timeout)
	defer cancel()

	var inputs [models.StatementCount]string
	for index, sessionID := range set.SessionIDs {
		inputs[index] = o.sessions.AssembledPath(sessionID)
	}
	outputPath := filepath.Join(o.workDir, set.ID+".mp4")
	output, err := o.engine.Merge(ctx, inputs, outputPath)
	if err != nil {
		return err
	}
	defer os.Remove(outputPath)

	key := fmt.Sprintf("artifacts/%s/%s.mp4", set.OwnerID, set.ID)
	size, err := o.uploader.UploadFile(ctx, key, output.Path, "video/mp4")
	if err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}

	// Deterministic artifact ids make a retried publish converge on the same
	// record instead of leaving orphans behind.
	artifact := models.MediaArtifact{
		ID:          set.ID,
		SetID:       set.ID,
		OwnerID:     set.OwnerID,
		StorageKey:  key,
		SizeBytes:   size,
		Duration:    output.Duration,
		Segments:    output.Segments,
		ContentType: "video/mp4",
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.store.PutMediaArtifact(artifact); err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}

	done := models.MergeDone
	completed := time.Now().UTC()
	artifactID := artifact.ID
	if _, err := o.store.UpdateMergeJob(setID, storage.MergeJobUpdate{
		Status:      &done,
		ArtifactID:  &artifactID,
		CompletedAt: &completed,
		Error:       &empty,
	}); err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	o.sessions.ArchiveSessions(set.SessionIDs[:])
	o.logger.Info("statement set merged",
		"set_id", setID,
		"artifact_id", artifact.ID,
		"duration_seconds", output.Duration,
		"size_bytes", size,
		"attempts", attempts)
	return nil
}

func (o *Orchestrator) fail(setID string, attempts int, cause error) {
	failed := models.MergeFailed
	message := cause.Error()
	// Chunks are never referenced again once the job is terminal, so the
	// source sessions are reclaimed on permanent failure too.
	if set, ok := o.store.GetStatementSetByID(setID); ok {
		o.sessions.ArchiveSessions(set.SessionIDs[:])
	}
	if _, err := o.store.UpdateMergeJob(setID, storage.MergeJobUpdate{
		Status:   &failed,
		Attempts: &attempts,
		Error:    &message,
	}); err != nil {
		o.logger.Error("failed to mark merge job failed", "set_id", setID, "error", err)
		return
	}
	o.logger.Error("merge job failed permanently", "set_id", setID, "attempts", attempts, "error", cause)
}
