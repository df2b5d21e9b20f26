package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"triclip/internal/models"
	"triclip/internal/observability/metrics"
	"triclip/internal/storage"
)

type fakeSessions struct {
	dir string

	mu       sync.Mutex
	archived [][]string
}

func (f *fakeSessions) AssembledPath(sessionID string) string {
	return filepath.Join(f.dir, sessionID+".media")
}

func (f *fakeSessions) ArchiveSessions(sessionIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, sessionIDs)
}

func (f *fakeSessions) archiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.archived)
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
	fail error
}

func (f *fakeUploader) UploadFile(_ context.Context, key, path, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	f.keys = append(f.keys, key)
	return info.Size(), nil
}

type flakyConcat struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyConcat) Concat(_ context.Context, _ []string, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("encoder crashed")
	}
	return os.WriteFile(output, []byte("merged-bytes"), 0o600)
}

type orchestratorFixture struct {
	store    *storage.Storage
	sessions *fakeSessions
	uploader *fakeUploader
	prober   *fakeProber
	set      models.StatementSet
	orch     *Orchestrator
}

func newOrchestratorFixture(t *testing.T, concat Concatenator, uploader *fakeUploader, maxAttempts int) *orchestratorFixture {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	sessions := &fakeSessions{dir: t.TempDir()}

	if _, err := store.EnsureStatementSet("owner-1", "draft-1", "Fixture"); err != nil {
		t.Fatalf("EnsureStatementSet returned error: %v", err)
	}
	var set models.StatementSet
	durations := map[string]float64{}
	for index := 0; index < models.StatementCount; index++ {
		sessionID := fmt.Sprintf("sess-%d", index)
		set, err = store.BindStatement("owner-1", "draft-1", index, sessionID)
		if err != nil {
			t.Fatalf("BindStatement returned error: %v", err)
		}
		path := sessions.AssembledPath(sessionID)
		if err := os.WriteFile(path, []byte("clip"), 0o600); err != nil {
			t.Fatalf("write clip file: %v", err)
		}
		durations[path] = float64(10 + index)
	}

	workDir := t.TempDir()
	durations[filepath.Join(workDir, set.ID+".mp4")] = 33
	prober := &fakeProber{durations: durations}
	engine := NewEngine(prober, concat, 0, discardLogger())

	orch := NewOrchestrator(OrchestratorConfig{
		Store:       store,
		Sessions:    sessions,
		Engine:      engine,
		Uploader:    uploader,
		WorkDir:     workDir,
		Workers:     1,
		Timeout:     5 * time.Second,
		MaxAttempts: maxAttempts,
		Logger:      discardLogger(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return &orchestratorFixture{store: store, sessions: sessions, uploader: uploader, prober: prober, set: set, orch: orch}
}

func waitForJobStatus(t *testing.T, store *storage.Storage, setID string, want models.MergeJobStatus) models.MergeJob {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := store.GetMergeJob(setID); ok && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := store.GetMergeJob(setID)
	t.Fatalf("job never reached %s, last state: %+v", want, job)
	return models.MergeJob{}
}

func TestOrchestratorMergesReadySet(t *testing.T) {
	uploader := &fakeUploader{}
	fx := newOrchestratorFixture(t, &flakyConcat{}, uploader, 3)
	fx.orch.Start()

	if err := fx.orch.Enqueue(fx.set.ID); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	job := waitForJobStatus(t, fx.store, fx.set.ID, models.MergeDone)

	if job.ArtifactID == nil {
		t.Fatalf("done job missing artifact id")
	}
	artifact, ok := fx.store.GetMediaArtifact(*job.ArtifactID)
	if !ok {
		t.Fatalf("artifact %s not recorded", *job.ArtifactID)
	}
	if artifact.Duration != 33 {
		t.Fatalf("artifact duration = %v", artifact.Duration)
	}
	if artifact.Segments[2].End != 33 {
		t.Fatalf("segment table end = %v", artifact.Segments[2].End)
	}
	if artifact.SizeBytes != int64(len("merged-bytes")) {
		t.Fatalf("artifact size = %d", artifact.SizeBytes)
	}
	if len(uploader.keys) != 1 {
		t.Fatalf("uploader called %d times", len(uploader.keys))
	}
	if fx.sessions.archiveCount() != 1 {
		t.Fatalf("sessions not archived")
	}
}

func TestOrchestratorRetriesTransientFailure(t *testing.T) {
	uploader := &fakeUploader{}
	fx := newOrchestratorFixture(t, &flakyConcat{failures: 1}, uploader, 3)
	fx.orch.Start()

	if err := fx.orch.Enqueue(fx.set.ID); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	job := waitForJobStatus(t, fx.store, fx.set.ID, models.MergeDone)
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
}

func TestOrchestratorFailsAfterMaxAttempts(t *testing.T) {
	uploader := &fakeUploader{}
	fx := newOrchestratorFixture(t, &flakyConcat{failures: 100}, uploader, 2)
	fx.orch.Start()

	if err := fx.orch.Enqueue(fx.set.ID); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	job := waitForJobStatus(t, fx.store, fx.set.ID, models.MergeFailed)
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
	if job.Error == "" {
		t.Fatalf("failed job should record the error")
	}
	if fx.sessions.archiveCount() == 0 {
		t.Fatalf("failed merge should reclaim its source sessions")
	}
}

func TestOrchestratorDoesNotRetryUnreadableSource(t *testing.T) {
	uploader := &fakeUploader{}
	fx := newOrchestratorFixture(t, &flakyConcat{}, uploader, 5)
	delete(fx.prober.durations, fx.sessions.AssembledPath("sess-1"))
	fx.orch.Start()

	if err := fx.orch.Enqueue(fx.set.ID); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	job := waitForJobStatus(t, fx.store, fx.set.ID, models.MergeFailed)
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for an unreadable source", job.Attempts)
	}
	if len(uploader.keys) != 0 {
		t.Fatalf("unreadable source must not publish an artifact")
	}
}

func TestOrchestratorEnqueueIdempotent(t *testing.T) {
	uploader := &fakeUploader{}
	fx := newOrchestratorFixture(t, &flakyConcat{}, uploader, 3)
	fx.orch.Start()

	for i := 0; i < 3; i++ {
		if err := fx.orch.Enqueue(fx.set.ID); err != nil {
			t.Fatalf("Enqueue returned error: %v", err)
		}
	}
	waitForJobStatus(t, fx.store, fx.set.ID, models.MergeDone)
	time.Sleep(50 * time.Millisecond)

	if len(uploader.keys) != 1 {
		t.Fatalf("duplicate signals caused %d uploads", len(uploader.keys))
	}
	if jobs := fx.store.ListMergeJobs(); len(jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(jobs))
	}
}

func TestOrchestratorRecoversPendingOnStart(t *testing.T) {
	uploader := &fakeUploader{}
	fx := newOrchestratorFixture(t, &flakyConcat{}, uploader, 3)

	// Job exists from a previous process life but was never finished.
	if _, _, err := fx.store.CreateMergeJob(fx.set.ID); err != nil {
		t.Fatalf("CreateMergeJob returned error: %v", err)
	}
	fx.orch.Start()
	waitForJobStatus(t, fx.store, fx.set.ID, models.MergeDone)
}

func markSessionsComplete(t *testing.T, fx *orchestratorFixture) {
	t.Helper()
	for _, sessionID := range fx.set.SessionIDs {
		err := fx.store.PutUploadSession(models.UploadSession{
			ID:      sessionID,
			OwnerID: "owner-1",
			DraftID: "draft-1",
			Status:  models.UploadComplete,
		})
		if err != nil {
			t.Fatalf("PutUploadSession returned error: %v", err)
		}
	}
}

func TestOrchestratorRecoversJoblessCompleteSet(t *testing.T) {
	uploader := &fakeUploader{}
	fx := newOrchestratorFixture(t, &flakyConcat{}, uploader, 3)
	markSessionsComplete(t, fx)

	// The crash window between the last finalize and its enqueue leaves a
	// complete set with no job row.
	if _, ok := fx.store.GetMergeJob(fx.set.ID); ok {
		t.Fatalf("fixture should start without a job")
	}
	fx.orch.Start()
	waitForJobStatus(t, fx.store, fx.set.ID, models.MergeDone)
	time.Sleep(50 * time.Millisecond)

	if len(uploader.keys) != 1 {
		t.Fatalf("recovered set produced %d uploads, want 1", len(uploader.keys))
	}
}

func TestOrchestratorRecordsMergeMetrics(t *testing.T) {
	metrics.Default().Reset()
	uploader := &fakeUploader{}
	fx := newOrchestratorFixture(t, &flakyConcat{failures: 1}, uploader, 3)
	fx.orch.Start()

	if err := fx.orch.Enqueue(fx.set.ID); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	waitForJobStatus(t, fx.store, fx.set.ID, models.MergeDone)
	time.Sleep(50 * time.Millisecond)

	events, active := metrics.Default().MergeCounts()
	if got := events[metrics.MergeJobLabel{Status: "start"}]; got != 2 {
		t.Fatalf("start count = %d, want 2", got)
	}
	if got := events[metrics.MergeJobLabel{Status: "retry"}]; got != 1 {
		t.Fatalf("retry count = %d, want 1", got)
	}
	if got := events[metrics.MergeJobLabel{Status: "complete"}]; got != 1 {
		t.Fatalf("complete count = %d, want 1", got)
	}
	if active != 0 {
		t.Fatalf("active merges gauge = %d, want 0", active)
	}
}
