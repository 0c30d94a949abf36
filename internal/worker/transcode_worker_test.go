package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0necontroller/vellum/internal/client"
	"github.com/0necontroller/vellum/internal/config"
	"github.com/0necontroller/vellum/internal/model"
	"github.com/0necontroller/vellum/internal/service"
	"github.com/0necontroller/vellum/internal/store"
)

type fakeTranscoder struct {
	mu    sync.Mutex
	calls int
	run   func(ctx context.Context, input, outDir string) (string, error)
}

func (f *fakeTranscoder) Name() string { return "fake-hls" }

func (f *fakeTranscoder) Transcode(ctx context.Context, input, outDir string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, input, outDir)
	}
	return writeHLS(outDir)
}

func (f *fakeTranscoder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func writeHLS(outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	manifest := filepath.Join(outDir, client.ManifestName)
	if err := os.WriteFile(manifest, []byte("#EXTM3U\n#EXTINF:6.0,\nsegment_000.ts\n#EXT-X-ENDLIST\n"), 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(outDir, "segment_000.ts"), []byte("ts"), 0o644); err != nil {
		return "", err
	}
	return manifest, nil
}

type fakeCallbacks struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeCallbacks) DeliverForRecord(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return nil
}

func (f *fakeCallbacks) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type event struct {
	kind     string
	progress int
	detail   string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []event
}

func (n *fakeNotifier) add(e event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *fakeNotifier) BroadcastProgress(_ string, progress int, _ model.UploadStatus, step string) {
	n.add(event{kind: "progress", progress: progress, detail: step})
}

func (n *fakeNotifier) BroadcastComplete(_ string, streamURL string) {
	n.add(event{kind: "complete", detail: streamURL})
}

func (n *fakeNotifier) BroadcastError(_ string, code, _ string) {
	n.add(event{kind: "error", detail: code})
}

func (n *fakeNotifier) last() event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return event{}
	}
	return n.events[len(n.events)-1]
}

// flakyStorage accepts failAfter uploads, then fails
type flakyStorage struct {
	client.StorageClient
	mu        sync.Mutex
	failAfter int
	uploads   int
	deleted   []string
}

func (s *flakyStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	s.mu.Lock()
	s.uploads++
	n := s.uploads
	s.mu.Unlock()
	if n > s.failAfter {
		return "", errors.New("bucket unavailable")
	}
	return s.StorageClient.Upload(ctx, key, body, contentType)
}

func (s *flakyStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.deleted = append(s.deleted, key)
	s.mu.Unlock()
	return s.StorageClient.Delete(ctx, key)
}

type harness struct {
	store      *store.Store
	storage    *client.LocalStorage
	transcoder *fakeTranscoder
	callbacks  *fakeCallbacks
	notifier   *fakeNotifier
	worker     *TranscodeWorker
	uploadDir  string
	workDir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()

	st, err := store.Open(filepath.Join(root, "vellum.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	storage, err := client.NewLocalStorage(&config.LocalStorageConfig{
		Dir:       filepath.Join(root, "public"),
		PublicURL: "http://cdn.test/media",
	})
	require.NoError(t, err)

	h := &harness{
		store:      st,
		storage:    storage,
		transcoder: &fakeTranscoder{},
		callbacks:  &fakeCallbacks{},
		notifier:   &fakeNotifier{},
		uploadDir:  filepath.Join(root, "uploads"),
		workDir:    filepath.Join(root, "work"),
	}
	require.NoError(t, os.MkdirAll(h.uploadDir, 0o755))
	h.worker = h.newWorker(storage)
	return h
}

func (h *harness) newWorker(storage client.StorageClient) *TranscodeWorker {
	return NewTranscodeWorker(h.store, h.transcoder, storage, h.callbacks, h.notifier, TranscodeOptions{
		WorkDir:        h.workDir,
		StoragePrefix:  "videos",
		StorageTimeout: time.Minute,
	}, zerolog.Nop())
}

// seed stores a record in processing with a received file on disk and
// returns the job the session manager would have queued.
func (h *harness) seed(t *testing.T, id string, mutate func(*model.UploadRecord)) model.TranscodeJob {
	t.Helper()
	rec := &model.UploadRecord{
		ID:       id,
		Filename: id + ".mp4",
		FileSize: 5,
		Status:   model.UploadStatusProcessing,
	}
	if mutate != nil {
		mutate(rec)
	}
	_, err := h.store.Create(context.Background(), rec)
	require.NoError(t, err)

	filePath := filepath.Join(h.uploadDir, id)
	require.NoError(t, os.WriteFile(filePath, []byte("video"), 0o644))
	require.NoError(t, os.WriteFile(filePath+".info", []byte("{}"), 0o644))

	return model.TranscodeJob{
		UploadID:    id,
		FilePath:    filePath,
		InfoPath:    filePath + ".info",
		Filename:    rec.Filename,
		CallbackURL: rec.CallbackURL,
		StoragePath: rec.StoragePath,
	}
}

func task(t *testing.T, job model.TranscodeJob) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return asynq.NewTask(model.TaskTypeTranscode, payload)
}

func (h *harness) get(t *testing.T, id string) *model.UploadRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func assertGone(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, errors.Is(err, os.ErrNotExist), "expected %s to be removed", p)
	}
}

func TestProcessTaskPublishesStream(t *testing.T) {
	h := newHarness(t)
	job := h.seed(t, "vid-1", func(r *model.UploadRecord) {
		r.CallbackURL = "https://example.com/hook"
		r.CallbackStatus = model.CallbackStatusPending
	})

	require.NoError(t, h.worker.ProcessTask(context.Background(), task(t, job)))

	rec := h.get(t, "vid-1")
	assert.Equal(t, model.UploadStatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, "http://cdn.test/media/videos/vid-1/index.m3u8", rec.StreamURL)
	assert.Equal(t, "fake-hls", rec.Packager)
	assert.NotNil(t, rec.CompletedAt)
	assert.Empty(t, rec.Error)

	assert.FileExists(t, filepath.Join(h.storage.Dir(), "videos", "vid-1", "index.m3u8"))
	assert.FileExists(t, filepath.Join(h.storage.Dir(), "videos", "vid-1", "segment_000.ts"))

	assertGone(t, job.FilePath, job.InfoPath, filepath.Join(h.workDir, "vid-1"))
	assert.Equal(t, []string{"vid-1"}, h.callbacks.delivered())
	assert.Equal(t, event{kind: "complete", detail: rec.StreamURL}, h.notifier.last())
}

func TestProcessTaskUsesStoragePath(t *testing.T) {
	h := newHarness(t)
	job := h.seed(t, "vid-2", func(r *model.UploadRecord) { r.StoragePath = "tenant/42" })

	require.NoError(t, h.worker.ProcessTask(context.Background(), task(t, job)))

	rec := h.get(t, "vid-2")
	assert.Equal(t, "http://cdn.test/media/tenant/42/vid-2/index.m3u8", rec.StreamURL)
	assert.FileExists(t, filepath.Join(h.storage.Dir(), "tenant", "42", "vid-2", "segment_000.ts"))
	assert.Empty(t, h.callbacks.delivered())
}

func TestProcessTaskTranscodeFailure(t *testing.T) {
	h := newHarness(t)
	h.transcoder.run = func(_ context.Context, _, outDir string) (string, error) {
		require.NoError(t, os.MkdirAll(outDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(outDir, "partial.ts"), []byte("x"), 0o644))
		return "", errors.New("ffmpeg failed: exit status 1: Invalid data found when processing input")
	}
	job := h.seed(t, "vid-3", func(r *model.UploadRecord) {
		r.CallbackURL = "https://example.com/hook"
		r.CallbackStatus = model.CallbackStatusPending
	})

	require.NoError(t, h.worker.ProcessTask(context.Background(), task(t, job)))

	rec := h.get(t, "vid-3")
	assert.Equal(t, model.UploadStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "Invalid data found")
	assert.Empty(t, rec.StreamURL)
	assert.Nil(t, rec.CompletedAt)

	assertGone(t, job.FilePath, job.InfoPath, filepath.Join(h.workDir, "vid-3"))
	assert.Equal(t, []string{"vid-3"}, h.callbacks.delivered())
	assert.Equal(t, event{kind: "error", detail: CodeTranscodeFailed}, h.notifier.last())
}

func TestProcessTaskStorageFailureRemovesPartialUpload(t *testing.T) {
	h := newHarness(t)
	flaky := &flakyStorage{StorageClient: h.storage, failAfter: 1}
	w := h.newWorker(flaky)
	job := h.seed(t, "vid-4", nil)

	require.NoError(t, w.ProcessTask(context.Background(), task(t, job)))

	rec := h.get(t, "vid-4")
	assert.Equal(t, model.UploadStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "bucket unavailable")
	assert.Len(t, flaky.deleted, 1)
	assertGone(t, job.FilePath, job.InfoPath, filepath.Join(h.workDir, "vid-4"))
	assert.Equal(t, event{kind: "error", detail: CodeStorageFailed}, h.notifier.last())
}

func TestProcessTaskDropsMalformedPayload(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.worker.ProcessTask(context.Background(), asynq.NewTask(model.TaskTypeTranscode, []byte("{not json"))))
	require.NoError(t, h.worker.ProcessTask(context.Background(), asynq.NewTask(model.TaskTypeTranscode, []byte(`{"uploadId":""}`))))
	assert.Zero(t, h.transcoder.callCount())
}

func TestProcessTaskAcksTerminalRecord(t *testing.T) {
	h := newHarness(t)
	job := h.seed(t, "vid-5", func(r *model.UploadRecord) {
		r.Status = model.UploadStatusCompleted
		r.Progress = 100
		r.StreamURL = "http://cdn.test/media/videos/vid-5/index.m3u8"
	})

	require.NoError(t, h.worker.ProcessTask(context.Background(), task(t, job)))

	assert.Zero(t, h.transcoder.callCount())
	rec := h.get(t, "vid-5")
	assert.Equal(t, model.UploadStatusCompleted, rec.Status)
	assert.Equal(t, "http://cdn.test/media/videos/vid-5/index.m3u8", rec.StreamURL)
	assertGone(t, job.FilePath, job.InfoPath)
}

func TestProcessTaskMissingRecordCleansUp(t *testing.T) {
	h := newHarness(t)
	filePath := filepath.Join(h.uploadDir, "ghost")
	require.NoError(t, os.WriteFile(filePath, []byte("video"), 0o644))

	job := model.TranscodeJob{UploadID: "ghost", FilePath: filePath}
	require.NoError(t, h.worker.ProcessTask(context.Background(), task(t, job)))

	assert.Zero(t, h.transcoder.callCount())
	assertGone(t, filePath)
}

func TestProcessTaskShutdownLeavesJobForRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.transcoder.run = func(ctx context.Context, _, _ string) (string, error) {
		cancel()
		return "", ctx.Err()
	}
	job := h.seed(t, "vid-6", nil)

	err := h.worker.ProcessTask(ctx, task(t, job))
	assert.ErrorIs(t, err, context.Canceled)

	rec := h.get(t, "vid-6")
	assert.Equal(t, model.UploadStatusProcessing, rec.Status)
	assert.FileExists(t, job.FilePath)
	assert.Empty(t, h.callbacks.delivered())

	// redelivery after restart completes the job
	h.transcoder.run = nil
	require.NoError(t, h.worker.ProcessTask(context.Background(), task(t, job)))
	assert.Equal(t, model.UploadStatusCompleted, h.get(t, "vid-6").Status)
}

func TestProcessTaskProgressIsMonotonic(t *testing.T) {
	h := newHarness(t)
	job := h.seed(t, "vid-7", nil)

	require.NoError(t, h.worker.ProcessTask(context.Background(), task(t, job)))

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	last := -1
	for _, e := range h.notifier.events {
		if e.kind != "progress" {
			continue
		}
		assert.GreaterOrEqual(t, e.progress, last)
		last = e.progress
	}
	assert.Equal(t, 95, last)
}

func TestStuckJobReaper(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "stuck", func(r *model.UploadRecord) {
		r.CallbackURL = "https://example.com/hook"
		r.CallbackStatus = model.CallbackStatusPending
	})
	h.seed(t, "waiting", func(r *model.UploadRecord) { r.Status = model.UploadStatusUploading })

	reaper := NewStuckJobReaper(h.store, h.callbacks, h.notifier, h.worker, 6*time.Hour, zerolog.Nop())

	n, err := reaper.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	reaper.now = func() time.Time { return time.Now().Add(7 * time.Hour) }
	n, err = reaper.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec := h.get(t, "stuck")
	assert.Equal(t, model.UploadStatusFailed, rec.Status)
	assert.Equal(t, StalledError, rec.Error)
	assert.Equal(t, []string{"stuck"}, h.callbacks.delivered())
	assert.Equal(t, model.UploadStatusUploading, h.get(t, "waiting").Status)

	// the redelivered job for a reaped upload is acknowledged without work
	// and still removes the received file
	job := model.TranscodeJob{UploadID: "stuck", FilePath: filepath.Join(h.uploadDir, "stuck")}
	require.NoError(t, h.worker.ProcessTask(ctx, task(t, job)))
	assert.Zero(t, h.transcoder.callCount())
	assertGone(t, job.FilePath, job.FilePath+".info")
}

func TestStuckJobReaperSkipsRunningTranscode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.seed(t, "long", nil)

	reaper := NewStuckJobReaper(h.store, h.callbacks, h.notifier, h.worker, time.Minute, zerolog.Nop())
	reaper.now = func() time.Time { return time.Now().Add(time.Hour) }

	var reaped int
	h.transcoder.run = func(_ context.Context, _, outDir string) (string, error) {
		assert.Equal(t, "long", h.worker.Active())
		n, err := reaper.Reap(ctx)
		assert.NoError(t, err)
		reaped = n
		return writeHLS(outDir)
	}

	require.NoError(t, h.worker.ProcessTask(ctx, task(t, job)))

	assert.Zero(t, reaped)
	assert.Empty(t, h.worker.Active())
	rec := h.get(t, "long")
	assert.Equal(t, model.UploadStatusCompleted, rec.Status)
	assert.Empty(t, rec.Error)
	assert.Equal(t, "http://cdn.test/media/videos/long/index.m3u8", rec.StreamURL)
}

func TestStuckJobReaperDisabled(t *testing.T) {
	h := newHarness(t)
	reaper := NewStuckJobReaper(h.store, nil, nil, nil, 0, zerolog.Nop())
	assert.False(t, reaper.Enabled())

	n, err := reaper.Reap(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

type countingSweeper struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSweeper) Sweep(context.Context) (service.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return service.SweepResult{}, nil
}

func TestSchedulerLifecycle(t *testing.T) {
	sweeper := &countingSweeper{}
	s := NewScheduler(sweeper, nil, SchedulerConfig{SweepInterval: time.Hour, StuckCheckInterval: time.Hour}, zerolog.Nop())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	assert.Len(t, s.entryIDs, 1)

	s.RunSweep()
	assert.Equal(t, 1, sweeper.calls)

	s.Stop()
	s.Stop()
}
