package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/0necontroller/vellum/internal/client"
	"github.com/0necontroller/vellum/internal/metrics"
	"github.com/0necontroller/vellum/internal/model"
	"github.com/0necontroller/vellum/internal/service"
	"github.com/0necontroller/vellum/pkg/apperr"
)

// Notifier receives live job events. *websocket.Hub implements it.
type Notifier interface {
	BroadcastProgress(uploadID string, progress int, status model.UploadStatus, step string)
	BroadcastComplete(uploadID, streamURL string)
	BroadcastError(uploadID, code, message string)
}

// CallbackDeliverer makes the immediate webhook attempt after a job
type CallbackDeliverer interface {
	DeliverForRecord(ctx context.Context, id string) error
}

// Error codes pushed to websocket subscribers
const (
	CodeTranscodeFailed = "TRANSCODE_FAILED"
	CodeStorageFailed   = "STORAGE_FAILED"
	CodeJobFailed       = "JOB_FAILED"
)

// TranscodeOptions holds the worker settings
type TranscodeOptions struct {
	WorkDir        string
	StoragePrefix  string
	StorageTimeout time.Duration
}

// TranscodeWorker processes transcode jobs
type TranscodeWorker struct {
	store      service.RecordStore
	transcoder client.Transcoder
	storage    client.StorageClient
	callbacks  CallbackDeliverer
	notifier   Notifier
	opts       TranscodeOptions
	log        zerolog.Logger

	mu     sync.Mutex
	active string
}

// NewTranscodeWorker creates a new transcode worker
func NewTranscodeWorker(
	store service.RecordStore,
	transcoder client.Transcoder,
	storage client.StorageClient,
	callbacks CallbackDeliverer,
	notifier Notifier,
	opts TranscodeOptions,
	logger zerolog.Logger,
) *TranscodeWorker {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &TranscodeWorker{
		store:      store,
		transcoder: transcoder,
		storage:    storage,
		callbacks:  callbacks,
		notifier:   notifier,
		opts:       opts,
		log:        logger.With().Str("component", "worker").Logger(),
	}
}

// Active returns the upload id of the job in progress, or "" when idle
func (w *TranscodeWorker) Active() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

func (w *TranscodeWorker) setActive(uploadID string) {
	w.mu.Lock()
	w.active = uploadID
	w.mu.Unlock()
}

// ProcessTask handles one transcode job. It acknowledges (returns nil) in every
// case except a shutdown in the middle of a job, so the queue redelivers it.
func (w *TranscodeWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var job model.TranscodeJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil || !job.Valid() {
		w.log.Warn().Err(err).Bytes("payload", t.Payload()).Msg("dropping malformed transcode job")
		metrics.JobsTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
		return nil
	}
	log := w.log.With().Str("uploadId", job.UploadID).Logger()

	w.setActive(job.UploadID)
	defer w.setActive("")

	rec, err := w.store.Get(ctx, job.UploadID)
	if err != nil {
		return fmt.Errorf("load upload %s: %w", job.UploadID, err)
	}
	if rec == nil {
		log.Warn().Msg("upload record missing, discarding job")
		w.cleanup(log, &job, w.workDir(job.UploadID))
		metrics.JobsTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
		return nil
	}
	if rec.Status.Terminal() {
		log.Info().Str("status", string(rec.Status)).Msg("upload already finished, acknowledging redelivered job")
		w.cleanup(log, &job, w.workDir(job.UploadID))
		metrics.JobsTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return nil
	}

	if _, err := w.store.Update(ctx, job.UploadID, model.UploadPatch{
		Status:   ptr(model.UploadStatusProcessing),
		Progress: ptr(10),
		Packager: ptr(w.transcoder.Name()),
	}); err != nil {
		if errors.Is(err, apperr.ErrInvalidState) {
			log.Info().Err(err).Msg("upload left processing before the job started")
			w.cleanup(log, &job, w.workDir(job.UploadID))
			metrics.JobsTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
			return nil
		}
		return fmt.Errorf("start job %s: %w", job.UploadID, err)
	}
	w.notifier.BroadcastProgress(job.UploadID, 10, model.UploadStatusProcessing, "Transcoding...")

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	start := time.Now()
	workDir := w.workDir(job.UploadID)
	log.Info().Str("input", job.FilePath).Str("packager", w.transcoder.Name()).Msg("starting transcode job")

	streamURL, jobErr := w.run(ctx, &job, workDir)
	if jobErr != nil && ctx.Err() != nil {
		log.Warn().Err(jobErr).Msg("transcode job interrupted, leaving it for redelivery")
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn().Err(err).Str("dir", workDir).Msg("failed to remove work dir")
		}
		return ctx.Err()
	}

	if jobErr != nil {
		w.failJob(ctx, log, job.UploadID, jobErr)
	} else {
		w.completeJob(ctx, log, job.UploadID, streamURL)
		metrics.TranscodeDuration.Observe(time.Since(start).Seconds())
	}

	w.cleanup(log, &job, workDir)

	if rec.HasCallback() && w.callbacks != nil {
		if err := w.callbacks.DeliverForRecord(ctx, job.UploadID); err != nil {
			log.Warn().Err(err).Msg("immediate callback attempt failed, sweeper will retry")
		}
	}
	return nil
}

// run transcodes into workDir and publishes the output. It returns the public
// manifest URL.
func (w *TranscodeWorker) run(ctx context.Context, job *model.TranscodeJob, workDir string) (string, error) {
	manifest, err := w.transcoder.Transcode(ctx, job.FilePath, workDir)
	if err != nil {
		return "", apperr.Transcode("transcode", err)
	}

	w.updateProgress(ctx, job.UploadID, 75, "Uploading stream...")

	base := job.StoragePath
	if base == "" {
		base = w.opts.StoragePrefix
	}
	prefix := client.ObjectKey(base, job.UploadID)

	uploaded, err := client.UploadDirectory(ctx, w.storage, workDir, prefix, w.opts.StorageTimeout)
	if err != nil {
		w.removeObjects(uploaded)
		return "", apperr.Storage("publish stream", err)
	}

	rel, err := filepath.Rel(workDir, manifest)
	if err != nil {
		return "", apperr.Transcode("locate manifest", err)
	}
	manifestKey := client.ObjectKey(prefix, filepath.ToSlash(rel))
	streamURL := w.storage.GetPublicURL(manifestKey)
	for _, obj := range uploaded {
		if obj.Key == manifestKey && obj.URL != "" {
			streamURL = obj.URL
			break
		}
	}

	w.updateProgress(ctx, job.UploadID, 95, "Finalizing...")
	return streamURL, nil
}

func (w *TranscodeWorker) workDir(uploadID string) string {
	return filepath.Join(w.opts.WorkDir, uploadID)
}

func (w *TranscodeWorker) updateProgress(ctx context.Context, uploadID string, progress int, step string) {
	if _, err := w.store.Update(ctx, uploadID, model.UploadPatch{Progress: ptr(progress)}); err != nil {
		w.log.Warn().Err(err).Str("uploadId", uploadID).Msg("failed to update progress")
	}
	w.notifier.BroadcastProgress(uploadID, progress, model.UploadStatusProcessing, step)
}

func (w *TranscodeWorker) completeJob(ctx context.Context, log zerolog.Logger, uploadID, streamURL string) {
	if _, err := w.store.Update(ctx, uploadID, model.UploadPatch{
		ExpectStatus: ptr(model.UploadStatusProcessing),
		Status:       ptr(model.UploadStatusCompleted),
		Progress:     ptr(100),
		StreamURL:    ptr(streamURL),
	}); err != nil {
		log.Error().Err(err).Msg("failed to mark upload completed")
		metrics.JobsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return
	}
	metrics.JobsTotal.WithLabelValues(metrics.OutcomeCompleted).Inc()
	w.notifier.BroadcastComplete(uploadID, streamURL)
	log.Info().Str("streamUrl", streamURL).Msg("transcode job completed")
}

func (w *TranscodeWorker) failJob(ctx context.Context, log zerolog.Logger, uploadID string, jobErr error) {
	msg := apperr.Message(jobErr)
	code := CodeJobFailed
	switch {
	case errors.Is(jobErr, apperr.ErrTranscode):
		code = CodeTranscodeFailed
	case errors.Is(jobErr, apperr.ErrStorage):
		code = CodeStorageFailed
	}

	log.Error().Err(jobErr).Str("code", code).Msg("transcode job failed")
	metrics.JobsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()

	if _, err := w.store.Update(ctx, uploadID, model.UploadPatch{
		ExpectStatus: ptr(model.UploadStatusProcessing),
		Status:       ptr(model.UploadStatusFailed),
		Error:        ptr(msg),
	}); err != nil {
		log.Error().Err(err).Msg("failed to mark upload failed")
	}
	w.notifier.BroadcastError(uploadID, code, msg)
}

// removeObjects deletes a partially published stream
func (w *TranscodeWorker) removeObjects(objects []client.UploadedObject) {
	if len(objects) == 0 {
		return
	}
	ctx := context.Background()
	if w.opts.StorageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.StorageTimeout)
		defer cancel()
	}
	for _, obj := range objects {
		if err := w.storage.Delete(ctx, obj.Key); err != nil {
			w.log.Warn().Err(err).Str("key", obj.Key).Msg("failed to remove partial upload")
		}
	}
}

// cleanup removes the received file, its .info companion and the work dir
func (w *TranscodeWorker) cleanup(log zerolog.Logger, job *model.TranscodeJob, workDir string) {
	infoPath := job.InfoPath
	if infoPath == "" {
		infoPath = job.FilePath + ".info"
	}
	for _, p := range []string{job.FilePath, infoPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", p).Msg("failed to remove upload file")
		}
	}
	if err := os.RemoveAll(workDir); err != nil {
		log.Warn().Err(err).Str("dir", workDir).Msg("failed to remove work dir")
	}
}

type nopNotifier struct{}

func (nopNotifier) BroadcastProgress(string, int, model.UploadStatus, string) {}
func (nopNotifier) BroadcastComplete(string, string)                          {}
func (nopNotifier) BroadcastError(string, string, string)                     {}

func ptr[T any](v T) *T { return &v }
