package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/0necontroller/vellum/internal/metrics"
	"github.com/0necontroller/vellum/internal/model"
	"github.com/0necontroller/vellum/internal/queue"
	"github.com/0necontroller/vellum/pkg/apperr"
)

// SessionConfig holds the settings the session manager needs
type SessionConfig struct {
	PublicURL  string
	BasePath   string
	MaxSize    int64
	SessionTTL time.Duration
}

// FinishInput describes a fully received upload
type FinishInput struct {
	UploadID string
	FilePath string
	InfoPath string
}

// SessionService registers uploads and guards the resumable-upload server
type SessionService struct {
	store     RecordStore
	publisher JobPublisher
	validate  *validator.Validate
	cfg       SessionConfig
	now       func() time.Time
	log       zerolog.Logger
}

func NewSessionService(store RecordStore, publisher JobPublisher, v *validator.Validate, cfg SessionConfig, logger zerolog.Logger) *SessionService {
	if v == nil {
		v = validator.New()
	}
	return &SessionService{
		store:     store,
		publisher: publisher,
		validate:  v,
		cfg:       cfg,
		now:       time.Now,
		log:       logger.With().Str("component", "sessions").Logger(),
	}
}

// CreateSession validates the request and stores a new record in status uploading
func (s *SessionService) CreateSession(ctx context.Context, req *model.CreateSessionRequest) (*model.CreateSessionResponse, error) {
	const op = "create session"

	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rec := &model.UploadRecord{
		ID:          uuid.New().String(),
		Filename:    strings.TrimSpace(req.Filename),
		FileSize:    req.FileSize,
		Status:      model.UploadStatusUploading,
		Progress:    0,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.SessionTTL),
		CallbackURL: req.CallbackURL,
		StoragePath: strings.Trim(req.StoragePath, "/"),
	}
	if rec.CallbackURL != "" {
		rec.CallbackStatus = model.CallbackStatusPending
	}

	created, err := s.store.Create(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	metrics.SessionsCreated.Inc()

	s.log.Info().
		Str("uploadId", created.ID).
		Str("filename", created.Filename).
		Int64("filesize", created.FileSize).
		Bool("callback", created.HasCallback()).
		Msg("upload session created")

	return &model.CreateSessionResponse{
		UploadID:  created.ID,
		UploadURL: s.cfg.PublicURL + s.cfg.BasePath,
		ExpiresAt: created.ExpiresAt,
	}, nil
}

func (s *SessionService) validateRequest(req *model.CreateSessionRequest) error {
	const op = "create session"

	if req == nil {
		return apperr.Validation(op, "request body is required")
	}
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields[fe.Field()] = fe.Tag()
			}
			return apperr.ValidationFields(op, "validation failed", fields)
		}
		return apperr.Validation(op, err.Error())
	}
	if strings.TrimSpace(req.Filename) == "" {
		return apperr.ValidationFields(op, "validation failed", map[string]string{"Filename": "required"})
	}
	if s.cfg.MaxSize > 0 && req.FileSize > s.cfg.MaxSize {
		return apperr.ValidationFields(op, fmt.Sprintf("filesize exceeds the %d byte limit", s.cfg.MaxSize),
			map[string]string{"FileSize": "max"})
	}
	if p := req.StoragePath; p != "" {
		if strings.HasPrefix(p, "/") || strings.Contains(p, "..") {
			return apperr.ValidationFields(op, "storagePath must be relative and must not contain '..'",
				map[string]string{"StoragePath": "relative"})
		}
	}
	return nil
}

// AdmitOpen is called before the upload server accepts bytes for id, both on
// creation and on every resume. The upload must be registered, still in status
// uploading and unexpired. A declared size must match the registered filesize.
func (s *SessionService) AdmitOpen(ctx context.Context, id string, declaredSize int64, sizeDeferred bool) (*model.UploadRecord, error) {
	const op = "admit upload"

	if id == "" {
		return nil, apperr.Validation(op, "uploadId is required")
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if rec == nil {
		return nil, apperr.NotFound(op, id)
	}
	if rec.Status != model.UploadStatusUploading {
		return nil, apperr.InvalidState(op, fmt.Sprintf("upload %s is %s", id, rec.Status))
	}
	if !rec.ExpiresAt.IsZero() && s.now().After(rec.ExpiresAt) {
		return nil, apperr.InvalidState(op, fmt.Sprintf("upload session %s expired", id))
	}
	if !sizeDeferred && declaredSize != rec.FileSize {
		return nil, apperr.ValidationFields(op,
			fmt.Sprintf("declared size %d does not match registered filesize %d", declaredSize, rec.FileSize),
			map[string]string{"FileSize": "mismatch"})
	}
	return rec, nil
}

// Finish moves a fully received upload to processing and enqueues exactly one
// transcode job. Unknown ids fail with apperr.ErrNotFound and uploads that are
// no longer uploading (a duplicate finish) fail with apperr.ErrInvalidState;
// neither changes any state.
func (s *SessionService) Finish(ctx context.Context, in FinishInput) error {
	const op = "finish upload"

	rec, err := s.store.Get(ctx, in.UploadID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rec == nil {
		return apperr.NotFound(op, in.UploadID)
	}

	updated, err := s.store.Update(ctx, in.UploadID, model.UploadPatch{
		ExpectStatus: ptr(model.UploadStatusUploading),
		Status:       ptr(model.UploadStatusProcessing),
		Progress:     ptr(0),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if updated == nil {
		return apperr.NotFound(op, in.UploadID)
	}

	job := model.TranscodeJob{
		UploadID:    updated.ID,
		FilePath:    in.FilePath,
		InfoPath:    in.InfoPath,
		Filename:    updated.Filename,
		CallbackURL: updated.CallbackURL,
		StoragePath: updated.StoragePath,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return s.failEnqueue(ctx, in, fmt.Errorf("marshal job: %w", err))
	}

	err = s.publisher.Publish(ctx, queue.Message{
		Topic:   model.TaskTypeTranscode,
		Key:     updated.ID,
		Payload: payload,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		s.log.Warn().Str("uploadId", updated.ID).Msg("transcode job already queued")
		return nil
	}
	if err != nil {
		return s.failEnqueue(ctx, in, err)
	}

	s.log.Info().Str("uploadId", updated.ID).Str("file", in.FilePath).Msg("upload finished, transcode job queued")
	return nil
}

// failEnqueue marks the upload failed and removes the received file, since no
// job will ever run for it.
func (s *SessionService) failEnqueue(ctx context.Context, in FinishInput, cause error) error {
	msg := fmt.Sprintf("failed to queue transcode job: %v", cause)
	if _, err := s.store.Update(ctx, in.UploadID, model.UploadPatch{
		ExpectStatus: ptr(model.UploadStatusProcessing),
		Status:       ptr(model.UploadStatusFailed),
		Error:        ptr(msg),
	}); err != nil {
		s.log.Error().Err(err).Str("uploadId", in.UploadID).Msg("failed to record enqueue failure")
	}
	s.removeUpload(in)
	return fmt.Errorf("finish upload %s: %w", in.UploadID, cause)
}

func (s *SessionService) removeUpload(in FinishInput) {
	if in.FilePath == "" {
		return
	}
	infoPath := in.InfoPath
	if infoPath == "" {
		infoPath = in.FilePath + ".info"
	}
	for _, p := range []string{in.FilePath, infoPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Str("path", p).Msg("failed to remove upload file")
		}
	}
}

// Get returns the record for id or apperr.ErrNotFound
func (s *SessionService) Get(ctx context.Context, id string) (*model.UploadRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get upload: %w", err)
	}
	if rec == nil {
		return nil, apperr.NotFound("get upload", id)
	}
	return rec, nil
}

// List returns every record, newest first
func (s *SessionService) List(ctx context.Context) ([]*model.UploadRecord, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	return records, nil
}

// Delete removes a record. Only explicit administrative calls delete records.
func (s *SessionService) Delete(ctx context.Context, id string) error {
	removed, err := s.store.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	if !removed {
		return apperr.NotFound("delete upload", id)
	}
	s.log.Info().Str("uploadId", id).Msg("upload record deleted")
	return nil
}
