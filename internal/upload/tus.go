// Package upload mounts the tus resumable-upload server and connects it to
// the session manager: creation and every resume must pass AdmitOpen, and a
// fully received upload is handed to Finish.
package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tus/tusd/v2/pkg/filelocker"
	"github.com/tus/tusd/v2/pkg/filestore"
	"github.com/tus/tusd/v2/pkg/handler"

	"github.com/0necontroller/vellum/internal/logging"
	"github.com/0necontroller/vellum/internal/model"
	"github.com/0necontroller/vellum/internal/service"
	"github.com/0necontroller/vellum/pkg/apperr"
)

// MetadataUploadID is the Upload-Metadata key carrying the registered id
const MetadataUploadID = "uploadId"

const finishTimeout = 30 * time.Second

// Sessions is the part of the session manager the upload server depends on.
// *service.SessionService implements it.
type Sessions interface {
	AdmitOpen(ctx context.Context, id string, declaredSize int64, sizeDeferred bool) (*model.UploadRecord, error)
	Finish(ctx context.Context, in service.FinishInput) error
}

type Options struct {
	Dir      string
	BasePath string
	MaxSize  int64
}

// Server wraps a tusd handler backed by the local file store
type Server struct {
	tus      *handler.Handler
	sessions Sessions
	dir      string
	basePath string
	log      zerolog.Logger
}

func NewServer(sessions Sessions, opts Options, logger zerolog.Logger) (*Server, error) {
	if opts.Dir == "" {
		return nil, errors.New("upload dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	basePath := "/" + strings.Trim(opts.BasePath, "/") + "/"

	composer := handler.NewStoreComposer()
	filestore.New(opts.Dir).UseIn(composer)
	filelocker.New(opts.Dir).UseIn(composer)
	// uploads are removed by the worker, never by clients
	composer.UsesTerminater = false
	composer.UsesConcater = false

	s := &Server{
		sessions: sessions,
		dir:      opts.Dir,
		basePath: basePath,
		log:      logger.With().Str("component", "tus").Logger(),
	}

	tus, err := handler.NewHandler(handler.Config{
		BasePath:                basePath,
		StoreComposer:           composer,
		MaxSize:                 opts.MaxSize,
		NotifyCompleteUploads:   true,
		DisableDownload:         true,
		RespectForwardedHeaders: true,
		PreUploadCreateCallback: s.admitCreate,
		Logger:                  logging.NewSlogLogger(s.log),
	})
	if err != nil {
		return nil, fmt.Errorf("create tus handler: %w", err)
	}
	s.tus = tus
	return s, nil
}

// BasePath returns the normalized mount path, with leading and trailing slash
func (s *Server) BasePath() string { return s.basePath }

// Handler returns the tus endpoint for mounting under BasePath
func (s *Server) Handler() http.Handler {
	return http.StripPrefix(s.basePath, s.gate(s.tus))
}

// Run forwards completed uploads to the session manager until ctx is done
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.tus.CompleteUploads:
			s.finish(ctx, ev)
		}
	}
}

func (s *Server) admitCreate(hook handler.HookEvent) (handler.HTTPResponse, handler.FileInfoChanges, error) {
	id := strings.TrimSpace(hook.Upload.MetaData[MetadataUploadID])
	ctx := hook.Context
	if ctx == nil {
		ctx = context.Background()
	}

	rec, err := s.sessions.AdmitOpen(ctx, id, hook.Upload.Size, hook.Upload.SizeIsDeferred)
	if err != nil {
		s.log.Warn().Err(err).Str("uploadId", id).Msg("rejected upload creation")
		return handler.HTTPResponse{}, handler.FileInfoChanges{}, tusError(err)
	}
	return handler.HTTPResponse{}, handler.FileInfoChanges{ID: rec.ID}, nil
}

func (s *Server) finish(ctx context.Context, ev handler.HookEvent) {
	id := ev.Upload.ID
	in := service.FinishInput{
		UploadID: id,
		FilePath: ev.Upload.Storage["Path"],
		InfoPath: ev.Upload.Storage["InfoPath"],
	}
	if in.FilePath == "" {
		in.FilePath = filepath.Join(s.dir, id)
	}
	if in.InfoPath == "" {
		in.InfoPath = in.FilePath + ".info"
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	err := s.sessions.Finish(finishCtx, in)
	switch {
	case err == nil:
		s.log.Info().Str("uploadId", id).Int64("size", ev.Upload.Size).Msg("upload received")
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrInvalidState):
		s.log.Warn().Err(err).Str("uploadId", id).Msg("ignoring upload completion")
	default:
		s.log.Error().Err(err).Str("uploadId", id).Msg("failed to finish upload")
	}
}

// gate runs the admission check before tusd serves a resume (HEAD) or a
// chunk (PATCH) for an existing upload.
func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch || r.Method == http.MethodHead {
			if id := uploadIDFromPath(r.URL.Path); id != "" {
				if _, err := s.sessions.AdmitOpen(r.Context(), id, 0, true); err != nil {
					s.log.Debug().Err(err).Str("uploadId", id).Str("method", r.Method).Msg("rejected upload request")
					writeTusError(w, r, tusError(err))
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func uploadIDFromPath(p string) string {
	p = strings.Trim(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[i+1:]
	}
	return p
}

func tusError(err error) handler.Error {
	msg := apperr.Message(err)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return handler.NewError("ERR_UPLOAD_NOT_REGISTERED", msg, http.StatusNotFound)
	case errors.Is(err, apperr.ErrInvalidState):
		return handler.NewError("ERR_UPLOAD_NOT_ACCEPTING", msg, http.StatusConflict)
	case errors.Is(err, apperr.ErrValidation):
		return handler.NewError("ERR_UPLOAD_INVALID", msg, http.StatusBadRequest)
	default:
		return handler.NewError("ERR_INTERNAL_SERVER_ERROR", "internal server error", http.StatusInternalServerError)
	}
}

func writeTusError(w http.ResponseWriter, r *http.Request, e handler.Error) {
	w.Header().Set("Tus-Resumable", "1.0.0")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(e.HTTPResponse.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = fmt.Fprintf(w, "%s: %s\n", e.ErrorCode, e.Message)
	}
}
