package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/0necontroller/vellum/internal/metrics"
	"github.com/0necontroller/vellum/internal/model"
	"github.com/0necontroller/vellum/internal/service"
	"github.com/0necontroller/vellum/pkg/apperr"
)

// StalledError is the error recorded on uploads failed by the reaper
const StalledError = "job stalled"

// ActiveJob reports the upload the worker is currently processing.
// *TranscodeWorker implements it.
type ActiveJob interface {
	Active() string
}

// StuckJobReaper fails uploads that have sat in processing for too long, for
// example because the job was lost together with its queue entry.
type StuckJobReaper struct {
	store      service.RecordStore
	callbacks  CallbackDeliverer
	notifier   Notifier
	active     ActiveJob
	stuckAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// NewStuckJobReaper creates a reaper. The upload held by active is never
// reaped, since a transcode may legitimately run longer than stuckAfter.
func NewStuckJobReaper(store service.RecordStore, callbacks CallbackDeliverer, notifier Notifier, active ActiveJob, stuckAfter time.Duration, logger zerolog.Logger) *StuckJobReaper {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &StuckJobReaper{
		store:      store,
		callbacks:  callbacks,
		notifier:   notifier,
		active:     active,
		stuckAfter: stuckAfter,
		now:        time.Now,
		log:        logger.With().Str("component", "reaper").Logger(),
	}
}

// Enabled reports whether a stuck threshold is configured
func (r *StuckJobReaper) Enabled() bool {
	return r.stuckAfter > 0
}

// Reap fails every stale processing record and returns how many it moved
func (r *StuckJobReaper) Reap(ctx context.Context) (int, error) {
	if !r.Enabled() {
		return 0, nil
	}

	stale, err := r.store.ListStale(ctx, model.UploadStatusProcessing, r.now().Add(-r.stuckAfter))
	if err != nil {
		return 0, fmt.Errorf("reap stuck jobs: %w", err)
	}

	reaped := 0
	for _, rec := range stale {
		if ctx.Err() != nil {
			break
		}
		if r.active != nil && r.active.Active() == rec.ID {
			r.log.Debug().Str("uploadId", rec.ID).Msg("upload is being transcoded, not reaping")
			continue
		}
		_, err := r.store.Update(ctx, rec.ID, model.UploadPatch{
			ExpectStatus: ptr(model.UploadStatusProcessing),
			Status:       ptr(model.UploadStatusFailed),
			Error:        ptr(StalledError),
		})
		if errors.Is(err, apperr.ErrInvalidState) {
			continue
		}
		if err != nil {
			r.log.Error().Err(err).Str("uploadId", rec.ID).Msg("failed to mark stuck upload failed")
			continue
		}

		reaped++
		metrics.StalledJobs.Inc()
		r.log.Warn().Str("uploadId", rec.ID).Time("updatedAt", rec.UpdatedAt).Msg("upload stuck in processing, marked failed")
		r.notifier.BroadcastError(rec.ID, CodeJobFailed, StalledError)

		if rec.HasCallback() && r.callbacks != nil {
			if err := r.callbacks.DeliverForRecord(ctx, rec.ID); err != nil {
				r.log.Warn().Err(err).Str("uploadId", rec.ID).Msg("callback for stuck upload failed")
			}
		}
	}
	return reaped, ctx.Err()
}
