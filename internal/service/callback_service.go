package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/0necontroller/vellum/internal/metrics"
	"github.com/0necontroller/vellum/internal/model"
	"github.com/0necontroller/vellum/pkg/apperr"
)

// DeliveryHeader carries a unique id per attempt so receivers can drop
// duplicate deliveries.
const DeliveryHeader = "X-Vellum-Delivery"

// CallbackConfig holds webhook delivery settings
type CallbackConfig struct {
	Timeout time.Duration
	Version string
}

// SweepResult summarizes one retry pass
type SweepResult struct {
	Candidates int
	Delivered  int
	Failed     int
}

// CallbackService delivers job outcomes to caller webhooks. The immediate
// trigger after a job and the periodic sweep share Deliver.
type CallbackService struct {
	store      RecordStore
	httpClient *http.Client
	userAgent  string
	now        func() time.Time
	log        zerolog.Logger
}

func NewCallbackService(store RecordStore, cfg CallbackConfig, logger zerolog.Logger) *CallbackService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return &CallbackService{
		store:      store,
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  "vellum/" + version,
		now:        time.Now,
		log:        logger.With().Str("component", "callbacks").Logger(),
	}
}

// Deliver makes one delivery attempt for rec and records the result on the
// record. A 2xx response marks the callback completed; anything else counts a
// failed attempt. The returned error is for logging only.
func (s *CallbackService) Deliver(ctx context.Context, rec *model.UploadRecord, outcome model.Outcome) error {
	const op = "deliver callback"

	if !rec.HasCallback() || outcome == nil {
		return nil
	}
	if rec.CallbackStatus != model.CallbackStatusPending || rec.CallbackRetryCount >= model.MaxCallbackAttempts {
		return nil
	}

	log := s.log.With().Str("uploadId", rec.ID).Str("url", rec.CallbackURL).Logger()
	code, attemptErr := s.post(ctx, rec, outcome)
	attemptedAt := s.now().UTC()

	if attemptErr == nil {
		if code != http.StatusOK {
			log.Debug().Int("status", code).Msg("callback accepted with non-200 success status")
		}
		metrics.CallbackAttempts.WithLabelValues(metrics.ResultSuccess).Inc()
		if _, err := s.store.Update(ctx, rec.ID, model.UploadPatch{
			CallbackStatus:      ptr(model.CallbackStatusCompleted),
			CallbackLastAttempt: &attemptedAt,
		}); err != nil {
			log.Error().Err(err).Msg("callback delivered but record update failed")
			return fmt.Errorf("%s: %w", op, err)
		}
		log.Info().Msg("callback delivered")
		return nil
	}

	if ctx.Err() != nil {
		// interrupted by shutdown, not a failure of the endpoint
		log.Info().Err(attemptErr).Msg("callback attempt interrupted, not counted")
		return apperr.Delivery(op, attemptErr)
	}

	metrics.CallbackAttempts.WithLabelValues(metrics.ResultFailure).Inc()
	updated, err := s.store.Update(ctx, rec.ID, model.UploadPatch{
		IncCallbackRetry:    true,
		CallbackLastAttempt: &attemptedAt,
	})
	if err != nil {
		log.Error().Err(err).AnErr("attemptErr", attemptErr).Msg("failed to record callback attempt")
		return apperr.Delivery(op, attemptErr)
	}
	if updated != nil {
		event := log.Warn()
		if updated.CallbackStatus == model.CallbackStatusFailed {
			event = log.Error()
		}
		event.Err(attemptErr).
			Int("attempt", updated.CallbackRetryCount).
			Str("callbackStatus", string(updated.CallbackStatus)).
			Msg("callback delivery failed")
	}
	return apperr.Delivery(op, attemptErr)
}

func (s *CallbackService) post(ctx context.Context, rec *model.UploadRecord, outcome model.Outcome) (int, error) {
	body, err := json.Marshal(model.NewCallbackPayload(rec.ID, rec.Filename, outcome))
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(DeliveryHeader, ulid.Make().String())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// DeliverForRecord loads id and attempts delivery of its terminal outcome
func (s *CallbackService) DeliverForRecord(ctx context.Context, id string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("deliver callback: %w", err)
	}
	if rec == nil {
		return apperr.NotFound("deliver callback", id)
	}
	outcome := model.OutcomeOf(rec)
	if outcome == nil {
		return apperr.InvalidState("deliver callback", fmt.Sprintf("upload %s is %s", id, rec.Status))
	}
	return s.Deliver(ctx, rec, outcome)
}

// Sweep retries every pending callback once, oldest first. One endpoint
// failing does not stop the others.
func (s *CallbackService) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var result SweepResult
	pending, err := s.store.ListPendingCallbacks(ctx)
	if err != nil {
		return result, fmt.Errorf("callback sweep: %w", err)
	}
	result.Candidates = len(pending)

	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := s.Deliver(ctx, rec, model.OutcomeOf(rec)); err != nil {
			result.Failed++
			continue
		}
		result.Delivered++
	}

	if result.Candidates > 0 {
		s.log.Info().
			Int("candidates", result.Candidates).
			Int("delivered", result.Delivered).
			Int("failed", result.Failed).
			Msg("callback sweep finished")
	}
	return result, ctx.Err()
}
