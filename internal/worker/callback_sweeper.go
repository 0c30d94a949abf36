package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/0necontroller/vellum/internal/logging"
	"github.com/0necontroller/vellum/internal/service"
)

// CallbackSweeper is the subset of the callback service the scheduler drives
type CallbackSweeper interface {
	Sweep(ctx context.Context) (service.SweepResult, error)
}

// SchedulerConfig holds the maintenance intervals
type SchedulerConfig struct {
	SweepInterval      time.Duration
	StuckCheckInterval time.Duration
}

// Scheduler runs the periodic callback sweep and the stuck-job reaper on a
// cron. Each entry is skipped while its previous run is still going.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  CallbackSweeper
	reaper   *StuckJobReaper
	cfg      SchedulerConfig
	log      zerolog.Logger
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	entryIDs []cron.EntryID
}

func NewScheduler(sweeper CallbackSweeper, reaper *StuckJobReaper, cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	log := logger.With().Str("component", "scheduler").Logger()
	cronLog := logging.NewCronLogger(log)
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		sweeper: sweeper,
		reaper:  reaper,
		cfg:     cfg,
		log:     log,
	}
}

// Start registers the entries and starts the cron goroutine. ctx bounds every
// run; cancelling it aborts an in-flight sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.sweeper != nil && s.cfg.SweepInterval > 0 {
		id, err := s.cron.AddFunc(every(s.cfg.SweepInterval), s.RunSweep)
		if err != nil {
			return fmt.Errorf("schedule callback sweep: %w", err)
		}
		s.entryIDs = append(s.entryIDs, id)
	}
	if s.reaper != nil && s.reaper.Enabled() && s.cfg.StuckCheckInterval > 0 {
		id, err := s.cron.AddFunc(every(s.cfg.StuckCheckInterval), s.RunReaper)
		if err != nil {
			return fmt.Errorf("schedule stuck job reaper: %w", err)
		}
		s.entryIDs = append(s.entryIDs, id)
	}

	s.cron.Start()
	s.started = true
	s.log.Info().
		Dur("sweepInterval", s.cfg.SweepInterval).
		Dur("stuckCheckInterval", s.cfg.StuckCheckInterval).
		Int("entries", len(s.entryIDs)).
		Msg("scheduler started")
	return nil
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.started = false
	s.log.Info().Msg("scheduler stopped")
}

// RunSweep performs one callback sweep
func (s *Scheduler) RunSweep() {
	if _, err := s.sweeper.Sweep(s.runContext()); err != nil {
		s.log.Error().Err(err).Msg("callback sweep failed")
	}
}

// RunReaper performs one stuck-job check
func (s *Scheduler) RunReaper() {
	n, err := s.reaper.Reap(s.runContext())
	if err != nil {
		s.log.Error().Err(err).Msg("stuck job check failed")
		return
	}
	if n > 0 {
		s.log.Warn().Int("reaped", n).Msg("failed stuck uploads")
	}
}

func (s *Scheduler) runContext() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
