package settled

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	settleerrors "devpn/core/errors"
	"devpn/core/settlement"
	"devpn/core/types"
)

// Roller advances the epoch clock.
type Roller interface {
	Rollover(ctx context.Context) (types.Epoch, error)
}

// Sweeper settles every due epoch.
type Sweeper interface {
	Sweep(ctx context.Context) (settlement.SweepSummary, error)
}

// RolloverRecorder receives the outcome of each rollover tick.
type RolloverRecorder interface {
	RecordRollover(current uint64, err error)
}

// Scheduler drives the two periodic jobs: epoch rollover and settlement
// sweep. Sweeps run under the Locker so only one process settles at a time.
type Scheduler struct {
	cron     *cron.Cron
	roller   Roller
	sweeper  Sweeper
	locker   Locker
	recorder RolloverRecorder
	timeout  time.Duration
	logger   *slog.Logger
}

// SchedulerConfig names the cron specs and the per-run bound.
type SchedulerConfig struct {
	RolloverSpec string
	SweepSpec    string
	JobTimeout   time.Duration
}

// SchedulerConfig derives the scheduler settings from the daemon config.
func (c Config) SchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		RolloverSpec: c.Epoch.RolloverSchedule,
		SweepSpec:    c.Epoch.SettleSchedule,
		JobTimeout:   c.Epoch.JobTimeout.Duration,
	}
}

// NewScheduler registers both jobs. Nothing runs until Start.
func NewScheduler(ctx context.Context, cfg SchedulerConfig, roller Roller, sweeper Sweeper, locker Locker, recorder RolloverRecorder, logger *slog.Logger) (*Scheduler, error) {
	if roller == nil || sweeper == nil {
		return nil, fmt.Errorf("scheduler requires a roller and a sweeper")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 4 * time.Minute
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))
	s := &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		roller:   roller,
		sweeper:  sweeper,
		locker:   locker,
		recorder: recorder,
		timeout:  cfg.JobTimeout,
		logger:   logger,
	}
	if _, err := s.cron.AddFunc(cfg.RolloverSpec, func() {
		rctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		_ = s.RunRollover(rctx)
	}); err != nil {
		return nil, fmt.Errorf("rollover schedule: %w", err)
	}
	if _, err := s.cron.AddFunc(cfg.SweepSpec, func() {
		rctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		_, _ = s.RunSweep(rctx)
	}); err != nil {
		return nil, fmt.Errorf("sweep schedule: %w", err)
	}
	return s, nil
}

// Start launches the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.cron.Entries())))
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	if s == nil || s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// RunRollover closes the expired epoch, if any, and ensures a current one.
func (s *Scheduler) RunRollover(ctx context.Context) error {
	current, err := s.roller.Rollover(ctx)
	if s.recorder != nil {
		s.recorder.RecordRollover(current.EpochID, err)
	}
	if err != nil {
		s.logger.Error("epoch rollover failed", slog.Any("error", err))
		return err
	}
	s.logger.Debug("epoch rollover", slog.Uint64("epoch_id", current.EpochID), slog.Time("end_time", current.EndTime))
	return nil
}

// RunSweep settles due epochs while holding the sweep lock. A held lock or a
// paused orchestrator is reported but is not a failure.
func (s *Scheduler) RunSweep(ctx context.Context) (settlement.SweepSummary, error) {
	release, err := s.locker.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			s.logger.Debug("sweep skipped, lock held elsewhere")
		} else {
			s.logger.Warn("sweep lock unavailable", slog.Any("error", err))
		}
		return settlement.SweepSummary{}, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			s.logger.Warn("release sweep lock", slog.Any("error", err))
		}
	}()

	summary, err := s.sweeper.Sweep(ctx)
	switch {
	case errors.Is(err, settleerrors.ErrPaused):
		s.logger.Info("sweep skipped, settlement paused")
	case err != nil:
		s.logger.Error("settlement sweep finished with errors",
			slog.Int("epochs", len(summary.Epochs)),
			slog.Any("error", err))
	case len(summary.Epochs) > 0 || summary.Retry.Examined > 0:
		s.logger.Info("settlement sweep finished",
			slog.Int("epochs", len(summary.Epochs)),
			slog.Int("retried", summary.Retry.Examined))
	}
	return summary, err
}
