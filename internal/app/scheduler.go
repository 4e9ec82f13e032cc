/**
 * @description
 * Cron scheduler driving the notification reconciliation sweeps.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig holds the cron specs for the sweeps.
type SchedulerConfig struct {
	PendingSweepSchedule string
	FailedSweepSchedule  string
	SweepTimeout         time.Duration
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	logger     *slog.Logger
	config     SchedulerConfig
	now        func() time.Time
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(reconciler *Reconciler, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 10 * time.Minute
	}
	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		logger:     logger,
		config:     cfg,
		now:        time.Now,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.config.PendingSweepSchedule, s.RunPendingSweep); err != nil {
		s.logger.Error("failed to schedule pending notification sweep", "error", err)
		return err
	}
	s.logger.Info("scheduled pending notification sweep", "schedule", s.config.PendingSweepSchedule)

	if _, err := s.cron.AddFunc(s.config.FailedSweepSchedule, s.RunFailedSweep); err != nil {
		s.logger.Error("failed to schedule failed notification sweep", "error", err)
		return err
	}
	s.logger.Info("scheduled failed notification sweep", "schedule", s.config.FailedSweepSchedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunPendingSweep is the cron entry for the pending sweep.
func (s *Scheduler) RunPendingSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.SweepTimeout)
	defer cancel()

	if _, err := s.reconciler.SweepPending(ctx, s.now()); err != nil {
		s.logger.Error("pending notification sweep failed", "error", err)
	}
}

// RunFailedSweep is the cron entry for the failed sweep.
func (s *Scheduler) RunFailedSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.SweepTimeout)
	defer cancel()

	if _, err := s.reconciler.SweepFailed(ctx, s.now()); err != nil {
		s.logger.Error("failed notification sweep failed", "error", err)
	}
}
