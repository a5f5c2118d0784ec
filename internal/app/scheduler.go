/**
 * @description
 * Cron scheduler setup for the reconciliation sweep.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	schedule   string
	logger     *slog.Logger
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(reconciler *Reconciler, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		schedule:   schedule,
		logger:     logger.With("component", "scheduler"),
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.reconciler.Run); err != nil {
		s.logger.Error("failed to schedule reconciliation job", "schedule", s.schedule, "error", err)
		return err
	}
	s.logger.Info("scheduled reconciliation job", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
