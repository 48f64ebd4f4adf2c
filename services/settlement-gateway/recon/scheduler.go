package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the periodic reconciliation scheduler.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Interval   time.Duration
	// RunOnStart triggers an immediate pass before the first interval.
	RunOnStart bool
	Logger     *slog.Logger
}

// Scheduler executes reconciliation on a fixed cadence.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	runOnStart bool
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		interval:   clampInterval(cfg.Interval),
		runOnStart: cfg.RunOnStart,
		logger:     logger.With("component", "recon-scheduler"),
	}
}

// Start runs reconciliation until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	if s.runOnStart {
		s.runOnce(ctx)
	}
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runOnce(ctx)
			timer.Reset(s.interval)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if _, err := s.reconciler.Run(ctx, RunOptions{}); err != nil && ctx.Err() == nil {
		s.logger.Error("recon scheduler run failed", "error", err)
	}
}

func clampInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Minute
	}
	if d < time.Second {
		return time.Second
	}
	return d
}
