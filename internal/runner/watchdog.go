package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/notifications"
	"github.com/albatrossmedia/ISN-MVP/internal/registry"
)

// Watchdog fails running jobs whose owner stopped heartbeating.
type Watchdog struct {
	registry *registry.Registry
	notifier notifications.Service
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// WatchdogOption customizes a Watchdog.
type WatchdogOption func(*Watchdog)

// WithWatchdogClock overrides the time source used to find stale jobs.
func WithWatchdogClock(now func() time.Time) WatchdogOption {
	return func(w *Watchdog) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWatchdog builds a watchdog that sweeps every interval and fails jobs
// silent for longer than timeout. A non-positive timeout disables sweeping.
func NewWatchdog(reg *registry.Registry, interval, timeout time.Duration, logger *slog.Logger, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		registry: reg,
		logger:   logging.NewComponentLogger(logger, "watchdog"),
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	if w == nil || w.timeout <= 0 || w.interval <= 0 {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			logging.WarnWithContext(w.logger, "watchdog sweep failed; stuck jobs may remain", "watchdog_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check registry database access"),
			)
		}
	}
}

// Sweep fails every stale running job once and returns how many it failed.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	if w.timeout <= 0 {
		return 0, nil
	}
	cutoff := w.now().Add(-w.timeout)
	stale, err := w.registry.Stale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, j := range stale {
		stageName := runningStage(&j)
		message := fmt.Sprintf("heartbeat timeout: no heartbeat from %s for %s", j.Owner, w.timeout)
		if _, err := w.registry.Fail(ctx, j.ID, stageName, message); err != nil {
			if errors.Is(err, registry.ErrTerminal) {
				continue
			}
			return failed, err
		}
		failed++
		logging.WarnWithContext(w.logger, "stale job failed by watchdog", "heartbeat_timeout",
			logging.String(logging.FieldJobID, j.ID),
			logging.String(logging.FieldLane, string(j.Lane)),
			logging.String(logging.FieldWorker, j.Owner),
			logging.String(logging.FieldStage, stageName),
			logging.String(logging.FieldImpact, "job marked failed"),
			logging.String(logging.FieldErrorHint, "check the worker host and stage processor"),
		)
		if w.notifier != nil {
			if err := w.notifier.NotifyJobFailed(ctx, j.ID, string(j.Lane), message); err != nil {
				w.logger.Debug("watchdog notification failed", logging.Error(err))
			}
		}
	}
	return failed, nil
}

func runningStage(j *job.Job) string {
	for _, s := range j.Stages {
		if s.Status == job.StageRunning {
			return s.Name
		}
	}
	return ""
}
