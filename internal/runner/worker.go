package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/queue"
	"github.com/albatrossmedia/ISN-MVP/internal/registry"
	"github.com/albatrossmedia/ISN-MVP/internal/services"
)

const settleTimeout = 5 * time.Second

type worker struct {
	id     string
	lane   job.Lane
	logger *slog.Logger

	mu    sync.Mutex
	jobID string
	stage string
	since *time.Time
}

func (w *worker) setJob(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobID = id
	w.stage = ""
	if id == "" {
		w.since = nil
		return
	}
	now := time.Now().UTC()
	w.since = &now
}

func (w *worker) setStage(name string) {
	w.mu.Lock()
	w.stage = name
	w.mu.Unlock()
}

func (w *worker) snapshot() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	status := WorkerStatus{ID: w.id, Lane: w.lane, JobID: w.jobID, Stage: w.stage}
	if w.since != nil {
		since := *w.since
		status.Since = &since
	}
	return status
}

func (r *Runner) runWorker(ctx context.Context, w *worker) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		d, err := r.queue.Claim(ctx, w.lane, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.setLastError(err)
			logging.ErrorWithContext(w.logger, "failed to claim from lane", "queue_claim_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
			)
			r.wait(ctx, r.errorRetry)
			continue
		}
		if d == nil {
			r.wait(ctx, r.pollInterval)
			continue
		}
		r.handleDelivery(ctx, w, d)
	}
}

func (r *Runner) handleDelivery(ctx context.Context, w *worker, d *queue.Delivery) {
	desc := d.Descriptor
	ctx = services.WithJobID(ctx, desc.JobID)
	ctx = services.WithLane(ctx, string(desc.Lane))
	ctx = services.WithTenant(ctx, desc.TenantID)
	logger := w.logger.With(
		logging.String(logging.FieldJobID, desc.JobID),
		logging.String(logging.FieldTenant, desc.TenantID),
		logging.Int(logging.FieldAttempt, d.Attempt),
	)

	ctx, span := r.tracer.Start(ctx, "runner.job", trace.WithAttributes(
		attribute.String("isn.job_id", desc.JobID),
		attribute.String("isn.lane", string(desc.Lane)),
		attribute.String("isn.worker", w.id),
		attribute.Int("isn.attempt", d.Attempt),
	))
	defer span.End()

	j, err := r.registry.Claim(ctx, desc.JobID, w.id, d.Attempt)
	if err != nil {
		span.RecordError(err)
		r.settleUnclaimed(ctx, logger, d, err)
		return
	}
	logger.Info("job claimed",
		logging.String(logging.FieldEventType, "job_claimed"),
		logging.Int("next_stage", j.NextStage()),
	)

	w.setJob(j.ID)
	defer w.setJob("")
	r.setLastJob(j.ID)

	started := time.Now()
	result := r.runJob(ctx, logger, w, d, j)
	span.SetAttributes(attribute.String("isn.outcome", string(result.kind)))
	if result.kind == outcomeFailed || result.kind == outcomeRetry {
		span.SetStatus(codes.Error, result.message)
	}
	r.settle(ctx, logger, d, j, result, time.Since(started))
}

// settleUnclaimed disposes of a delivery whose job could not be claimed.
func (r *Runner) settleUnclaimed(ctx context.Context, logger *slog.Logger, d *queue.Delivery, err error) {
	switch {
	case errors.Is(err, services.ErrClaimConflict):
		logger.Info("duplicate claim ignored",
			logging.String(logging.FieldEventType, "claim_conflict"),
			logging.String("reason", services.Details(err)),
		)
		r.ack(ctx, logger, d)
	case errors.Is(err, registry.ErrTerminal):
		logger.Info("job already finished; dropping delivery",
			logging.String(logging.FieldEventType, "delivery_dropped"),
		)
		r.ack(ctx, logger, d)
	case errors.Is(err, services.ErrNotFound):
		logging.WarnWithContext(logger, "delivery references unknown job", "delivery_orphaned",
			logging.String(logging.FieldImpact, "delivery dropped"),
			logging.String(logging.FieldErrorHint, "registry and queue may point at different databases"),
		)
		r.ack(ctx, logger, d)
	default:
		r.setLastError(err)
		logging.ErrorWithContext(logger, "claim failed", "job_claim_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check registry database access"),
		)
		r.nack(ctx, logger, d, "claim failed: "+err.Error())
	}
}

func (r *Runner) settle(ctx context.Context, logger *slog.Logger, d *queue.Delivery, j *job.Job, res outcome, elapsed time.Duration) {
	switch res.kind {
	case outcomeCompleted:
		logger.Info("job completed",
			logging.String(logging.FieldEventType, "job_complete"),
			logging.Duration("elapsed", elapsed),
		)
		r.ack(ctx, logger, d)
	case outcomeFailed:
		r.setLastError(errors.New(res.message))
		logging.ErrorWithContext(logger, "job failed", "job_failed",
			logging.String(logging.FieldStage, res.stage),
			logging.String("error_message", res.message),
			logging.String(logging.FieldErrorHint, "inspect the stage processor logs for "+res.stage),
		)
		r.ack(ctx, logger, d)
		if err := r.notifier.NotifyJobFailed(ctx, j.ID, string(j.Lane), res.message); err != nil {
			logger.Debug("job failure notification failed", logging.Error(err))
		}
	case outcomeStopped:
		logger.Info("job left running state; execution abandoned",
			logging.String(logging.FieldEventType, "job_abandoned"),
			logging.String("reason", res.message),
		)
		r.ack(ctx, logger, d)
	case outcomeRetry:
		r.setLastError(errors.New(res.message))
		r.nack(ctx, logger, d, res.message)
	case outcomeShutdown:
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		defer cancel()
		if err := r.queue.Release(releaseCtx, d); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
			logger.Warn("release on shutdown failed; delivery returns after its lease expires",
				logging.Error(err),
				logging.String(logging.FieldEventType, "delivery_release_failed"),
			)
			return
		}
		logger.Info("delivery released for shutdown", logging.String(logging.FieldEventType, "delivery_released"))
	}
}

func (r *Runner) ack(ctx context.Context, logger *slog.Logger, d *queue.Delivery) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := r.queue.Ack(ackCtx, d); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			logger.Debug("ack skipped; lease already gone", logging.Error(err))
			return
		}
		r.setLastError(err)
		logger.Warn("ack failed; delivery may be redelivered",
			logging.Error(err),
			logging.String(logging.FieldEventType, "delivery_ack_failed"),
		)
	}
}

func (r *Runner) nack(ctx context.Context, logger *slog.Logger, d *queue.Delivery, reason string) {
	nackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	result, err := r.queue.Nack(nackCtx, d, reason)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			logger.Debug("nack skipped; lease already gone", logging.Error(err))
			return
		}
		r.setLastError(err)
		logger.Warn("nack failed; delivery returns after its lease expires",
			logging.Error(err),
			logging.String(logging.FieldEventType, "delivery_nack_failed"),
		)
		return
	}
	if result.Outcome == queue.OutcomeRetry {
		logging.WarnWithContext(logger, "delivery scheduled for retry", "delivery_retry",
			logging.String("reason", reason),
			logging.Duration("delay", result.Delay),
			logging.String(logging.FieldImpact, "job resumes from its first unfinished stage"),
		)
	}
}
