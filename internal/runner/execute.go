package runner

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/albatrossmedia/ISN-MVP/internal/stage"
)

type outcomeKind string

const (
	outcomeCompleted outcomeKind = "completed"
	outcomeFailed    outcomeKind = "failed"
	outcomeRetry     outcomeKind = "retry"
	outcomeStopped   outcomeKind = "stopped"
	outcomeShutdown  outcomeKind = "shutdown"
)

type outcome struct {
	kind    outcomeKind
	stage   string
	message string
}

var (
	errLeaseLost   = errors.New("delivery lease lost")
	errJobReleased = errors.New("job no longer held by this worker")
)

// runJob executes the remaining stages while a keepalive goroutine renews
// the lease and heartbeats the registry.
func (r *Runner) runJob(ctx context.Context, logger *slog.Logger, w *worker, d *queue.Delivery, j *job.Job) outcome {
	execCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go r.keepAlive(execCtx, &wg, logger, d, j.ID, w.id, cancel)

	res := r.executeStages(execCtx, logger, w, d, j)

	cancel(nil)
	wg.Wait()
	return res
}

func (r *Runner) executeStages(ctx context.Context, logger *slog.Logger, w *worker, d *queue.Delivery, j *job.Job) outcome {
	var previous *stage.Output
	sampler := logging.NewProgressSampler(25)
	for {
		current, err := r.registry.Get(ctx, j.ID)
		if err != nil {
			if interrupted, ok := r.interruption(ctx, err); ok {
				return interrupted
			}
			return outcome{kind: outcomeRetry, message: "load job: " + err.Error()}
		}
		if current.Status != job.StatusRunning || current.Owner != w.id {
			return outcome{kind: outcomeStopped, message: fmt.Sprintf("job is %s (owner %q)", current.Status, current.Owner)}
		}
		idx := current.NextStage()
		if idx < 0 {
			break
		}
		out, res, ok := r.runStage(ctx, logger, w, d, current, idx, previous, sampler)
		if !ok {
			return res
		}
		previous = &out
	}

	var final stage.Output
	if previous != nil {
		final = *previous
	}
	if _, err := r.registry.Complete(ctx, j.ID, final.Result(j.Request)); err != nil {
		if interrupted, ok := r.interruption(ctx, err); ok {
			return interrupted
		}
		return outcome{kind: outcomeRetry, message: "complete job: " + err.Error()}
	}
	return outcome{kind: outcomeCompleted}
}

// runStage executes stage idx. ok=false means the job must stop here with
// the returned outcome.
func (r *Runner) runStage(ctx context.Context, logger *slog.Logger, w *worker, d *queue.Delivery, j *job.Job, idx int, previous *stage.Output, sampler *logging.ProgressSampler) (stage.Output, outcome, bool) {
	name := j.Stages[idx].Name
	stageCtx := services.WithStage(ctx, name)
	stageLogger := logger.With(logging.String(logging.FieldStage, name))
	w.setStage(name)

	resumed := j.Stages[idx].Status == job.StageRunning
	if !resumed {
		patch := registry.StageStatusPatch(job.StageRunning)
		patch.Owner = w.id
		if _, err := r.registry.UpdateStage(stageCtx, j.ID, name, patch); err != nil {
			if interrupted, ok := r.interruption(ctx, err); ok {
				return stage.Output{}, interrupted, false
			}
			return stage.Output{}, outcome{kind: outcomeRetry, stage: name, message: "start stage: " + err.Error()}, false
		}
	}

	proc, ok := r.stages.Lookup(name)
	if !ok {
		return stage.Output{}, r.failStage(ctx, j.ID, name, "no processor configured for stage"), false
	}

	spanCtx, span := r.tracer.Start(stageCtx, "runner.stage", trace.WithAttributes(
		attribute.String("isn.stage", name),
		attribute.Int("isn.attempt", d.Attempt),
		attribute.Bool("isn.resumed", resumed),
	))
	defer span.End()

	stageLogger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Bool("resumed", resumed),
	)
	started := time.Now()
	out, err := proc.Process(spanCtx, stage.Input{
		JobID:    j.ID,
		Stage:    name,
		Model:    j.Request.ModelFor(name),
		Attempt:  d.Attempt,
		Request:  j.Request,
		Previous: previous,
	}, r.progressFunc(spanCtx, stageLogger, j.ID, name, w.id, sampler))
	if err != nil {
		span.RecordError(err)
		if interrupted, ok := r.interruption(ctx, err); ok {
			return stage.Output{}, interrupted, false
		}
		message := services.Details(err)
		span.SetStatus(codes.Error, message)
		if errors.Is(err, services.ErrTransient) {
			return stage.Output{}, outcome{kind: outcomeRetry, stage: name, message: name + ": " + message}, false
		}
		return stage.Output{}, r.failStage(ctx, j.ID, name, message), false
	}

	patch := registry.StageStatusPatch(job.StageCompleted)
	patch.Owner = w.id
	if _, err := r.registry.UpdateStage(stageCtx, j.ID, name, patch); err != nil {
		if interrupted, ok := r.interruption(ctx, err); ok {
			return stage.Output{}, interrupted, false
		}
		return stage.Output{}, outcome{kind: outcomeRetry, stage: name, message: "complete stage: " + err.Error()}, false
	}
	stageLogger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("elapsed", time.Since(started)),
		logging.String("artifact", out.Artifact),
	)
	return out, outcome{}, true
}

func (r *Runner) progressFunc(ctx context.Context, logger *slog.Logger, jobID, name, owner string, sampler *logging.ProgressSampler) stage.ProgressFunc {
	return func(percent float64) error {
		if ctx.Err() != nil {
			return stage.ErrCancelled
		}
		patch := registry.StageProgressPatch(percent)
		patch.Owner = owner
		if _, err := r.registry.UpdateStage(ctx, jobID, name, patch); err != nil {
			if stopsJob(err) {
				return stage.ErrCancelled
			}
			logger.Warn("stage progress update failed", logging.Error(err))
			return nil
		}
		if sampler.ShouldLog(name, percent) {
			logger.Info("stage progress",
				logging.String(logging.FieldEventType, "stage_progress"),
				logging.Float64("percent", job.ClampProgress(percent)),
			)
		}
		return nil
	}
}

func (r *Runner) failStage(ctx context.Context, jobID, name, message string) outcome {
	if _, err := r.registry.Fail(ctx, jobID, name, message); err != nil {
		if interrupted, ok := r.interruption(ctx, err); ok {
			return interrupted
		}
		return outcome{kind: outcomeRetry, stage: name, message: "record stage failure: " + err.Error()}
	}
	return outcome{kind: outcomeFailed, stage: name, message: name + ": " + message}
}

// interruption reports whether err means the job must not continue on this
// worker, and why.
func (r *Runner) interruption(ctx context.Context, err error) (outcome, bool) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errLeaseLost), errors.Is(cause, errJobReleased):
		return outcome{kind: outcomeStopped, message: cause.Error()}, true
	case ctx.Err() != nil:
		return outcome{kind: outcomeShutdown, message: "runner stopping"}, true
	case stopsJob(err), errors.Is(err, stage.ErrCancelled):
		return outcome{kind: outcomeStopped, message: err.Error()}, true
	}
	return outcome{}, false
}

// stopsJob matches registry errors raised once the job left running or
// changed owner.
func stopsJob(err error) bool {
	return errors.Is(err, registry.ErrTerminal) ||
		errors.Is(err, registry.ErrNotRunning) ||
		errors.Is(err, services.ErrClaimConflict)
}
