package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/queue"
	"github.com/albatrossmedia/ISN-MVP/internal/routing"
	"github.com/albatrossmedia/ISN-MVP/internal/services"
)

// JobIDPrefix starts every generated job id.
const JobIDPrefix = "JOB-"

// Registry is the subset of the job registry admission needs.
type Registry interface {
	Create(ctx context.Context, j *job.Job) error
	Fail(ctx context.Context, id, stage, message string) (*job.Job, error)
}

// Admission is returned for every accepted request.
type Admission struct {
	JobID       string     `json:"job_id"`
	Status      job.Status `json:"status"`
	Lane        job.Lane   `json:"lane"`
	EnqueueTime time.Time  `json:"enqueue_time"`
	ReplayOf    string     `json:"replay_of,omitempty"`
}

// Dispatcher validates, routes, records and enqueues requests.
type Dispatcher struct {
	registry Registry
	queue    queue.Store
	policy   routing.Policy
	stages   []string
	retry    queue.RetryPolicy
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	tracer   trace.Tracer
	newID    func() string
	now      func() time.Time
	replayMu sync.Mutex
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithIDGenerator overrides job id generation.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.newID = fn
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New builds a Dispatcher from configuration.
func New(cfg *config.Config, reg Registry, store queue.Store, logger *slog.Logger, opts ...Option) *Dispatcher {
	logger = logging.NewComponentLogger(logger, "dispatcher")
	d := &Dispatcher{
		registry: reg,
		queue:    store,
		policy:   routing.PolicyFromConfig(cfg.Routing),
		stages:   append([]string(nil), cfg.Workflow.Stages...),
		retry:    queue.RetryPolicyFromConfig(cfg),
		logger:   logger,
		tracer:   otel.Tracer("github.com/albatrossmedia/ISN-MVP/internal/dispatch"),
		newID:    func() string { return JobIDPrefix + uuid.NewString() },
		now:      time.Now,
	}
	failures := uint32(max(cfg.Queue.BreakerFailures, 1))
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "queue-enqueue",
		Timeout: time.Duration(cfg.Queue.BreakerCooldown) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()),
				logging.String(logging.FieldEventType, "breaker_state"),
			)
		},
	})
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit admits req. On return the job exists in the registry: queued when
// the enqueue succeeded, failed otherwise. Validation failures create nothing.
func (d *Dispatcher) Submit(ctx context.Context, req job.Request) (Admission, error) {
	return d.admit(ctx, req, "")
}

// Replay admits a dead letter's request again as a new job linked to the
// original through replay_of. The dead letter is removed only once the new
// job is admitted, so a failed replay can be retried.
func (d *Dispatcher) Replay(ctx context.Context, deadLetterID string) (Admission, error) {
	d.replayMu.Lock()
	defer d.replayMu.Unlock()

	dl, err := d.queue.DeadLetter(ctx, deadLetterID)
	if errors.Is(err, queue.ErrDeadLetterNotFound) {
		return Admission{}, services.Wrap(services.ErrNotFound, "dispatcher", "replay", "dead letter "+deadLetterID+" not found", nil)
	}
	if err != nil {
		return Admission{}, services.Wrap(services.ErrTransient, "dispatcher", "replay", "load dead letter", err)
	}
	d.logger.Info("replaying dead letter",
		logging.String("delivery_id", dl.ID),
		logging.String("replay_of", dl.Descriptor.JobID),
		logging.String(logging.FieldEventType, "dead_letter_replay"),
	)
	admission, err := d.admit(ctx, dl.Descriptor.Request, dl.Descriptor.JobID)
	if err != nil {
		return Admission{}, err
	}
	if _, err := d.queue.TakeDeadLetter(context.WithoutCancel(ctx), dl.ID); err != nil {
		d.logger.Warn("dead letter not removed after replay",
			logging.String("delivery_id", dl.ID),
			logging.String("job_id", admission.JobID),
			logging.Error(err),
			logging.String(logging.FieldEventType, "dead_letter_take_failed"),
			logging.String(logging.FieldErrorHint, "the dead letter may be replayed again; check queue backend connectivity"),
		)
	}
	return admission, nil
}

func (d *Dispatcher) admit(ctx context.Context, req job.Request, replayOf string) (Admission, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.submit")
	defer span.End()

	if err := Validate(req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return Admission{}, err
	}

	req = req.Clone()
	lane := d.policy.Route(req)
	id := d.newID()
	span.SetAttributes(
		attribute.String("isn.job_id", id),
		attribute.String("isn.lane", string(lane)),
		attribute.String("isn.tenant_id", req.Tenant()),
	)
	ctx = services.WithJobID(ctx, id)
	ctx = services.WithLane(ctx, string(lane))
	ctx = services.WithTenant(ctx, req.Tenant())
	logger := logging.WithContext(ctx, d.logger)

	record := &job.Job{
		ID:       id,
		TenantID: req.Tenant(),
		Lane:     lane,
		Request:  req,
		Stages:   job.NewStages(d.stages),
		ReplayOf: replayOf,
	}
	if err := d.registry.Create(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registry create failed")
		return Admission{}, services.Wrap(services.ErrTransient, "dispatcher", "create", "record job", err)
	}

	desc := queue.Descriptor{
		JobID:    id,
		TenantID: record.TenantID,
		Lane:     lane,
		Request:  req,
	}
	if strings.TrimSpace(req.LatencyClass) != "" {
		desc.Priority = 1
	}
	deliveryID, err := d.enqueue(ctx, desc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		failCtx := context.WithoutCancel(ctx)
		if _, failErr := d.registry.Fail(failCtx, id, "", "enqueue failed: "+err.Error()); failErr != nil {
			logging.ErrorWithContext(logger, "failed to record enqueue failure", "enqueue_failure_record",
				logging.Error(failErr),
				logging.String(logging.FieldErrorHint, "job may remain queued without a delivery; cancel it manually"),
			)
		}
		logging.WarnWithContext(logger, "job enqueue failed", "enqueue_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
			logging.String(logging.FieldImpact, "job marked failed"),
		)
		return Admission{}, services.Wrap(services.ErrEnqueueFailure, "dispatcher", "enqueue", "job "+id+" could not be enqueued", err)
	}

	admission := Admission{
		JobID:       id,
		Status:      job.StatusQueued,
		Lane:        lane,
		EnqueueTime: d.now().UTC(),
		ReplayOf:    replayOf,
	}
	logger.Info("job admitted",
		logging.String("delivery_id", deliveryID),
		logging.Float64("media_duration_s", req.Duration()),
		logging.String("latency_class", req.LatencyClass),
		logging.String(logging.FieldEventType, "job_admitted"),
	)
	return admission, nil
}

// enqueue retries transient queue failures with the configured backoff. An
// open breaker fails immediately.
func (d *Dispatcher) enqueue(ctx context.Context, desc queue.Descriptor) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		out, err := d.breaker.Execute(func() (interface{}, error) {
			return d.queue.Enqueue(ctx, desc)
		})
		if err == nil {
			return out.(string), nil
		}
		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt == d.retry.MaxAttempts {
			break
		}
		delay := d.retry.Delay(attempt)
		d.logger.Debug("enqueue retry scheduled",
			logging.String(logging.FieldJobID, desc.JobID),
			logging.Int(logging.FieldAttempt, attempt),
			logging.Duration("delay", delay),
			logging.Error(err),
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", fmt.Errorf("after retries: %w", lastErr)
}
