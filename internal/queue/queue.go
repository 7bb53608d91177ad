package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
)

// ErrLeaseLost is returned when a delivery's lease expired or was taken over
// before the caller acknowledged or extended it.
var ErrLeaseLost = errors.New("delivery lease lost")

// ErrDeadLetterNotFound is returned when replaying an unknown dead letter.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// Descriptor is the message placed on a lane.
type Descriptor struct {
	JobID    string      `json:"job_id"`
	TenantID string      `json:"tenant_id"`
	Lane     job.Lane    `json:"lane"`
	Request  job.Request `json:"payload"`
	Priority int         `json:"priority,omitempty"`
}

// Delivery is a leased descriptor. Attempt starts at 1 on the first claim.
type Delivery struct {
	ID           string
	Descriptor   Descriptor
	Attempt      int
	Consumer     string
	LeaseExpires time.Time
	EnqueuedAt   time.Time
}

// DeadLetter is a descriptor that exhausted its retry budget.
type DeadLetter struct {
	ID         string     `json:"id"`
	Descriptor Descriptor `json:"descriptor"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	FailedAt   time.Time  `json:"failed_at"`
}

// LaneStats summarizes one lane.
type LaneStats struct {
	Lane    job.Lane `json:"lane"`
	Ready   int      `json:"ready"`
	Delayed int      `json:"delayed"`
	Leased  int      `json:"leased"`
	Dead    int      `json:"dead"`
}

// Outcome describes what Nack did with a delivery.
type Outcome string

const (
	OutcomeRetry Outcome = "retry"
	OutcomeDead  Outcome = "dead"
)

// NackResult reports the outcome of a negative acknowledgement.
type NackResult struct {
	Outcome Outcome
	Attempt int
	Delay   time.Duration
}

// Store is a lane-partitioned work queue with at-least-once delivery.
type Store interface {
	// Enqueue appends d to its lane and returns the delivery id.
	Enqueue(ctx context.Context, d Descriptor) (string, error)
	// Claim leases the next ready delivery on lane for consumer. It returns
	// nil without error when the lane is empty.
	Claim(ctx context.Context, lane job.Lane, consumer string) (*Delivery, error)
	// Ack removes a delivery the consumer finished with.
	Ack(ctx context.Context, d *Delivery) error
	// Nack schedules a retry with backoff or dead-letters the delivery once
	// the retry budget is spent.
	Nack(ctx context.Context, d *Delivery, reason string) (NackResult, error)
	// Release hands a leased delivery back to its lane immediately, without
	// backoff or a dead-letter check. The attempt counter is kept so the next
	// claim still fences out the previous consumer.
	Release(ctx context.Context, d *Delivery) error
	// Extend renews the lease of a delivery still held by its consumer.
	Extend(ctx context.Context, d *Delivery) error
	// DeadLetters lists dead letters, optionally restricted to lane.
	DeadLetters(ctx context.Context, lane job.Lane, limit int) ([]DeadLetter, error)
	// DeadLetter returns one dead letter without removing it.
	DeadLetter(ctx context.Context, id string) (*DeadLetter, error)
	// TakeDeadLetter removes and returns a dead letter for replay.
	TakeDeadLetter(ctx context.Context, id string) (*DeadLetter, error)
	// Stats returns per-lane counts for every lane.
	Stats(ctx context.Context) ([]LaneStats, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// DeadLetterHook runs after a delivery is dead-lettered by Nack or by
// lease expiry during Claim.
type DeadLetterHook func(ctx context.Context, dl DeadLetter)

type options struct {
	policy     RetryPolicy
	visibility time.Duration
	now        func() time.Time
	logger     *slog.Logger
	onDead     DeadLetterHook
}

// Option customizes a Store.
type Option func(*options)

// WithRetryPolicy sets the redelivery policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *options) { o.policy = policy.normalized() }
}

// WithVisibilityTimeout sets how long a claim stays leased without Extend.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.visibility = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logging.NewComponentLogger(logger, "queue") }
}

// WithDeadLetterHook registers fn to run for every new dead letter.
func WithDeadLetterHook(fn DeadLetterHook) Option {
	return func(o *options) { o.onDead = fn }
}

func buildOptions(opts []Option) options {
	o := options{
		policy:     DefaultRetryPolicy(),
		visibility: 2 * time.Minute,
		now:        time.Now,
		logger:     logging.NewComponentLogger(nil, "queue"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) deadLettered(ctx context.Context, dl DeadLetter) {
	o.logger.Warn("delivery dead-lettered",
		logging.String(logging.FieldJobID, dl.Descriptor.JobID),
		logging.String(logging.FieldLane, string(dl.Descriptor.Lane)),
		logging.Int(logging.FieldAttempt, dl.Attempts),
		logging.String("delivery_id", dl.ID),
		logging.String(logging.FieldEventType, "dead_letter"),
		logging.String(logging.FieldErrorHint, dl.LastError),
		logging.String(logging.FieldImpact, "job will not be retried automatically"),
	)
	if o.onDead != nil {
		o.onDead(ctx, dl)
	}
}
