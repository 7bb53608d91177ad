package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/notifications"
	"github.com/albatrossmedia/ISN-MVP/internal/queue"
	"github.com/albatrossmedia/ISN-MVP/internal/registry"
	"github.com/albatrossmedia/ISN-MVP/internal/stage"
)

const workerIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Runner owns one worker pool per lane. Workers of a lane only ever claim
// from that lane, so a backlog in bulk never delays realtime work.
type Runner struct {
	cfg      *config.Config
	registry *registry.Registry
	queue    queue.Store
	stages   stage.Set
	notifier notifications.Service
	logger   *slog.Logger
	tracer   trace.Tracer
	newID    func(lane job.Lane) string

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	errorRetry        time.Duration

	watchdog *Watchdog

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers []*worker
	lastErr error
	lastJob string
}

// Option customizes a Runner.
type Option func(*Runner)

// WithNotifier sets the notifier used for failed jobs.
func WithNotifier(n notifications.Service) Option {
	return func(r *Runner) {
		if n != nil {
			r.notifier = n
		}
	}
}

// New builds a runner. Workers start with Start.
func New(cfg *config.Config, reg *registry.Registry, store queue.Store, stages stage.Set, logger *slog.Logger, opts ...Option) *Runner {
	logger = logging.NewComponentLogger(logger, "runner")
	r := &Runner{
		cfg:               cfg,
		registry:          reg,
		queue:             store,
		stages:            stages,
		notifier:          notifications.NewService(cfg),
		logger:            logger,
		tracer:            otel.Tracer("github.com/albatrossmedia/ISN-MVP/internal/runner"),
		newID:             defaultWorkerID,
		pollInterval:      cfg.PollInterval(),
		heartbeatInterval: cfg.HeartbeatInterval(),
		errorRetry:        time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
	}
	if r.pollInterval <= 0 {
		r.pollInterval = 500 * time.Millisecond
	}
	if r.heartbeatInterval <= 0 {
		r.heartbeatInterval = 15 * time.Second
	}
	if r.errorRetry <= 0 {
		r.errorRetry = 10 * time.Second
	}
	r.watchdog = NewWatchdog(reg, r.heartbeatInterval, cfg.HeartbeatTimeout(), logger)
	for _, opt := range opts {
		opt(r)
	}
	if r.watchdog != nil {
		r.watchdog.notifier = r.notifier
	}
	return r
}

func defaultWorkerID(lane job.Lane) string {
	return "wkr_" + string(lane) + "_" + gonanoid.MustGenerate(workerIDAlphabet, 8)
}

// Start launches the lane worker pools and the watchdog.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("runner already running")
	}
	if len(r.stages) == 0 {
		r.mu.Unlock()
		return errors.New("no stage processors configured")
	}

	workers := make([]*worker, 0)
	for _, lane := range job.Lanes() {
		for i := 0; i < r.cfg.LaneWorkers(string(lane)); i++ {
			id := r.newID(lane)
			workers = append(workers, &worker{
				id:     id,
				lane:   lane,
				logger: r.logger.With(logging.String(logging.FieldLane, string(lane)), logging.String(logging.FieldWorker, id)),
			})
		}
	}
	if len(workers) == 0 {
		r.mu.Unlock()
		return errors.New("no lane workers configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.workers = workers
	r.wg.Add(len(workers))
	if r.watchdog != nil {
		r.wg.Add(1)
	}
	r.mu.Unlock()

	for _, w := range workers {
		go r.runWorker(runCtx, w)
	}
	if r.watchdog != nil {
		go func() {
			defer r.wg.Done()
			r.watchdog.Run(runCtx)
		}()
	}

	r.logger.Info("runner started",
		logging.Int("workers", len(workers)),
		logging.Int("stages", len(r.stages)),
		logging.String(logging.FieldEventType, "runner_start"),
	)
	return nil
}

// Stop cancels every worker and waits for in-flight jobs to hand their
// deliveries back.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.logger.Info("runner stopped", logging.String(logging.FieldEventType, "runner_stop"))
}

func (r *Runner) setLastError(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

func (r *Runner) setLastJob(id string) {
	r.mu.Lock()
	r.lastJob = id
	r.mu.Unlock()
}

func (r *Runner) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
