package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/albatrossmedia/ISN-MVP/internal/api"
	"github.com/albatrossmedia/ISN-MVP/internal/config"
	"github.com/albatrossmedia/ISN-MVP/internal/dispatch"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/notifications"
	"github.com/albatrossmedia/ISN-MVP/internal/preflight"
	"github.com/albatrossmedia/ISN-MVP/internal/queue"
	"github.com/albatrossmedia/ISN-MVP/internal/realtime"
	"github.com/albatrossmedia/ISN-MVP/internal/registry"
	"github.com/albatrossmedia/ISN-MVP/internal/runner"
	"github.com/albatrossmedia/ISN-MVP/internal/stage"
	"github.com/albatrossmedia/ISN-MVP/internal/storage"
)

// Daemon coordinates the orchestration services and enforces single-instance
// execution.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	db         *sql.DB
	registry   *registry.Registry
	queue      queue.Store
	hub        *realtime.Hub
	dispatcher *dispatch.Dispatcher
	runner     *runner.Runner
	notifier   notifications.Service
	api        *apiServer

	lockPath string
	lock     *flock.Flock

	running   atomic.Bool
	mu        sync.RWMutex
	startedAt time.Time
	checks    []preflight.Result
	cancel    context.CancelFunc
}

// Option customizes a Daemon.
type Option func(*options)

type options struct {
	version    string
	processors stage.Set
	notifier   notifications.Service
}

// WithVersion sets the version reported by status and notifications.
func WithVersion(v string) Option {
	return func(o *options) { o.version = strings.TrimSpace(v) }
}

// WithProcessors replaces the stage processors built from configuration.
func WithProcessors(set stage.Set) Option {
	return func(o *options) { o.processors = set }
}

// WithNotifier replaces the ntfy notifier built from configuration.
func WithNotifier(n notifications.Service) Option {
	return func(o *options) { o.notifier = n }
}

// New opens storage and wires the registry, queue, dispatcher, runner and
// HTTP API. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.notifier == nil {
		o.notifier = notifications.NewService(cfg)
	}
	if o.processors == nil {
		o.processors = stage.NewProcessors(cfg, logger)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		version:  o.version,
		db:       db,
		notifier: o.notifier,
		hub:      realtime.NewHub(cfg.Realtime.SubscriberBuffer, logger),
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}

	d.registry, err = registry.New(ctx, db, registry.WithEventSink(d.hub), registry.WithLogger(logger))
	if err != nil {
		d.closeStorage()
		return nil, fmt.Errorf("open registry: %w", err)
	}
	d.queue, err = queue.Open(ctx, cfg, db,
		queue.WithLogger(logger),
		queue.WithDeadLetterHook(runner.DeadLetterHandler(d.registry, d.notifier, logger)),
	)
	if err != nil {
		d.closeStorage()
		return nil, fmt.Errorf("open queue: %w", err)
	}
	d.dispatcher = dispatch.New(cfg, d.registry, d.queue, logger)
	d.runner = runner.New(cfg, d.registry, d.queue, o.processors, logger, runner.WithNotifier(d.notifier))

	handler := api.NewRouter(api.Dependencies{
		Dispatcher: d.dispatcher,
		Jobs:       d.registry,
		Queue:      d.queue,
		Realtime: realtime.NewHandler(d.hub, d.registry, realtime.HandlerOptions{
			AllowedOrigins: cfg.Realtime.AllowedOrigins,
			PingInterval:   time.Duration(cfg.Realtime.PingInterval) * time.Second,
			Logger:         logger,
		}),
		Status: d.Status,
	}, api.Options{
		Token:          cfg.API.Token,
		QueueBackend:   d.queueBackend(),
		RequestTimeout: time.Duration(cfg.API.WriteTimeout) * time.Second,
		Logger:         logger,
	})
	d.api = newAPIServer(cfg, handler, logger)
	return d, nil
}

// Start acquires the daemon lock, runs preflight checks, starts the runner
// and begins serving the API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another isn daemon instance is already running")
	}

	checks := preflight.RunAll(ctx, d.cfg, d.queue)
	for _, failed := range preflight.Failed(checks) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", failed.Name),
			logging.String("detail", failed.Detail),
			logging.String(logging.FieldImpact, "daemon keeps running; affected jobs may fail"),
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.runner.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start runner: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		d.runner.Stop()
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	d.mu.Lock()
	d.cancel = cancel
	d.checks = checks
	d.startedAt = time.Now().UTC()
	d.mu.Unlock()
	d.running.Store(true)

	d.logger.Info("isn daemon started",
		logging.String("lock", d.lockPath),
		logging.String("bind", d.Addr()),
		logging.String("queue_backend", d.queueBackend()),
		logging.String("version", d.version),
	)
	if err := d.notifier.NotifyDaemonStarted(ctx, d.Addr()); err != nil {
		d.logger.Debug("daemon start notification failed", logging.Error(err))
	}
	return nil
}

// Stop drains the API and workers and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}

	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	startedAt := d.startedAt
	d.mu.Unlock()

	d.api.stop()
	if cancel != nil {
		cancel()
	}
	d.runner.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}

	uptime := time.Since(startedAt)
	notifyCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := d.notifier.NotifyDaemonStopped(notifyCtx, uptime); err != nil {
		d.logger.Debug("daemon stop notification failed", logging.Error(err))
	}
	d.logger.Info("isn daemon stopped", logging.Duration("uptime", uptime))
}

// Close stops the daemon and releases storage.
func (d *Daemon) Close() error {
	d.Stop()
	d.hub.Close()
	return d.closeStorage()
}

func (d *Daemon) closeStorage() error {
	var errs []error
	if d.queue != nil {
		errs = append(errs, d.queue.Close())
		d.queue = nil
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
		d.db = nil
	}
	return errors.Join(errs...)
}

// Addr returns the API listen address, resolved once serving.
func (d *Daemon) Addr() string {
	return d.api.addr()
}

// Registry exposes the job registry for in-process callers.
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// Dispatcher exposes the admission path for in-process callers.
func (d *Daemon) Dispatcher() *dispatch.Dispatcher {
	return d.dispatcher
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	d.mu.RLock()
	startedAt := d.startedAt
	checks := d.checks
	d.mu.RUnlock()

	status := api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Version:      d.version,
		Bind:         d.Addr(),
		DatabasePath: d.cfg.DatabasePath(),
		LockFilePath: d.lockPath,
		LogPath:      d.cfg.LogPath(),
		QueueBackend: d.queueBackend(),
		Runner:       d.runner.Status(ctx),
		Realtime:     d.hub.Stats(),
	}
	if status.Running {
		status.StartedAt = startedAt
		status.Uptime = time.Since(startedAt).Round(time.Second).String()
	}
	counts, err := d.registry.Counts(ctx)
	if err != nil {
		d.logger.Warn("failed to count jobs", logging.Error(err))
	}
	status.Jobs = counts
	for _, check := range checks {
		status.Checks = append(status.Checks, api.CheckStatus{
			Name:   check.Name,
			Passed: check.Passed,
			Detail: check.Detail,
		})
	}
	return status
}

// TestNotification triggers a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

func (d *Daemon) queueBackend() string {
	backend := strings.ToLower(strings.TrimSpace(d.cfg.Queue.Backend))
	if backend == "" {
		return "sqlite"
	}
	return backend
}
