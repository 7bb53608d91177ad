package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/albatrossmedia/ISN-MVP/internal/dispatch"
	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/queue"
	"github.com/albatrossmedia/ISN-MVP/internal/registry"
)

const defaultRequestTimeout = 30 * time.Second

// Dispatcher admits requests and replays dead letters.
type Dispatcher interface {
	Submit(ctx context.Context, req job.Request) (dispatch.Admission, error)
	Replay(ctx context.Context, deadLetterID string) (dispatch.Admission, error)
}

// Jobs is the registry read and cancel path.
type Jobs interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, filter registry.Filter) ([]job.Job, error)
	Cancel(ctx context.Context, id string) (*job.Job, bool, error)
}

// StatusFunc reports the daemon summary served at /v1/status.
type StatusFunc func(ctx context.Context) DaemonStatus

// Dependencies are the collaborators the router serves.
type Dependencies struct {
	Dispatcher Dispatcher
	Jobs       Jobs
	Queue      queue.Store
	Realtime   http.Handler
	Status     StatusFunc
}

// Options tune the router.
type Options struct {
	Token          string
	QueueBackend   string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type server struct {
	deps    Dependencies
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	encoder *encoder
}

// NewRouter builds the HTTP handler. Request-scoped routes run under a
// timeout; the WebSocket route is exempt since its connection outlives it.
func NewRouter(deps Dependencies, opts Options) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	logger := logging.NewComponentLogger(opts.Logger, "api")
	s := &server{
		deps:    deps,
		opts:    opts,
		logger:  logger,
		tracer:  otel.Tracer("github.com/albatrossmedia/ISN-MVP/internal/api"),
		encoder: &encoder{logger: logger},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.traceMiddleware)
	r.Use(s.logMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(opts.Token, s.encoder, false))
		r.Use(middleware.Timeout(opts.RequestTimeout))

		r.Post("/models/run", s.handleSubmit)
		r.Route("/v1", func(r chi.Router) {
			r.Post("/jobs", s.handleSubmit)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Post("/jobs/{id}/terminate", s.handleCancelJob)
			r.Post("/jobs/{id}/cancel", s.handleCancelJob)

			r.Get("/queue/stats", s.handleQueueStats)
			r.Get("/queue/dead-letters", s.handleDeadLetters)
			r.Post("/queue/dead-letters/{id}/replay", s.handleReplay)

			r.Get("/status", s.handleStatus)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(opts.Token, s.encoder, true))
		r.Get("/v1/ws", s.handleRealtime)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.encoder.writeEnvelope(w, r, http.StatusNotFound, "ERR_NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.encoder.writeEnvelope(w, r, http.StatusMethodNotAllowed, "ERR_METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}
