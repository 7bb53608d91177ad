package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/services"
	"github.com/albatrossmedia/ISN-MVP/internal/tracing"
)

// traceMiddleware opens the request span and settles the trace id echoed in
// X-Trace-Id and carried on the request context.
func (s *server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, "http.request",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		id := strings.TrimSpace(r.Header.Get(TraceHeader))
		if id == "" {
			id = tracing.TraceID(ctx)
		}
		if id == "" {
			id = uuid.NewString()
		}
		ctx = services.WithRequestID(ctx, id)
		w.Header().Set(TraceHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger := logging.WithContext(r.Context(), s.logger)
		attrs := []logging.Attr{
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", status),
			logging.Duration("elapsed", time.Since(started)),
			logging.String("remote", r.RemoteAddr),
			logging.String(logging.FieldEventType, "http_request"),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("request failed", logging.Args(attrs...)...)
			return
		}
		logger.Debug("request served", logging.Args(attrs...)...)
	})
}

// authMiddleware validates bearer tokens. An empty token disables
// authentication. allowQuery also accepts an access_token query parameter.
func authMiddleware(token string, enc *encoder, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := ""
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				presented = strings.TrimPrefix(auth, "Bearer ")
			} else if allowQuery {
				presented = r.URL.Query().Get("access_token")
			}
			if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				enc.writeError(w, r, services.Wrap(services.ErrUnauthorized, "api", "auth", "missing or invalid bearer token", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
