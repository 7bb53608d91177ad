package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/queue"
	"github.com/albatrossmedia/ISN-MVP/internal/services"
)

func (s *server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.encoder.writeError(w, r, services.Wrap(services.ErrTransient, "api", "queue stats", "read queue stats", err))
		return
	}
	s.encoder.writeJSON(w, http.StatusOK, QueueStatsResponse{Backend: s.opts.QueueBackend, Lanes: stats})
}

func (s *server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var lane job.Lane
	if value := strings.TrimSpace(query.Get("lane")); value != "" {
		parsed, ok := job.ParseLane(value)
		if !ok {
			s.encoder.writeError(w, r, invalidQuery("unknown lane %q", value))
			return
		}
		lane = parsed
	}
	limit, err := parseLimit(query.Get("limit"), defaultListLimit)
	if err != nil {
		s.encoder.writeError(w, r, err)
		return
	}
	letters, err := s.deps.Queue.DeadLetters(r.Context(), lane, limit)
	if err != nil {
		s.encoder.writeError(w, r, services.Wrap(services.ErrTransient, "api", "dead letters", "read dead letters", err))
		return
	}
	if letters == nil {
		letters = []queue.DeadLetter{}
	}
	s.encoder.writeJSON(w, http.StatusOK, DeadLettersResponse{DeadLetters: letters})
}

func (s *server) handleReplay(w http.ResponseWriter, r *http.Request) {
	adm, err := s.deps.Dispatcher.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.encoder.writeError(w, r, err)
		return
	}
	s.encoder.writeJSON(w, http.StatusAccepted, adm)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		s.encoder.writeJSON(w, http.StatusOK, DaemonStatus{})
		return
	}
	s.encoder.writeJSON(w, http.StatusOK, s.deps.Status(r.Context()))
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.encoder.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Queue: "absent"})
		return
	}
	if err := s.deps.Queue.Ping(r.Context()); err != nil {
		s.encoder.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Queue: "unreachable", Error: err.Error()})
		return
	}
	s.encoder.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Queue: "ok"})
}

func (s *server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if s.deps.Realtime == nil {
		s.encoder.writeEnvelope(w, r, http.StatusServiceUnavailable, services.CodeInternal, "realtime channel disabled")
		return
	}
	s.deps.Realtime.ServeHTTP(w, r)
}
