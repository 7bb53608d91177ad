package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/registry"
	"github.com/albatrossmedia/ISN-MVP/internal/services"
)

const (
	maxRequestBody   = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req job.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		s.encoder.writeError(w, r, services.Wrap(services.ErrInvalidRequest, "api", "submit", "malformed request body", err))
		return
	}
	adm, err := s.deps.Dispatcher.Submit(r.Context(), req)
	if err != nil {
		s.encoder.writeError(w, r, err)
		return
	}
	s.encoder.writeJSON(w, http.StatusAccepted, adm)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.encoder.writeError(w, r, err)
		return
	}
	s.encoder.writeJSON(w, http.StatusOK, j)
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.encoder.writeError(w, r, err)
		return
	}
	jobs, err := s.deps.Jobs.List(r.Context(), filter)
	if err != nil {
		s.encoder.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	s.encoder.writeJSON(w, http.StatusOK, JobListResponse{Jobs: jobs})
}

func (s *server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	j, changed, err := s.deps.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.encoder.writeError(w, r, err)
		return
	}
	s.encoder.writeJSON(w, http.StatusAccepted, CancelResponse{JobID: j.ID, Status: j.Status, Accepted: changed})
}

// parseFilter reads status (repeated or comma separated), tenant, lane and
// limit from the query string.
func parseFilter(r *http.Request) (registry.Filter, error) {
	query := r.URL.Query()
	filter := registry.Filter{TenantID: strings.TrimSpace(query.Get("tenant")), Limit: defaultListLimit}

	for _, value := range query["status"] {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status, ok := job.ParseStatus(part)
			if !ok {
				return filter, invalidQuery("unknown status %q", part)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if value := strings.TrimSpace(query.Get("lane")); value != "" {
		lane, ok := job.ParseLane(value)
		if !ok {
			return filter, invalidQuery("unknown lane %q", value)
		}
		filter.Lane = lane
	}
	limit, err := parseLimit(query.Get("limit"), defaultListLimit)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit
	return filter, nil
}

func parseLimit(value string, fallback int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 {
		return 0, invalidQuery("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func invalidQuery(format string, args ...any) error {
	return services.Wrap(services.ErrInvalidRequest, "api", "query", fmt.Sprintf(format, args...), nil)
}
