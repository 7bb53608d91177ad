package api

import (
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/queue"
	"github.com/albatrossmedia/ISN-MVP/internal/realtime"
	"github.com/albatrossmedia/ISN-MVP/internal/runner"
)

// TraceHeader carries the correlation id on requests and responses.
const TraceHeader = "X-Trace-Id"

// ErrorEnvelope is the body of every non-2xx response.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id"`
}

// CancelResponse reports the outcome of a terminate request. Accepted is false
// when the job was already terminal; Status is then the unchanged status.
type CancelResponse struct {
	JobID    string     `json:"job_id"`
	Status   job.Status `json:"status"`
	Accepted bool       `json:"accepted"`
}

// JobListResponse wraps a filtered job listing.
type JobListResponse struct {
	Jobs []job.Job `json:"jobs"`
}

// QueueStatsResponse lists per-lane queue depth.
type QueueStatsResponse struct {
	Backend string            `json:"backend"`
	Lanes   []queue.LaneStats `json:"lanes"`
}

// DeadLettersResponse lists dead-lettered deliveries.
type DeadLettersResponse struct {
	DeadLetters []queue.DeadLetter `json:"dead_letters"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Queue  string `json:"queue"`
	Error  string `json:"error,omitempty"`
}

// CheckStatus captures one preflight check result.
type CheckStatus struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool                 `json:"running"`
	PID          int                  `json:"pid"`
	Version      string               `json:"version,omitempty"`
	Bind         string               `json:"bind"`
	DatabasePath string               `json:"database_path"`
	LockFilePath string               `json:"lock_file_path"`
	LogPath      string               `json:"log_path,omitempty"`
	QueueBackend string               `json:"queue_backend"`
	StartedAt    time.Time            `json:"started_at"`
	Uptime       string               `json:"uptime"`
	Jobs         map[job.Status]int   `json:"jobs"`
	Runner       runner.StatusSummary `json:"runner"`
	Realtime     realtime.Stats       `json:"realtime"`
	Checks       []CheckStatus        `json:"checks,omitempty"`
}
