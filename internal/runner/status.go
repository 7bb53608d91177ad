package runner

import (
	"context"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/queue"
	"github.com/albatrossmedia/ISN-MVP/internal/stage"
)

// WorkerStatus describes one worker.
type WorkerStatus struct {
	ID    string     `json:"id"`
	Lane  job.Lane   `json:"lane"`
	JobID string     `json:"job_id,omitempty"`
	Stage string     `json:"stage,omitempty"`
	Since *time.Time `json:"since,omitempty"`
}

// StatusSummary represents lightweight runner diagnostics.
type StatusSummary struct {
	Running     bool              `json:"running"`
	LastError   string            `json:"last_error,omitempty"`
	LastJobID   string            `json:"last_job_id,omitempty"`
	Workers     []WorkerStatus    `json:"workers"`
	Lanes       []queue.LaneStats `json:"lanes,omitempty"`
	StageHealth []stage.Health    `json:"stage_health"`
}

// Status returns the latest runner information.
func (r *Runner) Status(ctx context.Context) StatusSummary {
	r.mu.RLock()
	running := r.running
	lastErr := r.lastErr
	lastJob := r.lastJob
	workers := append([]*worker(nil), r.workers...)
	r.mu.RUnlock()

	summary := StatusSummary{Running: running, LastJobID: lastJob}
	if lastErr != nil {
		summary.LastError = lastErr.Error()
	}
	summary.Workers = make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		summary.Workers = append(summary.Workers, w.snapshot())
	}

	stats, err := r.queue.Stats(ctx)
	if err != nil {
		r.logger.Warn("failed to read queue stats", logging.Error(err))
	}
	summary.Lanes = stats
	summary.StageHealth = r.stages.Health(ctx, r.cfg.Workflow.Stages)
	return summary
}
