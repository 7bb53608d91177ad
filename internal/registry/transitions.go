package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/services"
	"github.com/albatrossmedia/ISN-MVP/internal/storage"
)

// change describes what a mutation touched so the right events are emitted.
type change struct {
	noop          bool
	status        bool
	stage         int
	progress      bool
	progressStage string
}

func noChange() change { return change{noop: true, stage: -1} }

func statusChange() change { return change{status: true, stage: -1} }

type mutation func(j *job.Job, now time.Time) (change, error)

// mutate loads the job, applies fn and persists the result in one
// transaction while holding the job's lock. Events are published after
// commit, still under the lock, so subscribers observe commit order.
func (r *Registry) mutate(ctx context.Context, id string, fn mutation) (*job.Job, change, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	var (
		snapshot *job.Job
		applied  change
	)
	err := storage.RetryOnBusy(ctx, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return services.Wrap(services.ErrNotFound, "registry", "mutate", "job "+id+" not found", nil)
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}

		now := r.now().UTC()
		working := current.Clone()
		applied, err = fn(&working, now)
		if err != nil {
			snapshot = current
			return err
		}
		if applied.noop {
			snapshot = current
			return nil
		}
		working.UpdatedAt = nextUpdatedAt(current.UpdatedAt, now)
		row, err := encodeJob(&working)
		if err != nil {
			return err
		}
		args := append(row.args()[1:], working.ID)
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET
			tenant_id = ?, lane = ?, status = ?, progress = ?, stages_json = ?, request_json = ?,
			result_json = ?, error_message = ?, attempt = ?, owner = ?, replay_of = ?,
			created_at = ?, updated_at = ?, started_at = ?, finished_at = ?, heartbeat_at = ?
			WHERE id = ?`, args...); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit job: %w", err)
		}
		snapshot = &working
		return nil
	})
	if err != nil {
		return snapshot, applied, err
	}
	if !applied.noop {
		r.emit(*snapshot, applied)
	}
	return snapshot, applied, nil
}

// nextUpdatedAt keeps updated_at strictly increasing per job. Realtime
// clients use it to tell a snapshot from the events it already covers.
func nextUpdatedAt(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}

func (r *Registry) emit(j job.Job, c change) {
	if c.stage >= 0 && c.stage < len(j.Stages) {
		r.publish(job.NewStageEvent(j.Clone(), c.stage))
	}
	if c.progress {
		r.publish(job.NewProgressEvent(j.Clone(), c.progressStage))
	}
	if c.status {
		r.publish(job.NewStatusEvent(j.Clone()))
	}
}

// Claim moves a queued job to running for owner. attempt is the delivery
// attempt carrying the claim; a running job is only taken over by a strictly
// higher attempt, which happens when the previous owner's lease expired.
// Duplicate claims return ErrClaimConflict and change nothing.
func (r *Registry) Claim(ctx context.Context, id, owner string, attempt int) (*job.Job, error) {
	j, _, err := r.mutate(ctx, id, func(j *job.Job, now time.Time) (change, error) {
		switch j.Status {
		case job.StatusQueued:
		case job.StatusRunning:
			if attempt <= j.Attempt {
				return noChange(), services.Wrap(services.ErrClaimConflict, "registry", "claim",
					fmt.Sprintf("job %s already running under attempt %d (owner %s)", j.ID, j.Attempt, j.Owner), nil)
			}
			r.logger.Info("running job taken over",
				logging.String(logging.FieldJobID, j.ID),
				logging.String("previous_owner", j.Owner),
				logging.String(logging.FieldWorker, owner),
				logging.Int(logging.FieldAttempt, attempt),
				logging.String(logging.FieldEventType, "job_takeover"),
			)
			j.Owner = owner
			j.Attempt = attempt
			j.HeartbeatAt = &now
			return change{stage: -1}, nil
		default:
			return noChange(), fmt.Errorf("%w: %s is %s", ErrTerminal, j.ID, j.Status)
		}
		j.Status = job.StatusRunning
		j.Owner = owner
		j.Attempt = attempt
		j.StartedAt = &now
		j.HeartbeatAt = &now
		return statusChange(), nil
	})
	return j, err
}

// StagePatch changes one stage. Nil fields are left untouched. A non-empty
// Owner fences the patch to the worker that currently holds the claim.
type StagePatch struct {
	Status   *job.StageStatus
	Progress *float64
	Error    string
	Owner    string
}

// StageStatusPatch is a convenience for a status-only patch.
func StageStatusPatch(status job.StageStatus) StagePatch {
	return StagePatch{Status: &status}
}

// StageProgressPatch is a convenience for a progress-only patch.
func StageProgressPatch(progress float64) StagePatch {
	return StagePatch{Progress: &progress}
}

// UpdateStage is the only way stage fields change. A stage may start only
// after every earlier stage completed. Progress that would regress within a
// running stage is ignored. Marking a stage failed fails the job.
func (r *Registry) UpdateStage(ctx context.Context, id, stage string, patch StagePatch) (*job.Job, error) {
	j, _, err := r.mutate(ctx, id, func(j *job.Job, now time.Time) (change, error) {
		return applyStagePatch(j, stage, patch, now)
	})
	return j, err
}

func applyStagePatch(j *job.Job, stage string, patch StagePatch, now time.Time) (change, error) {
	if j.Status.IsTerminal() {
		return noChange(), fmt.Errorf("%w: %s is %s", ErrTerminal, j.ID, j.Status)
	}
	if j.Status != job.StatusRunning {
		return noChange(), fmt.Errorf("%w: %s is %s", ErrNotRunning, j.ID, j.Status)
	}
	if patch.Owner != "" && patch.Owner != j.Owner {
		return noChange(), services.Wrap(services.ErrClaimConflict, "registry", "update stage",
			fmt.Sprintf("job %s owned by %s", j.ID, j.Owner), nil)
	}
	idx := j.StageIndex(stage)
	if idx < 0 {
		return noChange(), fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	current := &j.Stages[idx]
	c := change{stage: -1}

	if patch.Status != nil && *patch.Status != current.Status {
		next := *patch.Status
		switch next {
		case job.StageRunning:
			if current.Status != job.StagePending {
				return noChange(), fmt.Errorf("%w: stage %s is %s", ErrStageOrder, stage, current.Status)
			}
			for i := 0; i < idx; i++ {
				if j.Stages[i].Status != job.StageCompleted {
					return noChange(), fmt.Errorf("%w: stage %s cannot start before %s completes", ErrStageOrder, stage, j.Stages[i].Name)
				}
			}
			current.Status = job.StageRunning
			current.StartedAt = &now
			current.Error = ""
		case job.StageCompleted:
			if current.Status != job.StageRunning {
				return noChange(), fmt.Errorf("%w: stage %s is %s, not running", ErrStageOrder, stage, current.Status)
			}
			current.Status = job.StageCompleted
			current.Progress = 100
			current.CompletedAt = &now
		case job.StageFailed:
			if current.Status != job.StageRunning {
				return noChange(), fmt.Errorf("%w: stage %s is %s, not running", ErrStageOrder, stage, current.Status)
			}
			current.Status = job.StageFailed
			current.CompletedAt = &now
			current.Error = stageErrorMessage(patch.Error)
			j.Status = job.StatusFailed
			j.Error = stage + ": " + current.Error
			j.Result = nil
			j.FinishedAt = &now
			c.status = true
		case job.StagePending:
			return noChange(), fmt.Errorf("%w: stage %s cannot return to pending", ErrStageOrder, stage)
		default:
			return noChange(), fmt.Errorf("%w: unknown stage status %q", ErrStageOrder, next)
		}
		c.stage = idx
	}

	if patch.Progress != nil && current.Status == job.StageRunning {
		progress := job.ClampProgress(*patch.Progress)
		if progress > current.Progress {
			current.Progress = progress
			c.stage = idx
		}
	}

	if c.stage < 0 && !c.status {
		return noChange(), nil
	}

	if j.Status == job.StatusRunning {
		if overall := j.StageProgress(); overall > j.Progress {
			j.Progress = overall
			c.progress = true
			c.progressStage = stage
		}
		j.HeartbeatAt = &now
	}
	return c, nil
}

func stageErrorMessage(msg string) string {
	if msg = strings.TrimSpace(msg); msg != "" {
		return msg
	}
	return "stage failed"
}

// Complete finishes a running job whose stages all completed.
func (r *Registry) Complete(ctx context.Context, id string, result job.Result) (*job.Job, error) {
	j, _, err := r.mutate(ctx, id, func(j *job.Job, now time.Time) (change, error) {
		if j.Status.IsTerminal() {
			return noChange(), fmt.Errorf("%w: %s is %s", ErrTerminal, j.ID, j.Status)
		}
		if j.Status != job.StatusRunning {
			return noChange(), fmt.Errorf("%w: %s is %s", ErrNotRunning, j.ID, j.Status)
		}
		if !j.AllStagesCompleted() {
			return noChange(), fmt.Errorf("%w: %s waiting on %s", ErrIncomplete, j.ID, j.Stages[j.NextStage()].Name)
		}
		res := result
		j.Status = job.StatusCompleted
		j.Result = &res
		j.Error = ""
		c := statusChange()
		if j.Progress < 100 {
			c.progress = true
		}
		j.Progress = 100
		j.FinishedAt = &now
		return c, nil
	})
	return j, err
}

// Fail moves a queued or running job to failed. When stage names the running
// stage it is marked failed with the same message; later stages stay pending.
func (r *Registry) Fail(ctx context.Context, id, stage, message string) (*job.Job, error) {
	j, _, err := r.mutate(ctx, id, func(j *job.Job, now time.Time) (change, error) {
		if j.Status.IsTerminal() {
			return noChange(), fmt.Errorf("%w: %s is %s", ErrTerminal, j.ID, j.Status)
		}
		message = stageErrorMessage(message)
		c := statusChange()
		if idx := j.StageIndex(stage); idx >= 0 && j.Stages[idx].Status == job.StageRunning {
			j.Stages[idx].Status = job.StageFailed
			j.Stages[idx].Error = message
			j.Stages[idx].CompletedAt = &now
			c.stage = idx
			message = stage + ": " + message
		}
		j.Status = job.StatusFailed
		j.Error = message
		j.Result = nil
		j.FinishedAt = &now
		return c, nil
	})
	return j, err
}

// Cancel moves a queued or running job to cancelled. Cancelling a terminal
// job is a no-op: the snapshot is returned unchanged with changed=false.
func (r *Registry) Cancel(ctx context.Context, id string) (*job.Job, bool, error) {
	j, c, err := r.mutate(ctx, id, func(j *job.Job, now time.Time) (change, error) {
		if j.Status.IsTerminal() {
			return noChange(), nil
		}
		j.Status = job.StatusCancelled
		j.Result = nil
		j.Error = ""
		j.FinishedAt = &now
		return statusChange(), nil
	})
	if err != nil {
		return j, false, err
	}
	return j, !c.noop, nil
}

// Heartbeat records liveness for the owner of a running job. A heartbeat from
// a worker that no longer owns the job returns ErrClaimConflict; a job that
// left running returns ErrTerminal.
func (r *Registry) Heartbeat(ctx context.Context, id, owner string) error {
	_, _, err := r.mutate(ctx, id, func(j *job.Job, now time.Time) (change, error) {
		if j.Status.IsTerminal() {
			return noChange(), fmt.Errorf("%w: %s is %s", ErrTerminal, j.ID, j.Status)
		}
		if j.Status != job.StatusRunning {
			return noChange(), fmt.Errorf("%w: %s is %s", ErrNotRunning, j.ID, j.Status)
		}
		if j.Owner != owner {
			return noChange(), services.Wrap(services.ErrClaimConflict, "registry", "heartbeat",
				fmt.Sprintf("job %s owned by %s", j.ID, j.Owner), nil)
		}
		j.HeartbeatAt = &now
		return change{stage: -1}, nil
	})
	return err
}

// TransitionExtra carries the fields a status transition needs.
type TransitionExtra struct {
	Owner   string
	Attempt int
	Stage   string
	Error   string
	Result  *job.Result
}

// Transition moves a job to status through the matching helper. Queued is
// never a valid target.
func (r *Registry) Transition(ctx context.Context, id string, status job.Status, extra TransitionExtra) (*job.Job, error) {
	switch status {
	case job.StatusRunning:
		return r.Claim(ctx, id, extra.Owner, extra.Attempt)
	case job.StatusCompleted:
		var result job.Result
		if extra.Result != nil {
			result = *extra.Result
		}
		return r.Complete(ctx, id, result)
	case job.StatusFailed:
		return r.Fail(ctx, id, extra.Stage, extra.Error)
	case job.StatusCancelled:
		j, _, err := r.Cancel(ctx, id)
		return j, err
	default:
		return nil, fmt.Errorf("%w: %s", ErrTransition, status)
	}
}
