package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/storage"
)

const jobColumns = "id, tenant_id, lane, status, progress, stages_json, request_json, result_json, error_message, attempt, owner, replay_of, created_at, updated_at, started_at, finished_at, heartbeat_at"

const jobPlaceholders = "?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?"

type jobRow struct {
	j       *job.Job
	stages  string
	request string
	result  any
}

func encodeJob(j *job.Job) (jobRow, error) {
	stages, err := json.Marshal(j.Stages)
	if err != nil {
		return jobRow{}, fmt.Errorf("marshal stages: %w", err)
	}
	request, err := json.Marshal(j.Request)
	if err != nil {
		return jobRow{}, fmt.Errorf("marshal request: %w", err)
	}
	row := jobRow{j: j, stages: string(stages), request: string(request)}
	if j.Result != nil {
		result, err := json.Marshal(j.Result)
		if err != nil {
			return jobRow{}, fmt.Errorf("marshal result: %w", err)
		}
		row.result = string(result)
	}
	return row, nil
}

func (r jobRow) args() []any {
	j := r.j
	return []any{
		j.ID,
		j.TenantID,
		string(j.Lane),
		string(j.Status),
		j.Progress,
		r.stages,
		r.request,
		r.result,
		storage.NullableString(j.Error),
		j.Attempt,
		storage.NullableString(j.Owner),
		storage.NullableString(j.ReplayOf),
		storage.FormatTime(j.CreatedAt),
		storage.FormatTime(j.UpdatedAt),
		storage.NullableTime(j.StartedAt),
		storage.NullableTime(j.FinishedAt),
		storage.NullableTime(j.HeartbeatAt),
	}
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*job.Job, error) {
	var (
		j           job.Job
		lane        string
		status      string
		stagesJSON  string
		requestJSON string
		resultJSON  sql.NullString
		errMessage  sql.NullString
		owner       sql.NullString
		replayOf    sql.NullString
		createdRaw  string
		updatedRaw  string
		startedRaw  sql.NullString
		finishedRaw sql.NullString
		heartbeat   sql.NullString
	)
	if err := scanner.Scan(
		&j.ID,
		&j.TenantID,
		&lane,
		&status,
		&j.Progress,
		&stagesJSON,
		&requestJSON,
		&resultJSON,
		&errMessage,
		&j.Attempt,
		&owner,
		&replayOf,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&finishedRaw,
		&heartbeat,
	); err != nil {
		return nil, err
	}
	j.Lane = job.Lane(lane)
	j.Status = job.Status(status)
	j.Error = errMessage.String
	j.Owner = owner.String
	j.ReplayOf = replayOf.String
	j.CreatedAt = storage.ParseTime(createdRaw)
	j.UpdatedAt = storage.ParseTime(updatedRaw)
	j.StartedAt = storage.ParseNullTime(startedRaw)
	j.FinishedAt = storage.ParseNullTime(finishedRaw)
	j.HeartbeatAt = storage.ParseNullTime(heartbeat)

	if err := json.Unmarshal([]byte(stagesJSON), &j.Stages); err != nil {
		return nil, fmt.Errorf("decode stages for %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(requestJSON), &j.Request); err != nil {
		return nil, fmt.Errorf("decode request for %s: %w", j.ID, err)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var result job.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", j.ID, err)
		}
		j.Result = &result
	}
	return &j, nil
}
