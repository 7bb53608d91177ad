package job

import "time"

// EventType names a realtime event.
type EventType string

const (
	EventJobUpdate   EventType = "job:update"
	EventStageUpdate EventType = "job:stage:update"
	EventProgress    EventType = "job:progress"
)

// Event is one accepted registry mutation. Data holds one of StatusUpdate,
// StageUpdate or ProgressUpdate.
type Event struct {
	Type     EventType `json:"event"`
	JobID    string    `json:"job_id"`
	TenantID string    `json:"-"`
	Lane     Lane      `json:"-"`
	At       time.Time `json:"-"`
	Data     any       `json:"data"`
}

// StatusUpdate is the payload of job:update.
type StatusUpdate struct {
	JobID     string    `json:"job_id"`
	Status    Status    `json:"status"`
	Progress  float64   `json:"progress"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StageUpdate is the payload of job:stage:update.
type StageUpdate struct {
	JobID    string      `json:"job_id"`
	Stage    string      `json:"stage"`
	Status   StageStatus `json:"status"`
	Progress float64     `json:"progress"`
	Error    string      `json:"error,omitempty"`
}

// ProgressUpdate is the payload of job:progress.
type ProgressUpdate struct {
	JobID    string  `json:"job_id"`
	Progress float64 `json:"progress"`
	Stage    string  `json:"stage,omitempty"`
}

// NewStatusEvent builds a job:update event from a snapshot.
func NewStatusEvent(j Job) Event {
	return Event{
		Type:     EventJobUpdate,
		JobID:    j.ID,
		TenantID: j.TenantID,
		Lane:     j.Lane,
		At:       j.UpdatedAt,
		Data: StatusUpdate{
			JobID:     j.ID,
			Status:    j.Status,
			Progress:  j.Progress,
			Result:    j.Result,
			Error:     j.Error,
			UpdatedAt: j.UpdatedAt,
		},
	}
}

// NewStageEvent builds a job:stage:update event for stage i of the snapshot.
func NewStageEvent(j Job, i int) Event {
	stage := j.Stages[i]
	return Event{
		Type:     EventStageUpdate,
		JobID:    j.ID,
		TenantID: j.TenantID,
		Lane:     j.Lane,
		At:       j.UpdatedAt,
		Data: StageUpdate{
			JobID:    j.ID,
			Stage:    stage.Name,
			Status:   stage.Status,
			Progress: stage.Progress,
			Error:    stage.Error,
		},
	}
}

// NewProgressEvent builds a job:progress event naming the active stage.
func NewProgressEvent(j Job, stage string) Event {
	return Event{
		Type:     EventProgress,
		JobID:    j.ID,
		TenantID: j.TenantID,
		Lane:     j.Lane,
		At:       j.UpdatedAt,
		Data: ProgressUpdate{
			JobID:    j.ID,
			Progress: j.Progress,
			Stage:    stage,
		},
	}
}
