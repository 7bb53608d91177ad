package job

import (
	"strings"
	"time"
)

// Lane is an isolated queue partition for one latency/throughput class.
type Lane string

const (
	LaneRealtime Lane = "realtime"
	LaneStandard Lane = "standard"
	LaneBulk     Lane = "bulk"
)

var allLanes = []Lane{LaneRealtime, LaneStandard, LaneBulk}

// Lanes returns every lane in priority order.
func Lanes() []Lane {
	return append([]Lane(nil), allLanes...)
}

// ParseLane converts a string into a known Lane.
func ParseLane(value string) (Lane, bool) {
	normalized := Lane(strings.ToLower(strings.TrimSpace(value)))
	for _, lane := range allLanes {
		if lane == normalized {
			return lane, true
		}
	}
	return "", false
}

// Status is the job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var allStatuses = []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StageStatus is the state of one pipeline stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Stage records the progress of one named pipeline step.
type Stage struct {
	Name        string      `json:"stage"`
	Status      StageStatus `json:"status"`
	Progress    float64     `json:"progress"`
	Error       string      `json:"error,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Result describes the output of a completed job.
type Result struct {
	OutputPath     string   `json:"output_path"`
	SubtitleFormat string   `json:"subtitle_format"`
	Duration       float64  `json:"duration"`
	SegmentCount   int      `json:"segment_count"`
	QualityScore   *float64 `json:"quality_score,omitempty"`
}

// Job is the registry's record of one admitted request.
type Job struct {
	ID          string     `json:"job_id"`
	TenantID    string     `json:"tenant_id"`
	Lane        Lane       `json:"lane"`
	Status      Status     `json:"status"`
	Progress    float64    `json:"progress"`
	Stages      []Stage    `json:"stages"`
	Request     Request    `json:"request"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempt     int        `json:"attempt"`
	Owner       string     `json:"owner,omitempty"`
	ReplayOf    string     `json:"replay_of,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

// NewStages builds pending stage records in pipeline order.
func NewStages(names []string) []Stage {
	stages := make([]Stage, 0, len(names))
	for _, name := range names {
		stages = append(stages, Stage{Name: name, Status: StagePending})
	}
	return stages
}

// StageIndex returns the position of the named stage or -1.
func (j *Job) StageIndex(name string) int {
	for i := range j.Stages {
		if j.Stages[i].Name == name {
			return i
		}
	}
	return -1
}

// NextStage returns the index of the first stage that is not completed, or
// -1 when every stage has completed.
func (j *Job) NextStage() int {
	for i := range j.Stages {
		if j.Stages[i].Status != StageCompleted {
			return i
		}
	}
	return -1
}

// AllStagesCompleted reports whether the pipeline finished.
func (j *Job) AllStagesCompleted() bool {
	return j.NextStage() == -1
}

// StageProgress derives overall progress from stage progress with every stage
// weighted equally.
func (j *Job) StageProgress() float64 {
	if len(j.Stages) == 0 {
		return 0
	}
	var total float64
	for _, stage := range j.Stages {
		if stage.Status == StageCompleted {
			total += 100
			continue
		}
		total += stage.Progress
	}
	return total / float64(len(j.Stages))
}

// Clone returns a deep copy so callers can hand out snapshots.
func (j Job) Clone() Job {
	out := j
	out.Stages = make([]Stage, len(j.Stages))
	for i, stage := range j.Stages {
		stage.StartedAt = cloneTime(stage.StartedAt)
		stage.CompletedAt = cloneTime(stage.CompletedAt)
		out.Stages[i] = stage
	}
	if j.Result != nil {
		result := *j.Result
		if j.Result.QualityScore != nil {
			score := *j.Result.QualityScore
			result.QualityScore = &score
		}
		out.Result = &result
	}
	out.Request = j.Request.Clone()
	out.StartedAt = cloneTime(j.StartedAt)
	out.FinishedAt = cloneTime(j.FinishedAt)
	out.HeartbeatAt = cloneTime(j.HeartbeatAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ClampProgress bounds a percentage to [0,100].
func ClampProgress(value float64) float64 {
	switch {
	case value < 0:
		return 0
	case value > 100:
		return 100
	default:
		return value
	}
}
