package stage

import (
	"context"
	"errors"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
)

// ErrCancelled is returned by a ProgressFunc once the job should stop. A
// processor that sees it must return promptly; the runner treats the stage as
// interrupted, not failed.
var ErrCancelled = errors.New("stage cancelled")

// Processor runs one named pipeline step. Implementations are opaque model
// backends: they report progress and either return an Output or an error.
// Errors marked services.ErrTransient are retried through the queue; any
// other error fails the job at this stage.
type Processor interface {
	Name() string
	Process(ctx context.Context, in Input, progress ProgressFunc) (Output, error)
}

// HealthChecker is implemented by processors that can report readiness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) Health
}

// ProgressFunc receives stage-local progress in [0,100]. A non-nil return
// tells the processor to stop.
type ProgressFunc func(percent float64) error

// Input is everything a processor sees for one stage execution.
type Input struct {
	JobID    string      `json:"job_id"`
	Stage    string      `json:"stage"`
	Model    string      `json:"model,omitempty"`
	Attempt  int         `json:"attempt"`
	Request  job.Request `json:"request"`
	Previous *Output     `json:"previous,omitempty"`
}

// Output is what a stage hands to the next one. The final stage's output
// becomes the job result.
type Output struct {
	Artifact     string            `json:"artifact,omitempty"`
	Format       string            `json:"format,omitempty"`
	SegmentCount int               `json:"segment_count,omitempty"`
	Duration     float64           `json:"duration,omitempty"`
	QualityScore *float64          `json:"quality_score,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Result converts a final stage output into the job result. Missing duration
// falls back to the declared media duration.
func (o Output) Result(req job.Request) job.Result {
	result := job.Result{
		OutputPath:     o.Artifact,
		SubtitleFormat: o.Format,
		Duration:       o.Duration,
		SegmentCount:   o.SegmentCount,
	}
	if result.SubtitleFormat == "" {
		result.SubtitleFormat = "srt"
	}
	if result.Duration <= 0 {
		result.Duration = req.Duration()
	}
	if o.QualityScore != nil {
		score := *o.QualityScore
		result.QualityScore = &score
	}
	return result
}

// Set maps stage names to processors.
type Set map[string]Processor

// Lookup returns the processor for name.
func (s Set) Lookup(name string) (Processor, bool) {
	p, ok := s[name]
	return p, ok && p != nil
}

// Health reports readiness for every processor that supports it, in the
// given stage order.
func (s Set) Health(ctx context.Context, order []string) []Health {
	out := make([]Health, 0, len(order))
	for _, name := range order {
		p, ok := s.Lookup(name)
		if !ok {
			out = append(out, Unhealthy(name, "no processor configured"))
			continue
		}
		if checker, ok := p.(HealthChecker); ok {
			out = append(out, checker.HealthCheck(ctx))
			continue
		}
		out = append(out, Healthy(name))
	}
	return out
}
