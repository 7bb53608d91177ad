package stage

import (
	"context"
	"fmt"
	"math"
	"time"
)

var simulatedTicks = []float64{25, 50, 75, 100}

// Simulated stands in for a real model backend. It reports four progress
// ticks separated by Step and produces deterministic artifacts so the whole
// pipeline can run without external services.
type Simulated struct {
	stage string
	step  time.Duration
}

// NewSimulated builds a simulated processor for stage.
func NewSimulated(stage string, step time.Duration) *Simulated {
	if step < 0 {
		step = 0
	}
	return &Simulated{stage: stage, step: step}
}

// Name returns the stage name.
func (s *Simulated) Name() string { return s.stage }

// HealthCheck always reports ready.
func (s *Simulated) HealthCheck(context.Context) Health { return Healthy(s.stage) }

// Process walks the progress ticks, honoring ctx between them.
func (s *Simulated) Process(ctx context.Context, in Input, progress ProgressFunc) (Output, error) {
	for _, tick := range simulatedTicks {
		if s.step > 0 {
			timer := time.NewTimer(s.step)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Output{}, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		if progress != nil {
			if err := progress(tick); err != nil {
				return Output{}, err
			}
		}
	}
	return s.output(in), nil
}

func (s *Simulated) output(in Input) Output {
	duration := in.Request.Duration()
	segments := int(math.Ceil(duration / 4))
	if segments < 1 {
		segments = 1
	}
	out := Output{
		Artifact:     fmt.Sprintf("artifacts/%s/%s.json", in.JobID, s.stage),
		Format:       "json",
		SegmentCount: segments,
		Duration:     duration,
		Metadata:     map[string]string{"processor": "simulated"},
	}
	if in.Model != "" {
		out.Metadata["model"] = in.Model
	}
	if in.Previous != nil && in.Previous.SegmentCount > 0 {
		out.SegmentCount = in.Previous.SegmentCount
	}
	switch s.stage {
	case "align":
		out.Artifact = fmt.Sprintf("artifacts/%s/subtitles.srt", in.JobID)
		out.Format = "srt"
	case "qa":
		score := 0.92
		out.QualityScore = &score
		if in.Previous != nil && in.Previous.Artifact != "" {
			out.Artifact = in.Previous.Artifact
			out.Format = in.Previous.Format
		}
	}
	return out
}
