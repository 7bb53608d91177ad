package stage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/stage"
	"github.com/albatrossmedia/ISN-MVP/internal/testsupport"
)

func TestSimulatedReportsTicksAndOutput(t *testing.T) {
	p := stage.NewSimulated("align", 0)
	var ticks []float64
	out, err := p.Process(context.Background(), stage.Input{
		JobID:   "JOB-1",
		Stage:   "align",
		Request: testsupport.Request(60),
	}, func(percent float64) error {
		ticks = append(ticks, percent)
		return nil
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(ticks) != 4 || ticks[0] != 25 || ticks[3] != 100 {
		t.Fatalf("unexpected ticks %v", ticks)
	}
	if out.Format != "srt" || out.Artifact != "artifacts/JOB-1/subtitles.srt" {
		t.Fatalf("unexpected output %+v", out)
	}
	if out.SegmentCount != 15 {
		t.Fatalf("expected 15 segments, got %d", out.SegmentCount)
	}
}

func TestSimulatedStopsWhenProgressRefuses(t *testing.T) {
	p := stage.NewSimulated("asr", 0)
	calls := 0
	_, err := p.Process(context.Background(), stage.Input{Request: testsupport.Request(10)}, func(float64) error {
		calls++
		return stage.ErrCancelled
	})
	if !errors.Is(err, stage.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected processing to stop after first tick, got %d calls", calls)
	}
}

func TestSimulatedHonorsContext(t *testing.T) {
	p := stage.NewSimulated("mt", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Process(ctx, stage.Input{}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOutputResultDefaults(t *testing.T) {
	score := 0.8
	result := stage.Output{Artifact: "out.vtt", SegmentCount: 3, QualityScore: &score}.Result(testsupport.Request(42))
	if result.SubtitleFormat != "srt" || result.Duration != 42 || result.OutputPath != "out.vtt" {
		t.Fatalf("unexpected result %+v", result)
	}
	score = 0.1
	if result.QualityScore == nil || *result.QualityScore != 0.8 {
		t.Fatalf("quality score should be copied, got %v", result.QualityScore)
	}
}

func TestNewProcessorsFollowsConfiguredStages(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStages("asr", "qa"))
	set := stage.NewProcessors(cfg, nil)
	if len(set) != 2 {
		t.Fatalf("expected 2 processors, got %d", len(set))
	}
	if _, ok := set.Lookup("mt"); ok {
		t.Fatal("mt should not be configured")
	}
	health := set.Health(context.Background(), []string{"asr", "qa", "mt"})
	if !health[0].Ready || !health[1].Ready || health[2].Ready {
		t.Fatalf("unexpected health %+v", health)
	}

	cfg.Stages.Endpoint = "http://127.0.0.1:1"
	set = stage.NewProcessors(cfg, nil)
	if _, ok := set["asr"].(*stage.HTTPProcessor); !ok {
		t.Fatalf("expected HTTP processor, got %T", set["asr"])
	}
}
