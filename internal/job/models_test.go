package job

import (
	"testing"
	"time"
)

func TestParseLaneAndStatus(t *testing.T) {
	if lane, ok := ParseLane(" Bulk "); !ok || lane != LaneBulk {
		t.Fatalf("ParseLane = %q, %v", lane, ok)
	}
	if _, ok := ParseLane("express"); ok {
		t.Fatal("expected unknown lane to be rejected")
	}
	if status, ok := ParseStatus("CANCELLED"); !ok || status != StatusCancelled {
		t.Fatalf("ParseStatus = %q, %v", status, ok)
	}
	for _, status := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !status.IsTerminal() {
			t.Fatalf("expected %s terminal", status)
		}
	}
	if StatusRunning.IsTerminal() || StatusQueued.IsTerminal() {
		t.Fatal("queued/running must not be terminal")
	}
}

func TestStageHelpers(t *testing.T) {
	j := Job{Stages: NewStages([]string{"asr", "mt", "qa"})}
	if j.NextStage() != 0 {
		t.Fatalf("expected first stage next, got %d", j.NextStage())
	}
	j.Stages[0].Status = StageCompleted
	j.Stages[1].Status = StageRunning
	j.Stages[1].Progress = 50
	if j.NextStage() != 1 {
		t.Fatalf("expected second stage next, got %d", j.NextStage())
	}
	if got := j.StageProgress(); got != 50 {
		t.Fatalf("StageProgress = %v, want 50", got)
	}
	if j.StageIndex("qa") != 2 || j.StageIndex("align") != -1 {
		t.Fatal("unexpected StageIndex result")
	}
	j.Stages[1].Status = StageCompleted
	j.Stages[2].Status = StageCompleted
	if !j.AllStagesCompleted() {
		t.Fatal("expected all stages completed")
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	score := 0.9
	duration := 60.0
	original := Job{
		ID:     "JOB-1",
		Stages: []Stage{{Name: "asr", Status: StageRunning, StartedAt: &now}},
		Result: &Result{OutputPath: "/out.srt", QualityScore: &score},
		Request: Request{
			MediaDurationS: &duration,
			Input:          Input{TargetLanguages: []string{"fr"}},
		},
	}
	clone := original.Clone()
	clone.Stages[0].Status = StageFailed
	*clone.Stages[0].StartedAt = now.Add(time.Hour)
	*clone.Result.QualityScore = 0.1
	clone.Request.Input.TargetLanguages[0] = "de"
	*clone.Request.MediaDurationS = 1

	if original.Stages[0].Status != StageRunning || !original.Stages[0].StartedAt.Equal(now) {
		t.Fatal("clone shares stage state")
	}
	if *original.Result.QualityScore != 0.9 {
		t.Fatal("clone shares result")
	}
	if original.Request.Input.TargetLanguages[0] != "fr" || original.Request.Duration() != 60 {
		t.Fatal("clone shares request")
	}
}

func TestRequestDefaults(t *testing.T) {
	var r Request
	if r.Tenant() != DefaultTenant {
		t.Fatalf("expected default tenant, got %q", r.Tenant())
	}
	if r.Duration() != 0 {
		t.Fatalf("expected zero duration, got %v", r.Duration())
	}
	r.Models.MT = "nllb"
	if r.ModelFor("mt") != "nllb" || r.ModelFor("align") != "" {
		t.Fatal("unexpected ModelFor result")
	}
}

func TestClampProgress(t *testing.T) {
	for in, want := range map[float64]float64{-5: 0, 0: 0, 42.5: 42.5, 100: 100, 130: 100} {
		if got := ClampProgress(in); got != want {
			t.Fatalf("ClampProgress(%v) = %v, want %v", in, got, want)
		}
	}
}
