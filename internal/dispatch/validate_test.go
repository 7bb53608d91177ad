package dispatch

import (
	"errors"
	"strings"
	"testing"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/services"
)

func validRequest() job.Request {
	d := 60.0
	return job.Request{
		MediaDurationS: &d,
		Input: job.Input{
			AudioPath:       "s3://media/talk.wav",
			SourceLanguage:  "en-US",
			TargetLanguages: []string{"fr", "pt-BR"},
		},
	}
}

func TestValidateAcceptsValidRequest(t *testing.T) {
	if err := Validate(validRequest()); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
	req := validRequest()
	req.MediaDurationS = nil
	req.LatencyClass = "bulk"
	if err := Validate(req); err != nil {
		t.Fatalf("latency class alone should be enough, got %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	negative := -5.0
	threshold := 1.5
	req := job.Request{
		MediaDurationS: &negative,
		LatencyClass:   "instant",
		Input: job.Input{
			SourceLanguage:  "not a language",
			TargetLanguages: []string{"fr", "??"},
		},
		Config: job.Options{QualityThreshold: &threshold},
	}
	err := Validate(req)
	if !errors.Is(err, services.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	msg := services.Details(err)
	for _, want := range []string{
		"input.video_path is required when audio_path is empty",
		"input.source_language must be a BCP 47 language tag",
		"input.target_languages[1] must be a BCP 47 language tag",
		"media_duration_s must be greater than or equal to 0",
		"latency_class must be one of",
		"config.quality_threshold must be less than or equal to 1",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestValidateRequiresDurationOrLatencyClass(t *testing.T) {
	req := validRequest()
	req.MediaDurationS = nil
	err := Validate(req)
	if !errors.Is(err, services.ErrInvalidRequest) || !strings.Contains(err.Error(), "media_duration_s is required") {
		t.Fatalf("expected missing duration error, got %v", err)
	}
}

func TestValidateRequiresTargets(t *testing.T) {
	req := validRequest()
	req.Input.TargetLanguages = nil
	if err := Validate(req); !errors.Is(err, services.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}
