package logging

import "testing"

func TestNewProgressSampler(t *testing.T) {
	tests := []struct {
		name       string
		bucketSize float64
		wantSize   float64
	}{
		{"default bucket size for zero", 0, 10},
		{"default bucket size for negative", -1, 10},
		{"custom bucket size", 25, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewProgressSampler(tt.bucketSize)
			if s.bucketSize != tt.wantSize {
				t.Errorf("bucketSize = %v, want %v", s.bucketSize, tt.wantSize)
			}
			if s.lastBucket != -1 {
				t.Errorf("lastBucket = %d, want -1", s.lastBucket)
			}
		})
	}
}

func TestProgressSamplerNilSampler(t *testing.T) {
	var s *ProgressSampler
	if !s.ShouldLog("asr", 50) {
		t.Error("ShouldLog on nil sampler should always return true")
	}
	s.Reset()
}

func TestProgressSamplerBuckets(t *testing.T) {
	s := NewProgressSampler(10)
	if !s.ShouldLog("asr", 0) {
		t.Error("first event should log")
	}
	if s.ShouldLog("asr", 5) {
		t.Error("same bucket should not log")
	}
	if !s.ShouldLog("asr", 12) {
		t.Error("new bucket should log")
	}
	if s.ShouldLog("asr", 8) {
		t.Error("lower bucket should not log")
	}
	if !s.ShouldLog("mt", 0) {
		t.Error("stage change should log")
	}
	if !s.ShouldLog("mt", 100) {
		t.Error("completion should log")
	}
	if s.ShouldLog("mt", 100) {
		t.Error("repeated completion should not log")
	}
}

func TestProgressSamplerReset(t *testing.T) {
	s := NewProgressSampler(10)
	s.ShouldLog("asr", 50)
	s.Reset()
	if s.lastStage != "" || s.lastBucket != -1 {
		t.Fatalf("reset left state: %+v", s)
	}
	if !s.ShouldLog("asr", 50) {
		t.Error("expected log after reset")
	}
}
