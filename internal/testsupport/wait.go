package testsupport

import (
	"testing"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
)

// WaitFor polls cond until it returns true or timeout elapses.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cond() {
		return
	}
	t.Fatalf("timed out: "+format, args...)
}

// Seconds returns a pointer to a media duration.
func Seconds(v float64) *float64 {
	return &v
}

// Request builds a valid subtitle request for the given media duration.
func Request(seconds float64) job.Request {
	return job.Request{
		TenantID:       "tenant-a",
		MediaDurationS: Seconds(seconds),
		Input: job.Input{
			VideoPath:       "s3://media/episode-01.mp4",
			SourceLanguage:  "en",
			TargetLanguages: []string{"fr", "es"},
		},
	}
}
