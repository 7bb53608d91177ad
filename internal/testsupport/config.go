package testsupport

import (
	"path/filepath"
	"testing"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test
// and timings short enough for tests to observe the full job lifecycle.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.API.Bind = "127.0.0.1:0"
	cfg.Queue.BaseDelayMS = 10
	cfg.Queue.MaxDelayMS = 100
	cfg.Queue.PollIntervalMS = 10
	cfg.Queue.VisibilityTimeout = 5
	cfg.Workflow.HeartbeatInterval = 1
	cfg.Workflow.ErrorRetryInterval = 1
	cfg.Stages.SimulatedStepMS = 1

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithAPIToken sets the bearer token required by the HTTP API.
func WithAPIToken(token string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.API.Token = token
	}
}

// WithStages overrides the pipeline stage list.
func WithStages(stages ...string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workflow.Stages = append([]string(nil), stages...)
	}
}

// WithMaxAttempts overrides the queue retry budget.
func WithMaxAttempts(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Queue.MaxAttempts = n
	}
}
