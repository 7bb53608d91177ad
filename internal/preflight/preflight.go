package preflight

import (
	"context"
	"strings"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// Pinger is satisfied by the queue store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding feature is configured.
func RunAll(ctx context.Context, cfg *config.Config, queue Pinger) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckFreeSpace("Data volume", cfg.Paths.DataDir, MinFreeBytes),
	}

	if queue != nil {
		results = append(results, CheckQueue(ctx, cfg.Queue.Backend, queue))
	}

	if endpoint := strings.TrimSpace(cfg.Stages.Endpoint); endpoint != "" {
		results = append(results, CheckStageEndpoint(ctx, endpoint))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
