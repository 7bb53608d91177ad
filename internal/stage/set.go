package stage

import (
	"log/slog"
	"strings"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
)

// NewProcessors builds one processor per configured stage. With no stage
// endpoint configured every stage is simulated.
func NewProcessors(cfg *config.Config, logger *slog.Logger) Set {
	set := make(Set, len(cfg.Workflow.Stages))
	endpoint := strings.TrimSpace(cfg.Stages.Endpoint)
	for _, name := range cfg.Workflow.Stages {
		if endpoint == "" {
			set[name] = NewSimulated(name, time.Duration(cfg.Stages.SimulatedStepMS)*time.Millisecond)
			continue
		}
		set[name] = NewHTTPProcessor(name, HTTPOptions{
			Endpoint:        endpoint,
			Timeout:         time.Duration(cfg.Stages.RequestTimeout) * time.Second,
			BreakerFailures: cfg.Queue.BreakerFailures,
			BreakerCooldown: time.Duration(cfg.Queue.BreakerCooldown) * time.Second,
			Logger:          logger,
		})
	}
	return set
}
