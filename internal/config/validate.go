package config

import (
	"errors"
	"fmt"
	"net/url"
)

var knownLanes = map[string]struct{}{
	"realtime": {},
	"standard": {},
	"bulk":     {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateRouting(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validateTracing(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("queue.backend: unsupported value %q (use sqlite or redis)", c.Queue.Backend)
	}
	if c.Queue.BackoffMultiplier < 1 {
		return errors.New("queue.backoff_multiplier must be at least 1")
	}
	if c.Queue.MaxDelayMS < c.Queue.BaseDelayMS {
		return errors.New("queue.max_delay_ms must not be smaller than queue.base_delay_ms")
	}
	return nil
}

func (c *Config) validateRouting() error {
	if c.Routing.StandardMaxSeconds < c.Routing.RealtimeMaxSeconds {
		return errors.New("routing.standard_max_seconds must not be smaller than routing.realtime_max_seconds")
	}
	if _, ok := knownLanes[c.Routing.DefaultLane]; !ok {
		return fmt.Errorf("routing.default_lane: unknown lane %q", c.Routing.DefaultLane)
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	seen := make(map[string]struct{}, len(c.Workflow.Stages))
	for _, stage := range c.Workflow.Stages {
		if _, dup := seen[stage]; dup {
			return fmt.Errorf("workflow.stages: duplicate stage %q", stage)
		}
		seen[stage] = struct{}{}
	}
	if c.Workflow.RealtimeWorkers+c.Workflow.StandardWorkers+c.Workflow.BulkWorkers == 0 {
		return errors.New("workflow: at least one lane needs a worker")
	}
	if c.HeartbeatInterval() >= c.VisibilityTimeout() {
		return errors.New("workflow.heartbeat_interval must be shorter than queue.visibility_timeout")
	}
	if c.HeartbeatTimeout() <= c.VisibilityTimeout() {
		return fmt.Errorf("workflow: heartbeat timeout (%s) must exceed queue.visibility_timeout (%s); raise missed_heartbeats",
			c.HeartbeatTimeout(), c.VisibilityTimeout())
	}
	return nil
}

func (c *Config) validateStages() error {
	if c.Stages.Endpoint == "" {
		return nil
	}
	parsed, err := url.Parse(c.Stages.Endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("stages.endpoint: invalid URL %q", c.Stages.Endpoint)
	}
	return nil
}

func (c *Config) validateTracing() error {
	if c.Tracing.SampleRatio > 1 {
		return errors.New("tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
