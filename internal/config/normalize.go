package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAPI()
	c.normalizeQueue()
	c.normalizeRouting()
	c.normalizeWorkflow()
	c.normalizeStages()
	c.normalizeRealtime()
	c.normalizeTracing()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if c.API.Bind == "" {
		c.API.Bind = defaultAPIBind
	}
	c.API.Token = strings.TrimSpace(c.API.Token)
	if c.API.Token == "" {
		if value, ok := os.LookupEnv("ISN_API_TOKEN"); ok {
			c.API.Token = strings.TrimSpace(value)
		}
	}
	if c.API.ReadTimeout <= 0 {
		c.API.ReadTimeout = defaultAPIReadTimeout
	}
	if c.API.WriteTimeout <= 0 {
		c.API.WriteTimeout = defaultAPIWriteTimeout
	}
}

func (c *Config) normalizeQueue() {
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	if c.Queue.Backend == "" {
		c.Queue.Backend = defaultQueueBackend
	}
	if value, ok := os.LookupEnv("ISN_REDIS_ADDR"); ok && strings.TrimSpace(value) != "" {
		c.Queue.RedisAddr = strings.TrimSpace(value)
	}
	c.Queue.RedisAddr = strings.TrimSpace(c.Queue.RedisAddr)
	if c.Queue.RedisAddr == "" {
		c.Queue.RedisAddr = defaultRedisAddr
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = defaultMaxAttempts
	}
	if c.Queue.BaseDelayMS <= 0 {
		c.Queue.BaseDelayMS = defaultBaseDelayMS
	}
	if c.Queue.BackoffMultiplier <= 0 {
		c.Queue.BackoffMultiplier = defaultBackoffMultiplier
	}
	if c.Queue.MaxDelayMS <= 0 {
		c.Queue.MaxDelayMS = defaultMaxDelayMS
	}
	if c.Queue.VisibilityTimeout <= 0 {
		c.Queue.VisibilityTimeout = defaultVisibilityTimeout
	}
	if c.Queue.PollIntervalMS <= 0 {
		c.Queue.PollIntervalMS = defaultPollIntervalMS
	}
	if c.Queue.BreakerFailures <= 0 {
		c.Queue.BreakerFailures = defaultBreakerFailures
	}
	if c.Queue.BreakerCooldown <= 0 {
		c.Queue.BreakerCooldown = defaultBreakerCooldown
	}
}

func (c *Config) normalizeRouting() {
	if c.Routing.RealtimeMaxSeconds <= 0 {
		c.Routing.RealtimeMaxSeconds = defaultRealtimeMaxSeconds
	}
	if c.Routing.StandardMaxSeconds <= 0 {
		c.Routing.StandardMaxSeconds = defaultStandardMaxSeconds
	}
	c.Routing.DefaultLane = strings.ToLower(strings.TrimSpace(c.Routing.DefaultLane))
	if c.Routing.DefaultLane == "" {
		c.Routing.DefaultLane = defaultLane
	}
}

func (c *Config) normalizeWorkflow() {
	stages := make([]string, 0, len(c.Workflow.Stages))
	for _, stage := range c.Workflow.Stages {
		if trimmed := strings.ToLower(strings.TrimSpace(stage)); trimmed != "" {
			stages = append(stages, trimmed)
		}
	}
	if len(stages) == 0 {
		stages = append(stages, DefaultStages...)
	}
	c.Workflow.Stages = stages
	if c.Workflow.RealtimeWorkers < 0 {
		c.Workflow.RealtimeWorkers = 0
	}
	if c.Workflow.StandardWorkers < 0 {
		c.Workflow.StandardWorkers = 0
	}
	if c.Workflow.BulkWorkers < 0 {
		c.Workflow.BulkWorkers = 0
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		c.Workflow.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Workflow.MissedHeartbeats <= 0 {
		c.Workflow.MissedHeartbeats = defaultMissedHeartbeats
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = defaultErrorRetryInterval
	}
}

func (c *Config) normalizeStages() {
	c.Stages.Endpoint = strings.TrimRight(strings.TrimSpace(c.Stages.Endpoint), "/")
	if c.Stages.SimulatedStepMS < 0 {
		c.Stages.SimulatedStepMS = 0
	}
	if c.Stages.RequestTimeout <= 0 {
		c.Stages.RequestTimeout = defaultStageRequestTimeout
	}
}

func (c *Config) normalizeRealtime() {
	if c.Realtime.SubscriberBuffer <= 0 {
		c.Realtime.SubscriberBuffer = defaultSubscriberBuffer
	}
	if c.Realtime.PingInterval <= 0 {
		c.Realtime.PingInterval = defaultPingInterval
	}
	origins := make([]string, 0, len(c.Realtime.AllowedOrigins))
	for _, origin := range c.Realtime.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.Realtime.AllowedOrigins = origins
}

func (c *Config) normalizeTracing() {
	c.Tracing.OTLPEndpoint = strings.TrimSpace(c.Tracing.OTLPEndpoint)
	if c.Tracing.OTLPEndpoint == "" {
		if value, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
			c.Tracing.OTLPEndpoint = strings.TrimSpace(value)
		}
	}
	c.Tracing.ServiceName = strings.TrimSpace(c.Tracing.ServiceName)
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaultTracingServiceName
	}
	if c.Tracing.SampleRatio <= 0 {
		c.Tracing.SampleRatio = defaultTracingSampleRatio
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
