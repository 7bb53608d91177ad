package config

const (
	defaultDataDir                = "~/.local/share/isn"
	defaultLogDir                 = "~/.local/share/isn/logs"
	defaultAPIBind                = "127.0.0.1:7480"
	defaultAPIReadTimeout         = 15
	defaultAPIWriteTimeout        = 30
	defaultQueueBackend           = "sqlite"
	defaultRedisAddr              = "127.0.0.1:6379"
	defaultMaxAttempts            = 3
	defaultBaseDelayMS            = 2000
	defaultBackoffMultiplier      = 2.0
	defaultMaxDelayMS             = 60000
	defaultVisibilityTimeout      = 120
	defaultPollIntervalMS         = 500
	defaultBreakerFailures        = 5
	defaultBreakerCooldown        = 30
	defaultRealtimeMaxSeconds     = 120
	defaultStandardMaxSeconds     = 900
	defaultLane                   = "standard"
	defaultRealtimeWorkers        = 2
	defaultStandardWorkers        = 2
	defaultBulkWorkers            = 1
	defaultHeartbeatInterval      = 15
	defaultMissedHeartbeats       = 10
	defaultErrorRetryInterval     = 10
	defaultSimulatedStepMS        = 200
	defaultStageRequestTimeout    = 900
	defaultSubscriberBuffer       = 64
	defaultPingInterval           = 30
	defaultNotifyRequestTimeout   = 10
	defaultTracingServiceName     = "isn-orchestrator"
	defaultTracingSampleRatio     = 1.0
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultLogRetentionDays       = 30
	defaultConfigRelativeLocation = "~/.config/isn/config.toml"
)

// DefaultStages is the linear subtitle pipeline every job runs unless the
// configuration overrides it.
var DefaultStages = []string{"asr", "mt", "context", "align", "qa"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		API: API{
			Bind:         defaultAPIBind,
			ReadTimeout:  defaultAPIReadTimeout,
			WriteTimeout: defaultAPIWriteTimeout,
		},
		Queue: Queue{
			Backend:           defaultQueueBackend,
			RedisAddr:         defaultRedisAddr,
			MaxAttempts:       defaultMaxAttempts,
			BaseDelayMS:       defaultBaseDelayMS,
			BackoffMultiplier: defaultBackoffMultiplier,
			MaxDelayMS:        defaultMaxDelayMS,
			VisibilityTimeout: defaultVisibilityTimeout,
			PollIntervalMS:    defaultPollIntervalMS,
			BreakerFailures:   defaultBreakerFailures,
			BreakerCooldown:   defaultBreakerCooldown,
		},
		Routing: Routing{
			RealtimeMaxSeconds: defaultRealtimeMaxSeconds,
			StandardMaxSeconds: defaultStandardMaxSeconds,
			DefaultLane:        defaultLane,
		},
		Workflow: Workflow{
			Stages:             append([]string(nil), DefaultStages...),
			RealtimeWorkers:    defaultRealtimeWorkers,
			StandardWorkers:    defaultStandardWorkers,
			BulkWorkers:        defaultBulkWorkers,
			HeartbeatInterval:  defaultHeartbeatInterval,
			MissedHeartbeats:   defaultMissedHeartbeats,
			ErrorRetryInterval: defaultErrorRetryInterval,
		},
		Stages: Stages{
			SimulatedStepMS: defaultSimulatedStepMS,
			RequestTimeout:  defaultStageRequestTimeout,
		},
		Realtime: Realtime{
			SubscriberBuffer: defaultSubscriberBuffer,
			PingInterval:     defaultPingInterval,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			JobFailed:      true,
			DeadLetter:     true,
			Daemon:         false,
		},
		Tracing: Tracing{
			ServiceName: defaultTracingServiceName,
			SampleRatio: defaultTracingSampleRatio,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
