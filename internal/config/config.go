package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains on-disk locations.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// API contains HTTP listener settings.
type API struct {
	Bind         string `toml:"bind"`
	Token        string `toml:"token"`
	ReadTimeout  int    `toml:"read_timeout"`
	WriteTimeout int    `toml:"write_timeout"`
}

// Queue contains queue backend selection and the delivery retry policy.
type Queue struct {
	Backend           string  `toml:"backend"`
	RedisAddr         string  `toml:"redis_addr"`
	RedisDB           int     `toml:"redis_db"`
	RedisPassword     string  `toml:"redis_password"`
	MaxAttempts       int     `toml:"max_attempts"`
	BaseDelayMS       int     `toml:"base_delay_ms"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	MaxDelayMS        int     `toml:"max_delay_ms"`
	VisibilityTimeout int     `toml:"visibility_timeout"`
	PollIntervalMS    int     `toml:"poll_interval_ms"`
	BreakerFailures   int     `toml:"breaker_failures"`
	BreakerCooldown   int     `toml:"breaker_cooldown"`
}

// Routing contains lane classification thresholds.
type Routing struct {
	RealtimeMaxSeconds float64 `toml:"realtime_max_seconds"`
	StandardMaxSeconds float64 `toml:"standard_max_seconds"`
	DefaultLane        string  `toml:"default_lane"`
}

// Workflow contains stage pipeline and runner timing.
type Workflow struct {
	Stages             []string `toml:"stages"`
	RealtimeWorkers    int      `toml:"realtime_workers"`
	StandardWorkers    int      `toml:"standard_workers"`
	BulkWorkers        int      `toml:"bulk_workers"`
	HeartbeatInterval  int      `toml:"heartbeat_interval"`
	MissedHeartbeats   int      `toml:"missed_heartbeats"`
	ErrorRetryInterval int      `toml:"error_retry_interval"`
}

// Stages configures the stage processors. An empty Endpoint selects the
// built-in simulated processors.
type Stages struct {
	Endpoint        string `toml:"endpoint"`
	SimulatedStepMS int    `toml:"simulated_step_ms"`
	RequestTimeout  int    `toml:"request_timeout"`
}

// Realtime contains push channel settings.
type Realtime struct {
	SubscriberBuffer int      `toml:"subscriber_buffer"`
	PingInterval     int      `toml:"ping_interval"`
	AllowedOrigins   []string `toml:"allowed_origins"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	JobFailed      bool   `toml:"job_failed"`
	DeadLetter     bool   `toml:"dead_letter"`
	Daemon         bool   `toml:"daemon"`
}

// Tracing contains OpenTelemetry exporter settings. Tracing is disabled when
// OTLPEndpoint is empty.
type Tracing struct {
	OTLPEndpoint string  `toml:"otlp_endpoint"`
	ServiceName  string  `toml:"service_name"`
	Insecure     bool    `toml:"insecure"`
	SampleRatio  float64 `toml:"sample_ratio"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for the orchestrator.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories
//   - API: HTTP bind address, bearer token and timeouts
//   - Queue: backend selection plus delivery retry/backoff policy
//   - Routing: lane thresholds and the default lane
//   - Workflow: stage pipeline, per-lane workers, heartbeat watchdog
//   - Stages: stage processor endpoint
//   - Realtime: subscriber buffering and websocket keepalive
//   - Notifications: ntfy push notification settings
//   - Tracing: OTLP exporter
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	API           API           `toml:"api"`
	Queue         Queue         `toml:"queue"`
	Routing       Routing       `toml:"routing"`
	Workflow      Workflow      `toml:"workflow"`
	Stages        Stages        `toml:"stages"`
	Realtime      Realtime      `toml:"realtime"`
	Notifications Notifications `toml:"notifications"`
	Tracing       Tracing       `toml:"tracing"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigRelativeLocation)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("isn.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// CreateSample writes the annotated sample configuration to path. Existing
// files are never overwritten.
func CreateSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config already exists at %s", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite file holding the job registry and the
// embedded queue.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "isn.db")
}

// LockPath returns the single-instance daemon lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "isn.lock")
}

// LogPath returns the daemon log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.LogDir, "isn.log")
}

// APIBaseURL returns the URL the CLI uses to reach the daemon.
func (c *Config) APIBaseURL() string {
	bind := c.API.Bind
	if strings.HasPrefix(bind, ":") {
		bind = "127.0.0.1" + bind
	}
	return "http://" + bind
}

// RetryBaseDelay returns the first backoff delay for queue redelivery.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Queue.BaseDelayMS) * time.Millisecond
}

// RetryMaxDelay returns the backoff ceiling.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Queue.MaxDelayMS) * time.Millisecond
}

// VisibilityTimeout returns how long a claimed delivery stays invisible to
// other workers without a lease extension.
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.Queue.VisibilityTimeout) * time.Second
}

// PollInterval returns how often idle workers poll their lane.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMS) * time.Millisecond
}

// HeartbeatInterval returns the runner heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Workflow.HeartbeatInterval) * time.Second
}

// HeartbeatTimeout returns the watchdog cutoff: missed_heartbeats intervals.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Workflow.HeartbeatInterval*c.Workflow.MissedHeartbeats) * time.Second
}

// LaneWorkers returns the worker count configured for lane.
func (c *Config) LaneWorkers(lane string) int {
	switch lane {
	case "realtime":
		return c.Workflow.RealtimeWorkers
	case "standard":
		return c.Workflow.StandardWorkers
	case "bulk":
		return c.Workflow.BulkWorkers
	default:
		return 0
	}
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
