package daemonrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
	"github.com/albatrossmedia/ISN-MVP/internal/daemon"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/tracing"
)

const (
	logFilePrefix = "isn-"
	pidFileName   = "isn.pid"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	Version     string
}

// Run starts the daemon and blocks until SIGINT, SIGTERM or cmdCtx ends.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, logFilePrefix+runID+".log")

	level := strings.TrimSpace(opts.LogLevel)
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := ensureCurrentLogPointer(cfg.LogPath(), logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update %s link: %v\n", filepath.Base(cfg.LogPath()), err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays, cfg.Paths.LogDir, logFilePrefix+"*.log", logPath)

	pidPath := PIDPath(cfg)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	shutdownTracing, err := tracing.Setup(signalCtx, cfg.Tracing, opts.Version, logger)
	if err != nil {
		logging.WarnWithContext(logger, "tracing disabled", "tracing_setup_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check tracing.otlp_endpoint"),
		)
	} else {
		defer func() {
			flushCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := shutdownTracing(flushCtx); err != nil {
				logger.Warn("tracing shutdown failed", logging.Error(err))
			}
		}()
	}

	d, err := daemon.New(signalCtx, cfg, logger, daemon.WithVersion(opts.Version))
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the api bind address, lock file and queue backend"),
			logging.String(logging.FieldImpact, "no jobs will be admitted or processed"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("isn daemon shutting down")
	return nil
}

// PIDPath returns the pid file written while the daemon runs.
func PIDPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.DataDir, pidFileName)
}

// ensureCurrentLogPointer points current at target, falling back to a hard
// link where symlinks are unavailable.
func ensureCurrentLogPointer(current, target string) error {
	if current == "" || target == "" {
		return nil
	}
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
