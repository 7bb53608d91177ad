package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
	"github.com/albatrossmedia/ISN-MVP/internal/daemonrun"
	"github.com/albatrossmedia/ISN-MVP/internal/ipc"
)

const pollInterval = 200 * time.Millisecond

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	LogLevel   string
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	PID      int
}

// ErrDaemonNotRunning indicates the daemon API is unreachable.
var ErrDaemonNotRunning = errors.New("daemon not running")

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	Signalled  bool
	ForcedKill bool
	PID        int
}

// Launch starts a detached `isn daemon` process.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"daemon"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForClient polls the health endpoint until the daemon answers.
func WaitForClient(ctx context.Context, client *ipc.Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		_, err := client.Health(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if err := sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for daemon")
	}
	return fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon unless it already answers.
func EnsureStarted(ctx context.Context, client *ipc.Client, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	if status, err := client.Status(ctx); err == nil && status.Running {
		return StartResult{State: StartStateAlreadyRunning, PID: status.PID}, nil
	}
	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}
	if err := WaitForClient(ctx, client, waitTimeout); err != nil {
		return StartResult{}, err
	}
	result := StartResult{State: StartStateStarted, Launched: true}
	if status, err := client.Status(ctx); err == nil {
		result.PID = status.PID
	}
	return result, nil
}

// WaitForShutdown waits until the daemon API stops answering.
func WaitForShutdown(ctx context.Context, client *ipc.Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := client.Status(ctx); err != nil && !isAPIError(err) {
			return nil
		}
		if err := sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("daemon did not stop within %s", timeout)
}

// ProcessInfo returns whether the daemon API is reachable and its PID.
func ProcessInfo(ctx context.Context, client *ipc.Client) (bool, int, error) {
	status, err := client.Status(ctx)
	if err != nil {
		if isAPIError(err) {
			return true, 0, err
		}
		return false, 0, nil
	}
	return true, status.PID, nil
}

// StopAndTerminate sends SIGTERM to the daemon and force-kills it if it is
// still answering after gracePeriod. The PID comes from /v1/status, falling
// back to the pid file.
func StopAndTerminate(ctx context.Context, client *ipc.Client, cfg *config.Config, gracePeriod time.Duration) (StopResult, error) {
	pidPath := daemonrun.PIDPath(cfg)
	alive, pid, err := ProcessInfo(ctx, client)
	if !alive {
		return StopResult{}, ErrDaemonNotRunning
	}
	if pid == 0 {
		if pid, err = readPID(pidPath); err != nil {
			return StopResult{}, err
		}
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return StopResult{}, fmt.Errorf("locate daemon process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return StopResult{}, fmt.Errorf("signal daemon process %d: %w", pid, err)
	}
	result := StopResult{Signalled: true, PID: pid}

	if err := WaitForShutdown(ctx, client, gracePeriod); err == nil {
		return result, nil
	}
	killed, err := ForceKillProcess(pidPath, cfg.LockPath(), pid)
	if err != nil {
		return result, fmt.Errorf("failed to stop daemon process: %w", err)
	}
	result.ForcedKill = true
	result.PID = killed
	return result, nil
}

// ForceKillProcess sends SIGKILL to the daemon process and cleans pid/lock files.
func ForceKillProcess(pidPath, lockPath string, fallbackPID int) (int, error) {
	pid := fallbackPID
	if parsed, err := readPID(pidPath); err == nil {
		pid = parsed
	} else if !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	if pid <= 0 {
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", pidPath)
	}
	if pid == os.Getpid() {
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("locate daemon process %d: %w", pid, err)
	}
	if err := proc.Kill(); err != nil {
		return 0, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	if lockPath != "" {
		_ = os.Remove(lockPath)
	}
	return pid, nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read daemon pid file %q: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("daemon pid file %q is malformed", path)
	}
	return pid, nil
}

// isAPIError reports whether the daemon answered, even with an error status.
func isAPIError(err error) bool {
	var apiErr *ipc.APIError
	return errors.As(err, &apiErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
