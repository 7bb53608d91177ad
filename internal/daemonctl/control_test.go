package daemonctl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/ipc"
	"github.com/albatrossmedia/ISN-MVP/internal/testsupport"
)

func unreachableClient(t *testing.T) *ipc.Client {
	t.Helper()
	client, err := ipc.Dial("http://127.0.0.1:1", "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return client
}

func TestStopAndTerminateWithoutDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, err := StopAndTerminate(context.Background(), unreachableClient(t), cfg, time.Second)
	if !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestProcessInfoUnreachable(t *testing.T) {
	alive, pid, err := ProcessInfo(context.Background(), unreachableClient(t))
	if alive || pid != 0 || err != nil {
		t.Fatalf("expected unreachable daemon, got alive=%v pid=%d err=%v", alive, pid, err)
	}
}

func TestWaitForClientTimesOut(t *testing.T) {
	err := WaitForClient(context.Background(), unreachableClient(t), 300*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "daemon failed to start") {
		t.Fatalf("expected start timeout, got %v", err)
	}
}

func TestForceKillRefusesCurrentProcess(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "isn.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	if _, err := ForceKillProcess(pidPath, "", 0); err == nil {
		t.Fatal("expected refusal to kill the current process")
	}
}

func TestReadPIDRejectsGarbage(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "isn.pid")
	if err := os.WriteFile(pidPath, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	if _, err := readPID(pidPath); err == nil {
		t.Fatal("expected malformed pid error")
	}
	if _, err := ForceKillProcess(filepath.Join(t.TempDir(), "missing.pid"), "", 0); err == nil {
		t.Fatal("expected error without pid")
	}
}
