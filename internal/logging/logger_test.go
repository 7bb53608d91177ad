package logging_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/services"
)

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg, true)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("daemon ready")

	content, err := os.ReadFile(cfg.LogPath())
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "daemon ready") {
		t.Fatalf("expected message in log file, got %q", content)
	}
}

func TestConsoleLoggerRendersJobSubject(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := services.WithJobID(context.Background(), "JOB-123")
	ctx = services.WithLane(ctx, "realtime")
	ctx = services.WithStage(ctx, "asr")
	logging.WithContext(ctx, logging.NewComponentLogger(logger, "runner")).Info("stage started", logging.Int("progress", 0))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	for _, fragment := range []string{"INFO", "[runner]", "Realtime · JOB-123 (asr)", "stage started", "progress=0"} {
		if !strings.Contains(line, fragment) {
			t.Fatalf("expected %q in %q", fragment, line)
		}
	}
	if strings.Contains(line, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", line)
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("expected no color codes when writing to a file, got %q", line)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "debug.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("probe")
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "logger_test.go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestJSONLoggerIncludesContextFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := services.WithJobID(context.Background(), "JOB-9")
	ctx = services.WithTenant(ctx, "acme")
	ctx = services.WithRequestID(ctx, "trace-7")
	logging.WithContext(ctx, logger).Warn("slow subscriber", logging.Duration("lag", 2*time.Second))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(content, &entry); err != nil {
		t.Fatalf("decode json log: %v (%q)", err, content)
	}
	if entry["level"] != "warn" || entry["message"] != "slow subscriber" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry[logging.FieldJobID] != "JOB-9" || entry[logging.FieldTenant] != "acme" || entry[logging.FieldCorrelationID] != "trace-7" {
		t.Fatalf("expected context fields, got %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", entry)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "warn.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "enqueue retry", "enqueue_retry", logging.String(logging.FieldImpact, "submission delayed"))
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(content, &entry); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if entry[logging.FieldEventType] != "enqueue_retry" {
		t.Fatalf("expected event_type, got %v", entry)
	}
	if entry[logging.FieldImpact] != "submission delayed" {
		t.Fatalf("expected caller impact to win, got %v", entry)
	}
	if entry[logging.FieldErrorHint] == nil {
		t.Fatalf("expected default error hint, got %v", entry)
	}
}

func TestCleanupOldLogsKeepsActiveFile(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "isn.log")
	old := filepath.Join(dir, "isn-old.log")
	for _, path := range []string{active, old} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		past := time.Now().AddDate(0, 0, -10)
		if err := os.Chtimes(path, past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed := logging.CleanupOldLogs(logging.NewNop(), 5, dir, "*.log", active)
	if removed != 1 {
		t.Fatalf("expected one file removed, got %d", removed)
	}
	if _, err := os.Stat(active); err != nil {
		t.Fatalf("active log removed: %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected old log removed, stat err=%v", err)
	}
}
