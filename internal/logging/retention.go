package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CleanupOldLogs removes files in dir matching pattern whose modification time
// is older than retentionDays. The active log file passed as keep is never
// removed. A retentionDays value of 0 disables pruning.
func CleanupOldLogs(logger *slog.Logger, retentionDays int, dir, pattern, keep string) int {
	if retentionDays <= 0 || strings.TrimSpace(dir) == "" {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	keepAbs, _ := filepath.Abs(keep)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if pattern != "" {
			if matched, err := filepath.Match(pattern, entry.Name()); err != nil || !matched {
				continue
			}
		}
		fullPath, err := filepath.Abs(filepath.Join(dir, entry.Name()))
		if err != nil || fullPath == keepAbs {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(fullPath); err != nil {
			WarnWithContext(logger, "log retention remove failed; file remains", "log_retention_failed",
				String("path", fullPath),
				Error(err),
				String(FieldErrorHint, "check file permissions and log_dir ownership"),
				String(FieldImpact, "old log file remains on disk"),
			)
			continue
		}
		removed++
		if logger != nil {
			logger.Info("log pruned", String("path", fullPath), String(FieldEventType, "log_pruned"))
		}
	}
	return removed
}
