// Package logging assembles structured slog loggers and formatting helpers used
// across the orchestrator.
//
// It owns the console/JSON handlers, centralizes level and output plumbing, and
// exposes context-aware helpers so dispatcher, registry and runner code tag log
// lines with job IDs, tenants, lanes, stages, and trace IDs automatically. The
// package also provides a no-op logger for tests and wiring code that cannot
// fail.
package logging
