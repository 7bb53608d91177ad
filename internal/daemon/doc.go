// Package daemon coordinates the long-running orchestrator process.
//
// It opens the shared SQLite database and wires the job registry, the queue
// backend, the dispatcher, the lane runner, the realtime hub and the HTTP API
// into a single lifecycle, with flock-based locking to prevent multiple
// instances against the same data directory. Preflight checks run on start
// and their results are surfaced through the status endpoint; failures are
// logged but do not block startup.
//
// Keep orchestration logic here: admission, execution and transport belong
// to their own packages while the daemon focuses on startup, shutdown, and
// high level coordination.
package daemon
