// Package registry is the authoritative record of job identity, status and
// per-stage progress.
//
// Every mutation runs under a per-job lock and inside one SQLite transaction,
// so updates to the same job are serialized while different jobs proceed in
// parallel. A job's stages are stored as one JSON document in its row, which
// makes every read a consistent snapshot. Accepted mutations are published to
// the configured EventSink after commit, in commit order for each job.
//
// Transitions only move forward: queued -> running -> completed/failed, with
// cancelled reachable from queued or running. Operations on terminal jobs are
// either no-ops (Cancel) or return ErrTerminal so callers can stop work.
package registry
