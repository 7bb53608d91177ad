// Command isn is the operator CLI for the subtitle orchestrator.
//
// It runs the daemon in the foreground (isn daemon) or detached (isn start),
// and talks to a running daemon over its HTTP API to submit and inspect jobs,
// follow a job over the realtime channel, and operate the delivery queue.
// Configuration is read from ~/.config/isn/config.toml unless --config is
// given.
package main
