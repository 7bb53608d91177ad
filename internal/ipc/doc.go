// Package ipc is the CLI's client for a running daemon. It speaks the HTTP
// API for request/response calls and the WebSocket channel for watch.
//
// Calls take a context so CLI commands fail fast when the daemon is offline;
// connection failures are rewritten into hints naming the configured bind
// address. Error envelopes come back as *APIError so callers can branch on
// the API code.
package ipc
