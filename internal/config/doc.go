// Package config holds the orchestrator's TOML settings.
//
// Load reads ~/.config/isn/config.toml (or an explicit path), rejects unknown
// keys, fills zero values from Default, expands ~ in paths and applies the
// ISN_API_TOKEN and ISN_REDIS_ADDR environment overrides. Validate checks each
// section on its own: the queue backend and retry budget, lane thresholds,
// worker counts, heartbeat timing against the visibility timeout, and the
// realtime channel limits.
//
// Derived values such as DatabasePath, LockPath and HeartbeatTimeout live on
// *Config so callers never rebuild them from raw fields.
package config
