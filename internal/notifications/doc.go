// Package notifications pushes operator alerts for failed and dead-lettered
// jobs and daemon lifecycle events.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when no topic is set. Each alert class
// can be toggled independently under [notifications].
package notifications
