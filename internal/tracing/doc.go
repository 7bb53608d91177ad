// Package tracing wires OpenTelemetry for the orchestrator: a global tracer
// provider with optional OTLP/gRPC export, and helpers for surfacing trace
// ids in logs and API error envelopes.
package tracing
