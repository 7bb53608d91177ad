// Package api exposes the orchestrator over HTTP: job submission, snapshots,
// listing and termination, the realtime WebSocket channel, the operator queue
// surface and daemon status.
//
// # Routes
//
//	POST /v1/jobs                              submit (alias POST /models/run)
//	GET  /v1/jobs                              list (status, tenant, lane, limit)
//	GET  /v1/jobs/{id}                         snapshot
//	POST /v1/jobs/{id}/terminate               cancel (alias .../cancel)
//	GET  /v1/ws                                realtime channel
//	GET  /v1/queue/stats                       per-lane depth
//	GET  /v1/queue/dead-letters                dead letters (lane, limit)
//	POST /v1/queue/dead-letters/{id}/replay    re-admit as a new job
//	GET  /v1/status                            daemon summary
//	GET  /healthz                              liveness, unauthenticated
//
// # Errors
//
// Failures are rendered as ErrorEnvelope with the code and status derived
// from the services error markers. Every response carries X-Trace-Id: the
// caller's header when present, otherwise the request span's trace id,
// otherwise a random UUID.
//
// # Authentication
//
// When a token is configured every route except /healthz requires
// "Authorization: Bearer <token>". Browsers cannot set headers on WebSocket
// upgrades, so /v1/ws also accepts the token as an access_token query
// parameter.
package api
