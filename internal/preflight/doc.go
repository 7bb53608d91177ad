// Package preflight provides readiness checks for the filesystem paths and
// services the orchestrator depends on.
//
// These checks run in two contexts:
//   - The daemon runs RunAll at startup and logs every failure; the results
//     are also included in /v1/status.
//   - The CLI "isn status" command renders the daemon's check list.
//
// Each check is gated by its config: the stage endpoint is only probed when
// HTTP stage processors are configured.
package preflight
