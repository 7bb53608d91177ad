// Package services defines the shared error taxonomy and context helpers used
// by the dispatcher, registry, stage runner and HTTP API.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, tenants, lanes, stage names and
//     trace identifiers so structured logs stay correlated.
//   - Error markers plus the Wrap helper, and the Code/HTTPStatus mapping that
//     turns them into the machine-readable API error envelope.
//
// Wrap failures with the marker that describes how callers should react
// (reject, retry, ignore) rather than returning bare errors across packages.
package services
