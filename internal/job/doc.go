// Package job defines the orchestrator's data model: subtitle generation
// requests, the job record with its ordered stage list, the lane and status
// enumerations, and the mutation events the registry publishes.
//
// Types here carry no behaviour beyond derivations on a single value (stage
// lookup, overall progress, cloning). State transitions are owned by the
// registry package.
package job
