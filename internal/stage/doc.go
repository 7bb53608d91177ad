// Package stage defines the contract between the runner and the model
// backends that execute each pipeline step (asr, mt, context, align, qa).
//
// Two implementations ship with the orchestrator: Simulated, which walks
// through fixed progress ticks and fabricates plausible artifacts, and
// HTTPProcessor, which forwards each stage to a remote worker and streams its
// NDJSON progress back. NewProcessors picks between them from config.
package stage
