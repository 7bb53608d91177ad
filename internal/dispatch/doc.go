// Package dispatch admits subtitle requests into the system.
//
// Submit validates a request, assigns the job id, routes it to a lane, writes
// the queued registry record and only then places the descriptor on the lane.
// Enqueue runs behind a circuit breaker with a bounded backoff; when it still
// fails the registry record is marked failed so the history stays
// append-only and the caller receives an enqueue error.
package dispatch
