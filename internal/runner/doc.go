// Package runner executes admitted jobs.
//
// Each lane gets its own pool of workers that claim deliveries from that lane
// only. A worker claims the job in the registry under the delivery's attempt
// number, runs every stage that has not completed yet, and acknowledges the
// delivery once the job reaches a terminal state. Transient stage errors are
// negatively acknowledged so the queue retries them with backoff; exhausted
// deliveries are dead-lettered and DeadLetterHandler fails the job.
//
// While a job runs, a keepalive goroutine extends the delivery lease and
// heartbeats the registry. Losing the lease or the claim cancels execution so
// at most one worker advances a job at a time. The Watchdog fails jobs whose
// heartbeat went silent for missed_heartbeats intervals.
package runner
