// Package queue carries job descriptors from the dispatcher to lane workers.
//
// A Store holds one logical queue per lane. Deliveries are leased to a single
// consumer for the visibility timeout; a consumer that stops extending its
// lease loses the delivery to the next Claim. Failed deliveries are retried
// with exponential backoff until the retry policy is exhausted, after which
// they move to the dead-letter set where operators can inspect and replay
// them.
//
// Two backends are provided: SQLiteStore shares the daemon's database file and
// RedisStore keeps the lanes in sorted sets so several daemons can drain one
// queue.
package queue
