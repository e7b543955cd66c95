// Package queue implements the durable priority job queue for dialogue turns.
//
// # Overview
//
// The queue accepts turn jobs at enqueue time and hands them to workers in
// priority order (higher first, FIFO within a priority). Jobs are persisted
// through the store's job table, so queued turns survive a process restart;
// the in-memory notify channel exists only to short-circuit dequeue polling.
//
// # At-Least-Once Semantics
//
// A claimed job holds a lease. If the worker crashes and the lease expires,
// the background sweeper returns the job to waiting so another worker can
// retry it. Combined with the store's idempotent turn appends, a turn is
// processed at least once but its messages are appended exactly once.
//
// # Retry Policy
//
// Failed retriable attempts are rescheduled with exponential backoff
// (1s, 2s, 4s by default) up to MaxAttempts (default 3), after which the job
// is terminally failed. Non-retriable failures go terminal immediately.
//
// # Serialization
//
// At most one job per dialogue key is active at a time: the claim query skips
// waiting jobs whose dialogue already has an active job, so two turns on the
// same dialogue never interleave sequence assignment.
//
// # Retention
//
// Completed jobs are retained 24h for result retrieval, failed jobs 7d for
// diagnosis; the sweeper prunes both. Status lookups of pruned ids return
// ErrJobNotFound.
package queue
