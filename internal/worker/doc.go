// Package worker executes queued dialogue turns.
//
// # Turn Protocol
//
// Each job runs a five-step protocol:
//
//  1. Resolve-or-create the dialogue for the (session, node) pair
//  2. Persist the user turn (idempotent via job-scoped turn key)
//  3. Build the Socratic prompt and call the model provider
//  4. Persist the assistant reply with model metadata
//  5. Record a usage ledger entry and the job result
//
// Lifecycle events are published to the broadcaster at every step, in strict
// order: processing, message(user), progress, message(assistant), complete.
// A failure at any step emits one error event for the attempt and hands the
// job to the queue's retry policy; nothing escapes Process uncaught.
//
// # Idempotent Resume
//
// Retried jobs re-run the whole protocol, but both appends carry turn keys
// derived from the job id, so the store returns the originally appended rows
// instead of duplicating them. A crash after the user turn was persisted
// therefore resumes at the model call on the next attempt.
//
// # Degraded Mode
//
// When fallback is enabled, a job on its final attempt whose model call fails
// gets a canned Socratic question as the reply instead of failing terminally.
// The question selector is injectable for deterministic tests.
package worker
