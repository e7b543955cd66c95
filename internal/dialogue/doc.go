// Package dialogue provides the high-level turn submission service.
//
// # Overview
//
// The service sits between the HTTP handlers and the queue/worker pipeline.
// Submitting a turn is fire-and-acknowledge: the request is validated,
// deduplicated, priced into a priority by caller tier, and enqueued; the
// caller gets back a job id and an approximate queue position immediately.
//
// Everything that happens to the turn afterwards — persistence, the model
// call, the reply — is observed through the event stream subscription, the
// job status query, or a history re-fetch. The stream is not assumed to be
// reliable delivery; status and history are the recovery paths.
//
// # Validation
//
// Malformed requests (empty ids or text, unknown node type or tier,
// oversized text) are rejected with ValidationError at enqueue time and never
// become jobs. Rapid duplicate submissions of the same text to the same node
// are rejected with ErrDuplicateSubmission.
package dialogue
