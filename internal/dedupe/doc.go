// Package dedupe provides a TTL-based guard against duplicate turn
// submissions. An identical (session, node, text) triple arriving within the
// TTL window — a double-click, an impatient resubmit, a client retry — is
// rejected at the service boundary before it becomes a queued job.
package dedupe
