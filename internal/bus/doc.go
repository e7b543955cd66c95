// Package bus provides in-memory fan-out delivery of dialogue stream events.
//
// # Overview
//
// The Broadcaster maps a dialogue key (session/node pair) to the set of live
// subscriber channels and delivers each published StreamEvent to all of them.
// It is the only path by which turn workers communicate progress to connected
// clients; nothing here is persisted.
//
// # Delivery Semantics
//
//   - Every subscriber of a key receives every event published for that key,
//     in publish order, while subscribed.
//   - Publish is non-blocking: a subscriber whose buffer is full has that
//     event dropped rather than stalling the publisher. Clients recover state
//     via the job status query or history fetch; the stream is best-effort.
//   - Unsubscribing one connection never affects delivery to the others.
//
// # Lifecycle
//
// Subscriptions are scoped to a context: cancellation (typically the HTTP
// request context of an SSE connection) unsubscribes and closes the channel,
// so no event is ever delivered to a torn-down subscription.
//
// # Event Shape
//
// StreamEvent is a tagged union (processing, message, progress, complete,
// error) carrying session/node/dialogue identifiers, a server timestamp, and
// a variant payload.
package bus
