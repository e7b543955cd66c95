// Package server is the HTTP boundary of taproot.
//
// It exposes JSON endpoints for submitting dialogue turns, querying job
// status, reading history, and inspecting queue and usage metrics, plus a
// server-sent events endpoint that streams the live turn lifecycle for one
// (session, node) dialogue.
//
// Handlers are thin: decode, delegate to the dialogue service, encode. The
// one piece of real work at this layer is presentation of assistant messages,
// which are rendered from markdown to HTML on the stream so web clients can
// display them directly. Rendering happens per delivery and is never
// persisted.
package server
