// ABOUTME: SSE stream endpoint delivering live dialogue events to clients
// ABOUTME: Tracks open connections and renders assistant markdown to HTML

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/2389/taproot/internal/bus"
	"github.com/2389/taproot/internal/store"
)

// markdown renders assistant message content for web clients. Hard wraps
// become <br>, raw HTML in model output is escaped.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// ConnectionRegistry tracks open stream connections per dialogue key. It is
// bookkeeping only; delivery and buffering live in the broadcaster.
type ConnectionRegistry struct {
	mu     sync.Mutex
	conns  map[string]string // connection id -> dialogue key
	logger *slog.Logger
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry(logger *slog.Logger) *ConnectionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionRegistry{
		conns:  make(map[string]string),
		logger: logger.With("component", "connections"),
	}
}

// Add registers an open connection for a dialogue key.
func (c *ConnectionRegistry) Add(connID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[connID] = key
	c.logger.Debug("stream connected", "connection_id", connID, "key", key, "open", len(c.conns))
}

// Remove deregisters a connection. Unknown ids are ignored.
func (c *ConnectionRegistry) Remove(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.conns[connID]
	if !ok {
		return
	}
	delete(c.conns, connID)
	c.logger.Debug("stream disconnected", "connection_id", connID, "key", key, "open", len(c.conns))
}

// Count returns the number of open connections for one dialogue key.
func (c *ConnectionRegistry) Count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range c.conns {
		if k == key {
			n++
		}
	}
	return n
}

// Total returns the number of open connections across all keys.
func (c *ConnectionRegistry) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// handleStream serves the live event stream for one (session, node) pair as
// server-sent events. The subscription lasts until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	nodeID := r.URL.Query().Get("node_id")
	if sessionID == "" || nodeID == "" {
		writeError(w, http.StatusBadRequest, "session_id and node_id are required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	connID := uuid.New().String()
	key := bus.Key(sessionID, nodeID)
	s.connections.Add(connID, key)
	defer s.connections.Remove(connID)

	// Subscription is tied to the request context, so a client disconnect
	// tears it down in the broadcaster as well.
	events, subID := s.svc.Subscribe(r.Context(), sessionID, nodeID)

	writeSSEEvent(w, "connected", map[string]string{
		"connection_id":   connID,
		"subscription_id": subID,
	})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSEEvent(w, string(ev.Type), renderEvent(ev))
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one named SSE frame with a JSON data payload.
func writeSSEEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

// renderEvent attaches rendered HTML to assistant message events. Events are
// shared across subscribers, so the event and payload are copied before the
// HTML is filled in.
func renderEvent(ev *bus.StreamEvent) *bus.StreamEvent {
	msg, ok := ev.Data.(*bus.MessageData)
	if !ok || msg.Role != store.RoleAssistant || msg.Content == "" {
		return ev
	}

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(msg.Content), &buf); err != nil {
		return ev
	}

	msgCopy := *msg
	msgCopy.ContentHTML = buf.String()
	evCopy := *ev
	evCopy.Data = &msgCopy
	return &evCopy
}
