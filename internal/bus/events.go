// ABOUTME: StreamEvent tagged union for dialogue turn lifecycle events
// ABOUTME: Ephemeral wire types delivered from workers to stream subscribers

package bus

import (
	"time"

	"github.com/2389/taproot/internal/store"
)

// EventType identifies the kind of stream event.
type EventType string

const (
	EventProcessing EventType = "processing"
	EventMessage    EventType = "message"
	EventProgress   EventType = "progress"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
)

// StreamEvent is one dialogue lifecycle event on the wire. Events are never
// persisted; they exist only between the broadcaster and its subscribers.
type StreamEvent struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	NodeID     string    `json:"node_id"`
	DialogueID string    `json:"dialogue_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Data       any       `json:"data"`
}

// ProcessingData is the payload for EventProcessing.
type ProcessingData struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// MessageData is the payload for EventMessage, for both user and assistant turns.
type MessageData struct {
	MessageID        string     `json:"message_id"`
	Role             store.Role `json:"role"`
	Seq              int        `json:"seq"`
	Content          string     `json:"content"`
	ContentHTML      string     `json:"content_html,omitempty"`
	ModelID          string     `json:"model_id,omitempty"`
	PromptTokens     int        `json:"prompt_tokens,omitempty"`
	CompletionTokens int        `json:"completion_tokens,omitempty"`
}

// ProgressData is the payload for EventProgress.
type ProgressData struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// CompleteData is the payload for EventComplete.
type CompleteData struct {
	JobID            string `json:"job_id"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	CostMicrocents   int64  `json:"cost_microcents"`
	LatencyMS        int64  `json:"latency_ms"`
}

// ErrorData is the payload for EventError.
type ErrorData struct {
	JobID     string `json:"job_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// NewEvent constructs a StreamEvent stamped with the current server time.
func NewEvent(typ EventType, sessionID, nodeID, dialogueID string, data any) *StreamEvent {
	return &StreamEvent{
		Type:       typ,
		SessionID:  sessionID,
		NodeID:     nodeID,
		DialogueID: dialogueID,
		Timestamp:  time.Now(),
		Data:       data,
	}
}
