// ABOUTME: Dialogue service is the validated entry point for turn submission
// ABOUTME: Enqueue-and-return; all turn outcomes flow through the stream or status query

package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/taproot/internal/bus"
	"github.com/2389/taproot/internal/dedupe"
	"github.com/2389/taproot/internal/queue"
	"github.com/2389/taproot/internal/store"
)

// ErrDuplicateSubmission is returned when an identical turn was submitted
// within the dedupe window.
var ErrDuplicateSubmission = errors.New("duplicate turn submission")

// maxMessageBytes bounds user message size at the boundary.
const maxMessageBytes = 32 * 1024

// ValidationError reports a malformed send request. Rejected at enqueue time;
// never becomes a job.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// SendRequest contains everything needed to submit a dialogue turn.
// Inputs arrive pre-authenticated; ownership checks happen upstream.
type SendRequest struct {
	UserID            string
	SessionID         string
	NodeID            string
	NodeType          store.NodeType
	NodeLabel         string
	StructureSnapshot json.RawMessage
	MessageText       string
	CallerTier        string
	ModelID           string
}

// SendResponse acknowledges an enqueued turn. The caller observes the actual
// turn outcome through the event stream or the job status query.
type SendResponse struct {
	JobID       string `json:"job_id"`
	Position    int    `json:"position"`
	DialogueKey string `json:"dialogue_key"`
}

// Service validates send requests, derives job priority from the caller
// tier, and enqueues turns. It also serves status, history, metrics, and
// stream subscriptions.
type Service struct {
	store        store.Store
	queue        *queue.Queue
	bus          *bus.Broadcaster
	guard        *dedupe.Guard
	defaultModel string
	logger       *slog.Logger
}

// New creates a dialogue service. guard may be nil to disable submission
// deduplication.
func New(st store.Store, q *queue.Queue, b *bus.Broadcaster, guard *dedupe.Guard, defaultModel string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        st,
		queue:        q,
		bus:          b,
		guard:        guard,
		defaultModel: defaultModel,
		logger:       logger.With("component", "dialogue"),
	}
}

// Send validates and enqueues one dialogue turn. It suspends only for the
// queue write; turn execution happens in the workers.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if s.guard != nil && s.guard.Duplicate(req.SessionID, req.NodeID, req.MessageText) {
		return nil, ErrDuplicateSubmission
	}

	modelID := req.ModelID
	if modelID == "" {
		modelID = s.defaultModel
	}

	payload := &queue.TurnPayload{
		UserID:            req.UserID,
		SessionID:         req.SessionID,
		NodeID:            req.NodeID,
		NodeType:          req.NodeType,
		NodeLabel:         req.NodeLabel,
		StructureSnapshot: req.StructureSnapshot,
		MessageText:       req.MessageText,
		CallerTier:        req.CallerTier,
		ModelID:           modelID,
	}

	jobID, position, err := s.queue.Enqueue(ctx, payload, queue.PriorityForTier(req.CallerTier))
	if err != nil {
		return nil, fmt.Errorf("enqueueing turn: %w", err)
	}

	s.logger.Debug("turn enqueued",
		"job_id", jobID,
		"session_id", req.SessionID,
		"node_id", req.NodeID,
		"tier", req.CallerTier,
		"position", position)

	return &SendResponse{
		JobID:       jobID,
		Position:    position,
		DialogueKey: payload.DialogueKey(),
	}, nil
}

// Status returns the state of a submitted turn job.
func (s *Service) Status(ctx context.Context, jobID string) (*queue.JobStatus, error) {
	return s.queue.Status(ctx, jobID)
}

// History returns the dialogue for a (session, node) pair and a page of its
// messages in sequence order. Returns store.ErrNotFound when no dialogue
// exists yet.
func (s *Service) History(ctx context.Context, sessionID, nodeID string, limit, page int) (*store.Dialogue, []*store.TurnMessage, error) {
	dialogue, err := s.store.GetDialogueByNode(ctx, sessionID, nodeID)
	if err != nil {
		return nil, nil, err
	}

	msgs, err := s.store.History(ctx, dialogue.ID, limit, page)
	if err != nil {
		return nil, nil, fmt.Errorf("loading history: %w", err)
	}
	return dialogue, msgs, nil
}

// Subscribe attaches a live event subscription for a (session, node) pair.
// The subscription ends when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, sessionID, nodeID string) (<-chan *bus.StreamEvent, string) {
	return s.bus.Subscribe(ctx, bus.Key(sessionID, nodeID))
}

// QueueMetrics returns per-state job counts.
func (s *Service) QueueMetrics(ctx context.Context) (*store.JobCounts, error) {
	return s.queue.Metrics(ctx)
}

// UsageStats returns aggregated usage ledger totals.
func (s *Service) UsageStats(ctx context.Context, filter store.UsageFilter) (*store.UsageStats, error) {
	return s.store.GetUsageStats(ctx, filter)
}

func validate(req *SendRequest) error {
	if req.SessionID == "" {
		return &ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	if req.NodeID == "" {
		return &ValidationError{Field: "node_id", Reason: "must not be empty"}
	}
	if !store.ValidNodeType(req.NodeType) {
		return &ValidationError{Field: "node_type", Reason: fmt.Sprintf("unknown node type %q", req.NodeType)}
	}
	if req.MessageText == "" {
		return &ValidationError{Field: "message_text", Reason: "must not be empty"}
	}
	if len(req.MessageText) > maxMessageBytes {
		return &ValidationError{Field: "message_text", Reason: fmt.Sprintf("exceeds %d bytes", maxMessageBytes)}
	}
	switch req.CallerTier {
	case "", queue.TierLow, queue.TierHigh:
	default:
		return &ValidationError{Field: "caller_tier", Reason: fmt.Sprintf("unknown tier %q", req.CallerTier)}
	}
	return nil
}
