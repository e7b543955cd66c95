// ABOUTME: TurnWorker executes the five-step dialogue turn protocol per job
// ABOUTME: Persist user turn, call model, persist reply, record usage, emit lifecycle events

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/taproot/internal/bus"
	"github.com/2389/taproot/internal/prompt"
	"github.com/2389/taproot/internal/provider"
	"github.com/2389/taproot/internal/queue"
	"github.com/2389/taproot/internal/store"
)

// Flat metering rates in microcents per million tokens. Billing beyond raw
// token counts is out of scope; this exists so the ledger carries a cost.
const (
	promptRateMicrocents     = 150_000
	completionRateMicrocents = 600_000
)

// errorCode is the code carried by error stream events.
const errorCode = "PROCESSING_ERROR"

// TurnStore is what the worker needs from persistence.
type TurnStore interface {
	store.DialogueStore
	store.UsageStore
}

// Config tunes worker behavior.
type Config struct {
	// HistoryLimit bounds the number of prior turns handed to the model.
	HistoryLimit int
	// FallbackEnabled degrades the final attempt to a canned question when
	// the model backend keeps failing, instead of failing the job.
	FallbackEnabled bool
}

// TurnResult is the job result recorded on completion.
type TurnResult struct {
	JobID              string `json:"job_id"`
	DialogueID         string `json:"dialogue_id"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
	PromptTokens       int    `json:"prompt_tokens"`
	CompletionTokens   int    `json:"completion_tokens"`
	CostMicrocents     int64  `json:"cost_microcents"`
	LatencyMS          int64  `json:"latency_ms"`
}

// Worker drains the queue and runs the turn protocol for each job:
// resolve dialogue, persist user turn, call model, persist reply, record
// usage. Lifecycle events go to the broadcaster at every step.
type Worker struct {
	store    TurnStore
	queue    *queue.Queue
	bus      *bus.Broadcaster
	provider provider.ModelProvider
	fallback provider.ModelProvider
	cfg      Config
	logger   *slog.Logger
}

// New creates a worker. fallback may be nil; it is consulted only when
// cfg.FallbackEnabled and the job is on its final attempt.
func New(ts TurnStore, q *queue.Queue, b *bus.Broadcaster, p provider.ModelProvider, fallback provider.ModelProvider, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &Worker{
		store:    ts,
		queue:    q,
		bus:      b,
		provider: p,
		fallback: fallback,
		cfg:      cfg,
		logger:   logger.With("component", "worker"),
	}
}

// Run consumes jobs until ctx is cancelled or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("dequeue failed", "error", err)
			continue
		}
		w.Process(ctx, job)
	}
}

// Process executes one job. All failures are caught here, turned into an
// error stream event, and handed to the queue's retry policy; nothing
// escapes uncaught.
func (w *Worker) Process(ctx context.Context, job *store.Job) {
	var payload queue.TurnPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// A payload that never parses will never parse; don't retry it.
		w.fail(ctx, job, &payload, "", fmt.Errorf("parsing job payload: %w", err), false)
		return
	}

	key := payload.DialogueKey()

	// Step 1: resolve-or-create the dialogue
	w.publish(bus.EventProcessing, &payload, "", &bus.ProcessingData{JobID: job.ID, Status: "started"})

	dialogue, err := w.ensureDialogue(ctx, &payload)
	if err != nil {
		w.fail(ctx, job, &payload, "", fmt.Errorf("resolving dialogue: %w", err), true)
		return
	}

	// Step 2: persist the user turn. The turn key ties the append to this
	// job id, so a retried job resumes instead of double-appending.
	userMsg, err := w.store.AppendTurn(ctx, &store.TurnMessage{
		ID:         uuid.New().String(),
		DialogueID: dialogue.ID,
		Role:       store.RoleUser,
		Content:    payload.MessageText,
		TurnKey:    job.ID + ":user",
	})
	if err != nil {
		w.fail(ctx, job, &payload, dialogue.ID, fmt.Errorf("persisting user turn: %w", err), true)
		return
	}
	w.publish(bus.EventMessage, &payload, dialogue.ID, &bus.MessageData{
		MessageID: userMsg.ID,
		Role:      store.RoleUser,
		Seq:       userMsg.Seq,
		Content:   userMsg.Content,
	})

	// Step 3: call the model
	w.publish(bus.EventProgress, &payload, dialogue.ID, &bus.ProgressData{JobID: job.ID, Status: "thinking"})

	req, err := w.buildRequest(ctx, dialogue, &payload, userMsg)
	if err != nil {
		w.fail(ctx, job, &payload, dialogue.ID, fmt.Errorf("building model request: %w", err), true)
		return
	}

	start := time.Now()
	resp, err := w.provider.Complete(ctx, req)
	if err != nil {
		lastAttempt := job.Attempts >= job.MaxAttempts
		if lastAttempt && w.cfg.FallbackEnabled && w.fallback != nil {
			w.logger.Warn("model backend down, falling back to canned question",
				"job_id", job.ID,
				"error", err)
			resp, err = w.fallback.Complete(ctx, req)
		}
		if err != nil {
			retriable := true
			if pe, ok := provider.AsProviderError(err); ok {
				retriable = pe.Retriable
			}
			w.fail(ctx, job, &payload, dialogue.ID, err, retriable)
			return
		}
	}
	latencyMS := time.Since(start).Milliseconds()

	// Step 4: persist the assistant turn
	assistantMsg, err := w.store.AppendTurn(ctx, &store.TurnMessage{
		ID:               uuid.New().String(),
		DialogueID:       dialogue.ID,
		Role:             store.RoleAssistant,
		Content:          resp.Text,
		TurnKey:          job.ID + ":assistant",
		ModelID:          payload.ModelID,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		LatencyMS:        latencyMS,
	})
	if err != nil {
		w.fail(ctx, job, &payload, dialogue.ID, fmt.Errorf("persisting assistant turn: %w", err), true)
		return
	}
	w.publish(bus.EventMessage, &payload, dialogue.ID, &bus.MessageData{
		MessageID:        assistantMsg.ID,
		Role:             store.RoleAssistant,
		Seq:              assistantMsg.Seq,
		Content:          assistantMsg.Content,
		ModelID:          payload.ModelID,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	})

	// Step 5: record usage and finish. Usage is fire-and-forget: a ledger
	// write failure must not fail an otherwise completed turn.
	cost := costMicrocents(resp.PromptTokens, resp.CompletionTokens)
	w.recordUsage(&store.UsageEntry{
		ID:               uuid.New().String(),
		DialogueID:       dialogue.ID,
		SessionID:        payload.SessionID,
		UserID:           payload.UserID,
		JobID:            job.ID,
		ModelID:          payload.ModelID,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		CostMicrocents:   cost,
		LatencyMS:        latencyMS,
	})

	result := &TurnResult{
		JobID:              job.ID,
		DialogueID:         dialogue.ID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistantMsg.ID,
		PromptTokens:       resp.PromptTokens,
		CompletionTokens:   resp.CompletionTokens,
		CostMicrocents:     cost,
		LatencyMS:          latencyMS,
	}
	if err := w.queue.Complete(ctx, job.ID, result); err != nil {
		w.logger.Error("recording job completion failed", "job_id", job.ID, "error", err)
	}

	w.publish(bus.EventComplete, &payload, dialogue.ID, &bus.CompleteData{
		JobID:            job.ID,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.PromptTokens + resp.CompletionTokens,
		CostMicrocents:   cost,
		LatencyMS:        latencyMS,
	})

	w.logger.Info("turn completed",
		"job_id", job.ID,
		"dialogue_id", dialogue.ID,
		"dialogue_key", key,
		"tokens", resp.PromptTokens+resp.CompletionTokens,
		"latency_ms", latencyMS)
}

// ensureDialogue resolves an existing dialogue or creates a new one.
// A concurrent create by another worker is resolved by re-lookup.
func (w *Worker) ensureDialogue(ctx context.Context, payload *queue.TurnPayload) (*store.Dialogue, error) {
	dialogue, err := w.store.GetDialogueByNode(ctx, payload.SessionID, payload.NodeID)
	if err == nil {
		return dialogue, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	dialogue = &store.Dialogue{
		ID:        uuid.New().String(),
		SessionID: payload.SessionID,
		NodeID:    payload.NodeID,
		NodeType:  payload.NodeType,
		NodeLabel: payload.NodeLabel,
		CreatedAt: time.Now(),
	}
	if err := w.store.CreateDialogue(ctx, dialogue); err != nil {
		if errors.Is(err, store.ErrDuplicateDialogue) {
			existing, lookupErr := w.store.GetDialogueByNode(ctx, payload.SessionID, payload.NodeID)
			if lookupErr == nil {
				w.logger.Debug("found existing dialogue after create race", "dialogue_id", existing.ID)
				return existing, nil
			}
			return nil, lookupErr
		}
		return nil, err
	}
	return dialogue, nil
}

// buildRequest assembles the model request: system prompt from node type plus
// the last HistoryLimit turns before the just-appended user message.
func (w *Worker) buildRequest(ctx context.Context, dialogue *store.Dialogue, payload *queue.TurnPayload, userMsg *store.TurnMessage) (*provider.Request, error) {
	recent, err := w.store.RecentTurns(ctx, dialogue.ID, w.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}

	history := make([]provider.Turn, 0, len(recent))
	for _, m := range recent {
		if m.Seq == userMsg.Seq {
			continue // the current user turn goes in UserText, not history
		}
		history = append(history, provider.Turn{Role: m.Role, Content: m.Content})
	}

	return &provider.Request{
		SystemPrompt: prompt.Build(payload.NodeType, payload.NodeLabel, string(payload.StructureSnapshot)),
		History:      history,
		UserText:     payload.MessageText,
		ModelID:      payload.ModelID,
		NodeType:     payload.NodeType,
	}, nil
}

// fail hands the failure to the queue's retry policy, then emits exactly one
// error event for the attempt carrying whether another attempt will follow.
func (w *Worker) fail(ctx context.Context, job *store.Job, payload *queue.TurnPayload, dialogueID string, cause error, retriable bool) {
	terminal, err := w.queue.Fail(ctx, job.ID, cause, retriable)
	if err != nil {
		w.logger.Error("recording job failure failed", "job_id", job.ID, "error", err)
		terminal = true
	}

	w.publish(bus.EventError, payload, dialogueID, &bus.ErrorData{
		JobID:     job.ID,
		Code:      errorCode,
		Message:   cause.Error(),
		Retriable: !terminal,
	})

	w.logger.Error("turn failed",
		"job_id", job.ID,
		"attempt", job.Attempts,
		"terminal", terminal,
		"error", cause)
}

// publish emits a lifecycle event for the payload's dialogue key.
func (w *Worker) publish(typ bus.EventType, payload *queue.TurnPayload, dialogueID string, data any) {
	w.bus.Publish(payload.DialogueKey(), bus.NewEvent(typ, payload.SessionID, payload.NodeID, dialogueID, data))
}

// recordUsage writes a ledger entry with a separate timeout context so
// persistence continues even if the job context is cancelled.
func (w *Worker) recordUsage(entry *store.UsageEntry) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry.CreatedAt = time.Now()
	if err := w.store.SaveUsage(saveCtx, entry); err != nil {
		w.logger.Error("failed to save usage entry",
			"error", err,
			"dialogue_id", entry.DialogueID,
			"job_id", entry.JobID)
	}
}

// costMicrocents meters a turn at flat per-token rates.
func costMicrocents(promptTokens, completionTokens int) int64 {
	return (int64(promptTokens)*promptRateMicrocents + int64(completionTokens)*completionRateMicrocents) / 1_000_000
}
