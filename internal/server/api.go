// ABOUTME: JSON API handlers for turn submission, status, history, and stats
// ABOUTME: Thin decode/validate/delegate layer over the dialogue service

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/taproot/internal/dialogue"
	"github.com/2389/taproot/internal/queue"
	"github.com/2389/taproot/internal/store"
)

// sendRequest is the wire shape for POST /api/dialogues/send.
type sendRequest struct {
	UserID            string          `json:"user_id"`
	SessionID         string          `json:"session_id"`
	NodeID            string          `json:"node_id"`
	NodeType          string          `json:"node_type"`
	NodeLabel         string          `json:"node_label"`
	StructureSnapshot json.RawMessage `json:"structure_snapshot,omitempty"`
	MessageText       string          `json:"message_text"`
	CallerTier        string          `json:"caller_tier,omitempty"`
	ModelID           string          `json:"model_id,omitempty"`
}

// historyResponse is the wire shape for GET /api/dialogues/history.
type historyResponse struct {
	Dialogue *store.Dialogue      `json:"dialogue"`
	Messages []*store.TurnMessage `json:"messages"`
	Page     int                  `json:"page"`
	Limit    int                  `json:"limit"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSend accepts one dialogue turn and acknowledges with 202. The turn's
// outcome is observed through the stream or the job status endpoint.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := s.svc.Send(r.Context(), &dialogue.SendRequest{
		UserID:            req.UserID,
		SessionID:         req.SessionID,
		NodeID:            req.NodeID,
		NodeType:          store.NodeType(req.NodeType),
		NodeLabel:         req.NodeLabel,
		StructureSnapshot: req.StructureSnapshot,
		MessageText:       req.MessageText,
		CallerTier:        req.CallerTier,
		ModelID:           req.ModelID,
	})
	if err != nil {
		switch {
		case dialogue.IsValidationError(err):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, dialogue.ErrDuplicateSubmission):
			writeError(w, http.StatusTooManyRequests, "duplicate submission")
		default:
			s.logger.Error("send failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to enqueue turn")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}

	status, err := s.svc.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("job status lookup failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	nodeID := r.URL.Query().Get("node_id")
	if sessionID == "" || nodeID == "" {
		writeError(w, http.StatusBadRequest, "session_id and node_id are required")
		return
	}

	limit := queryInt(r, "limit", 50)
	page := queryInt(r, "page", 0)

	dlg, msgs, err := s.svc.History(r.Context(), sessionID, nodeID, limit, page)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dialogue not found")
			return
		}
		s.logger.Error("history lookup failed",
			"session_id", sessionID,
			"node_id", nodeID,
			"error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	if msgs == nil {
		msgs = []*store.TurnMessage{}
	}
	writeJSON(w, http.StatusOK, &historyResponse{
		Dialogue: dlg,
		Messages: msgs,
		Page:     page,
		Limit:    limit,
	})
}

func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.QueueMetrics(r.Context())
	if err != nil {
		s.logger.Error("queue metrics failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read queue metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":        counts,
		"subscribers": s.connections.Total(),
	})
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	var filter store.UsageFilter
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		filter.SessionID = &sessionID
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &since
	}

	stats, err := s.svc.UsageStats(r.Context(), filter)
	if err != nil {
		s.logger.Error("usage stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read usage stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
