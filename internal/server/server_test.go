// ABOUTME: Tests for the HTTP API handlers and SSE stream endpoint
// ABOUTME: Exercises routes end to end over a mock store and real queue

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/taproot/internal/bus"
	"github.com/2389/taproot/internal/dialogue"
	"github.com/2389/taproot/internal/queue"
	"github.com/2389/taproot/internal/store"
)

type testEnv struct {
	server *Server
	store  *store.MockStore
	queue  *queue.Queue
	bus    *bus.Broadcaster
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	m := store.NewMockStore()
	q := queue.New(m, queue.Options{PollInterval: 5 * time.Millisecond}, nil)
	b := bus.NewBroadcaster(nil)
	t.Cleanup(func() {
		q.Close()
		b.Close()
	})
	svc := dialogue.New(m, q, b, nil, "canned-socratic", nil)
	return &testEnv{
		server: New("localhost:0", svc, nil),
		store:  m,
		queue:  q,
		bus:    b,
	}
}

func (e *testEnv) request(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	rec := e.request(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleSend(t *testing.T) {
	e := newTestEnv(t)

	rec := e.request(t, http.MethodPost, "/api/dialogues/send", `{
		"user_id": "user-1",
		"session_id": "session-1",
		"node_id": "node-1",
		"node_type": "root",
		"node_label": "users want more features",
		"message_text": "I think users want more features",
		"caller_tier": "high"
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp dialogue.SendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, 1, resp.Position)
	assert.Equal(t, "session-1/node-1", resp.DialogueKey)
}

func TestHandleSend_Errors(t *testing.T) {
	e := newTestEnv(t)

	rec := e.request(t, http.MethodPost, "/api/dialogues/send", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.request(t, http.MethodPost, "/api/dialogues/send", `{
		"session_id": "session-1",
		"node_id": "node-1",
		"node_type": "branch",
		"message_text": "hello"
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "node_type")
}

func TestHandleJobStatus(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	rec := e.request(t, http.MethodGet, "/api/jobs/no-such-job", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	jobID, _, err := e.queue.Enqueue(ctx, &queue.TurnPayload{
		SessionID: "session-1", NodeID: "node-1", NodeType: store.NodeSeed, MessageText: "hi",
	}, 0)
	require.NoError(t, err)

	rec = e.request(t, http.MethodGet, "/api/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status queue.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, store.JobWaiting, status.State)
}

func TestHandleHistory(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	rec := e.request(t, http.MethodGet, "/api/dialogues/history?session_id=session-1&node_id=node-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.request(t, http.MethodGet, "/api/dialogues/history", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	d := &store.Dialogue{ID: "dlg-1", SessionID: "session-1", NodeID: "node-1", NodeType: store.NodeSeed}
	require.NoError(t, e.store.CreateDialogue(ctx, d))
	_, err := e.store.AppendTurn(ctx, &store.TurnMessage{ID: "m1", DialogueID: "dlg-1", Role: store.RoleUser, Content: "hi", TurnKey: "j1:user"})
	require.NoError(t, err)

	rec = e.request(t, http.MethodGet, "/api/dialogues/history?session_id=session-1&node_id=node-1&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "dlg-1", resp.Dialogue.ID)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hi", resp.Messages[0].Content)
	assert.Equal(t, 10, resp.Limit)
}

func TestHandleQueueMetrics(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, _, err := e.queue.Enqueue(ctx, &queue.TurnPayload{
		SessionID: "session-1", NodeID: "node-1", NodeType: store.NodeSeed, MessageText: "hi",
	}, 0)
	require.NoError(t, err)

	rec := e.request(t, http.MethodGet, "/api/queue/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Jobs        store.JobCounts `json:"jobs"`
		Subscribers int             `json:"subscribers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Jobs.Waiting)
	assert.Zero(t, body.Subscribers)
}

func TestHandleUsageStats(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, e.store.SaveUsage(ctx, &store.UsageEntry{
		ID: "u1", DialogueID: "dlg-1", SessionID: "session-1", UserID: "user-1",
		JobID: "j1", ModelID: "m1", PromptTokens: 10, CompletionTokens: 4,
		CostMicrocents: 3, CreatedAt: time.Now(),
	}))

	rec := e.request(t, http.MethodGet, "/api/stats/usage?session_id=session-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats store.UsageStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(14), stats.TotalTokens)

	rec = e.request(t, http.MethodGet, "/api/stats/usage?since=not-a-time", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStream(t *testing.T) {
	e := newTestEnv(t)

	rec := e.request(t, http.MethodGet, "/api/dialogues/stream", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/dialogues/stream?session_id=session-1&node_id=node-1", nil).WithContext(ctx)
	streamRec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		e.server.Handler().ServeHTTP(streamRec, req)
		close(done)
	}()

	// Wait for the subscription to register, then publish an assistant message
	require.Eventually(t, func() bool {
		return e.bus.SubscriberCount(bus.Key("session-1", "node-1")) == 1
	}, time.Second, 5*time.Millisecond)

	e.bus.Publish(bus.Key("session-1", "node-1"), bus.NewEvent(
		bus.EventMessage, "session-1", "node-1", "dlg-1",
		&bus.MessageData{MessageID: "m1", Role: store.RoleAssistant, Seq: 1, Content: "**Why** do you believe that?"},
	))

	// Let the handler drain the event before tearing the connection down
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream handler did not exit on disconnect")
	}

	body := streamRec.Body.String()
	assert.Equal(t, "text/event-stream", streamRec.Header().Get("Content-Type"))
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, "event: message")
	assert.Contains(t, body, `"content":"**Why** do you believe that?"`)
	// Assistant markdown is rendered for web clients
	assert.Contains(t, body, "<strong>Why</strong>")

	// Connection bookkeeping drains on disconnect
	assert.Zero(t, e.server.connections.Total())
}

func TestConnectionRegistry(t *testing.T) {
	r := NewConnectionRegistry(nil)

	r.Add("c1", "s1/n1")
	r.Add("c2", "s1/n1")
	r.Add("c3", "s1/n2")

	assert.Equal(t, 2, r.Count("s1/n1"))
	assert.Equal(t, 1, r.Count("s1/n2"))
	assert.Equal(t, 3, r.Total())

	r.Remove("c2")
	r.Remove("unknown")
	assert.Equal(t, 1, r.Count("s1/n1"))
	assert.Equal(t, 2, r.Total())
}

func TestRenderEvent_CopiesBeforeMutation(t *testing.T) {
	original := bus.NewEvent(bus.EventMessage, "s1", "n1", "d1",
		&bus.MessageData{MessageID: "m1", Role: store.RoleAssistant, Content: "plain"})

	rendered := renderEvent(original)
	require.NotSame(t, original, rendered)

	got := rendered.Data.(*bus.MessageData)
	assert.Contains(t, got.ContentHTML, "<p>plain</p>")

	// The shared event is untouched
	assert.Empty(t, original.Data.(*bus.MessageData).ContentHTML)
}

func TestRenderEvent_SkipsUserMessages(t *testing.T) {
	ev := bus.NewEvent(bus.EventMessage, "s1", "n1", "d1",
		&bus.MessageData{MessageID: "m1", Role: store.RoleUser, Content: "hello"})

	assert.Same(t, ev, renderEvent(ev))
}
