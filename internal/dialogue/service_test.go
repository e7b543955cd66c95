// ABOUTME: Tests for the dialogue submission service
// ABOUTME: Covers validation, deduplication, tier priority, and acknowledgements

package dialogue

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/taproot/internal/bus"
	"github.com/2389/taproot/internal/dedupe"
	"github.com/2389/taproot/internal/queue"
	"github.com/2389/taproot/internal/store"
)

func newTestService(t *testing.T, guard *dedupe.Guard) (*Service, *store.MockStore, *queue.Queue) {
	t.Helper()
	m := store.NewMockStore()
	q := queue.New(m, queue.Options{PollInterval: 5 * time.Millisecond}, nil)
	b := bus.NewBroadcaster(nil)
	t.Cleanup(func() {
		q.Close()
		b.Close()
	})
	return New(m, q, b, guard, "canned-socratic", nil), m, q
}

func validSendRequest() *SendRequest {
	return &SendRequest{
		UserID:      "user-1",
		SessionID:   "session-1",
		NodeID:      "node-1",
		NodeType:    store.NodeRoot,
		NodeLabel:   "users want more features",
		MessageText: "I think users want more features",
	}
}

func TestSend_AcknowledgesEnqueuedTurn(t *testing.T) {
	svc, _, q := newTestService(t, nil)
	ctx := context.Background()

	resp, err := svc.Send(ctx, validSendRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, 1, resp.Position)
	assert.Equal(t, "session-1/node-1", resp.DialogueKey)

	// The job is waiting; no turn has executed yet
	status, err := q.Status(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobWaiting, status.State)
}

func TestSend_DefaultsModelID(t *testing.T) {
	svc, _, q := newTestService(t, nil)
	ctx := context.Background()

	resp, err := svc.Send(ctx, validSendRequest())
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, resp.JobID, job.ID)
	assert.Contains(t, string(job.Payload), `"model_id":"canned-socratic"`)
}

func TestSend_TierDrivesPriority(t *testing.T) {
	svc, _, q := newTestService(t, nil)
	ctx := context.Background()

	low := validSendRequest()
	lowResp, err := svc.Send(ctx, low)
	require.NoError(t, err)

	high := validSendRequest()
	high.NodeID = "node-2"
	high.CallerTier = queue.TierHigh
	highResp, err := svc.Send(ctx, high)
	require.NoError(t, err)

	// High tier dequeues first despite enqueueing later
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, highResp.JobID, job.ID)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, lowResp.JobID, job.ID)
}

func TestSend_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*SendRequest)
		field  string
	}{
		{"missing session", func(r *SendRequest) { r.SessionID = "" }, "session_id"},
		{"missing node", func(r *SendRequest) { r.NodeID = "" }, "node_id"},
		{"bad node type", func(r *SendRequest) { r.NodeType = "branch" }, "node_type"},
		{"empty text", func(r *SendRequest) { r.MessageText = "" }, "message_text"},
		{"oversized text", func(r *SendRequest) { r.MessageText = strings.Repeat("a", maxMessageBytes+1) }, "message_text"},
		{"bad tier", func(r *SendRequest) { r.CallerTier = "platinum" }, "caller_tier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validSendRequest()
			tt.mutate(req)

			_, err := svc.Send(ctx, req)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestSend_RejectsRapidDuplicates(t *testing.T) {
	guard := dedupe.NewGuard(time.Minute, 100)
	t.Cleanup(guard.Close)
	svc, _, _ := newTestService(t, guard)
	ctx := context.Background()

	_, err := svc.Send(ctx, validSendRequest())
	require.NoError(t, err)

	_, err = svc.Send(ctx, validSendRequest())
	assert.ErrorIs(t, err, ErrDuplicateSubmission)

	// Different text on the same node is not a duplicate
	other := validSendRequest()
	other.MessageText = "Actually, maybe they want fewer features"
	_, err = svc.Send(ctx, other)
	assert.NoError(t, err)
}

func TestHistory(t *testing.T) {
	svc, m, _ := newTestService(t, nil)
	ctx := context.Background()

	_, _, err := svc.History(ctx, "session-1", "node-1", 10, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)

	d := &store.Dialogue{ID: "dlg-1", SessionID: "session-1", NodeID: "node-1", NodeType: store.NodeSeed}
	require.NoError(t, m.CreateDialogue(ctx, d))
	_, err = m.AppendTurn(ctx, &store.TurnMessage{ID: "m1", DialogueID: "dlg-1", Role: store.RoleUser, Content: "hi", TurnKey: "j1:user"})
	require.NoError(t, err)

	dlg, msgs, err := svc.History(ctx, "session-1", "node-1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, "dlg-1", dlg.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestSubscribe_DeliversForNodeKey(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	ch, subID := svc.Subscribe(ctx, "session-1", "node-1")
	assert.NotEmpty(t, subID)

	svc.bus.Publish(bus.Key("session-1", "node-1"), bus.NewEvent(bus.EventProgress, "session-1", "node-1", "", &bus.ProgressData{JobID: "j1", Status: "thinking"}))

	select {
	case ev := <-ch:
		assert.Equal(t, bus.EventProgress, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("subscription did not deliver")
	}
}

func TestQueueMetrics(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Send(ctx, validSendRequest())
	require.NoError(t, err)

	counts, err := svc.QueueMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)
}
