// ABOUTME: Tests for the durable priority turn queue
// ABOUTME: Covers ordering, blocking dequeue, retry backoff, and lease sweeping

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/taproot/internal/store"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *store.MockStore) {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = 10 * time.Millisecond
	}
	m := store.NewMockStore()
	q := New(m, opts, nil)
	t.Cleanup(q.Close)
	return q, m
}

func testPayload(nodeID, tier string) *TurnPayload {
	return &TurnPayload{
		UserID:      "user-1",
		SessionID:   "session-1",
		NodeID:      nodeID,
		NodeType:    store.NodeRoot,
		NodeLabel:   "assumption",
		MessageText: "I think users want more features",
		CallerTier:  tier,
		ModelID:     "canned-socratic",
	}
}

func TestPriorityForTier(t *testing.T) {
	assert.Equal(t, 10, PriorityForTier(TierHigh))
	assert.Equal(t, 0, PriorityForTier(TierLow))
	assert.Equal(t, 0, PriorityForTier(""))
}

func TestEnqueueDequeue_PriorityOrdering(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	// Interleave tiers; high-priority jobs dequeue first, FIFO within a tier
	var ids []string
	for i, tier := range []string{TierLow, TierHigh, TierLow, TierHigh} {
		id, _, err := q.Enqueue(ctx, testPayload(fmt.Sprintf("node-%d", i), tier), PriorityForTier(tier))
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond) // distinct enqueue times
	}

	want := []string{ids[1], ids[3], ids[0], ids[2]}
	for _, id := range want {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, id, job.ID)
		require.NoError(t, q.Complete(ctx, job.ID, &struct{}{}))
	}
}

func TestEnqueue_ReportsPosition(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, pos, err := q.Enqueue(ctx, testPayload("node-1", TierLow), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, pos, "empty queue yields position 1")

	_, pos, err = q.Enqueue(ctx, testPayload("node-2", TierLow), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	// A high-tier job jumps the line
	_, pos, err = q.Enqueue(ctx, testPayload("node-3", TierHigh), PriorityForTier(TierHigh))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
}

func TestDequeue_BlocksUntilEnqueue(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	got := make(chan *store.Job, 1)
	go func() {
		job, err := q.Dequeue(ctx)
		if err == nil {
			got <- job
		}
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned before any job was enqueued")
	case <-time.After(30 * time.Millisecond):
	}

	id, _, err := q.Enqueue(ctx, testPayload("node-1", TierLow), 0)
	require.NoError(t, err)

	select {
	case job := <-got:
		assert.Equal(t, id, job.ID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake after enqueue")
	}
}

func TestDequeue_ContextCancel(t *testing.T) {
	q, _ := newTestQueue(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDequeue_QueueClosed(t *testing.T) {
	q, _ := newTestQueue(t, Options{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Close()
	}()

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestComplete_RecordsResult(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	id, _, err := q.Enqueue(ctx, testPayload("node-1", TierLow), 0)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID, map[string]string{"dialogue_id": "dlg-1"}))

	status, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, status.State)
	assert.Equal(t, 1, status.Attempts)

	var result map[string]string
	require.NoError(t, json.Unmarshal(status.Result, &result))
	assert.Equal(t, "dlg-1", result["dialogue_id"])
}

func TestFail_RetriableReschedulesWithBackoff(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 3})
	ctx := context.Background()

	id, _, err := q.Enqueue(ctx, testPayload("node-1", TierLow), 0)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)

	terminal, err := q.Fail(ctx, job.ID, errors.New("model unavailable"), true)
	require.NoError(t, err)
	assert.False(t, terminal)

	status, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobWaiting, status.State)
	assert.Equal(t, "model unavailable", status.LastError)

	// The job comes back after the backoff elapses
	redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, redelivered.ID)
	assert.Equal(t, 2, redelivered.Attempts)
}

func TestFail_RetryTimersDoNotAccumulateGoroutines(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 3})
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		_, _, err := q.Enqueue(ctx, testPayload(fmt.Sprintf("node-%d", i), TierLow), 0)
		require.NoError(t, err)
	}

	baseline := runtime.NumGoroutine()

	for i := 0; i < 40; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		terminal, err := q.Fail(ctx, job.ID, errors.New("model unavailable"), true)
		require.NoError(t, err)
		require.False(t, terminal)
	}

	// Backoff wakeups run on timers; no goroutine may stay parked per retry
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+3
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFail_ExhaustedAttemptsAreTerminal(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 2})
	ctx := context.Background()

	id, _, err := q.Enqueue(ctx, testPayload("node-1", TierLow), 0)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, attempt, job.Attempts)

		terminal, err := q.Fail(ctx, job.ID, errors.New("still broken"), true)
		require.NoError(t, err)
		assert.Equal(t, attempt == 2, terminal)
	}

	status, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, status.State)
}

func TestFail_NonRetriableIsImmediatelyTerminal(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 3})
	ctx := context.Background()

	id, _, err := q.Enqueue(ctx, testPayload("node-1", TierLow), 0)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)

	terminal, err := q.Fail(ctx, job.ID, errors.New("malformed payload"), false)
	require.NoError(t, err)
	assert.True(t, terminal)

	status, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, status.State)
	assert.Equal(t, 1, status.Attempts)
}

func TestStatus_UnknownJob(t *testing.T) {
	q, _ := newTestQueue(t, Options{})

	_, err := q.Status(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = q.Fail(context.Background(), "no-such-job", errors.New("x"), true)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMetrics(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, testPayload("node-1", TierLow), 0)
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, testPayload("node-2", TierLow), 0)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID, &struct{}{}))

	counts, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)
	assert.Zero(t, counts.Active)
	assert.Equal(t, 1, counts.Completed)
}

func TestSweep_ReclaimsExpiredLeases(t *testing.T) {
	q, _ := newTestQueue(t, Options{
		LeaseDuration: 20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	id, _, err := q.Enqueue(ctx, testPayload("node-1", TierLow), 0)
	require.NoError(t, err)

	// Claim and then abandon the job, as a crashed worker would
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)

	// The sweeper returns it to waiting once the lease expires
	dequeueCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	redelivered, err := q.Dequeue(dequeueCtx)
	require.NoError(t, err)
	assert.Equal(t, id, redelivered.ID)
	assert.Equal(t, 2, redelivered.Attempts)
}

func TestTurnPayload_DialogueKey(t *testing.T) {
	p := testPayload("node-7", TierLow)
	assert.Equal(t, "session-1/node-7", p.DialogueKey())
}

func TestClose_Idempotent(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	q.Close()
	q.Close()
}
