// ABOUTME: Durable priority job queue for dialogue turns backed by the job store
// ABOUTME: Enqueue/dequeue with leases, bounded retry with backoff, and retention pruning

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/taproot/internal/bus"
	"github.com/2389/taproot/internal/store"
)

// ErrJobNotFound is returned for status lookups of unknown or pruned job ids.
var ErrJobNotFound = errors.New("job not found")

// ErrClosed is returned when operating on a closed queue.
var ErrClosed = errors.New("queue closed")

// Caller tiers bias queue ordering; they carry no other meaning.
const (
	TierHigh = "high"
	TierLow  = "low"
)

// PriorityForTier maps a caller tier to a numeric priority. Higher dequeues first.
func PriorityForTier(tier string) int {
	if tier == TierHigh {
		return 10
	}
	return 0
}

// TurnPayload is the job payload for one dialogue turn.
type TurnPayload struct {
	UserID            string          `json:"user_id"`
	SessionID         string          `json:"session_id"`
	NodeID            string          `json:"node_id"`
	NodeType          store.NodeType  `json:"node_type"`
	NodeLabel         string          `json:"node_label"`
	StructureSnapshot json.RawMessage `json:"structure_snapshot,omitempty"`
	MessageText       string          `json:"message_text"`
	CallerTier        string          `json:"caller_tier"`
	ModelID           string          `json:"model_id"`
}

// DialogueKey returns the serialization key for this payload's dialogue.
func (p *TurnPayload) DialogueKey() string {
	return bus.Key(p.SessionID, p.NodeID)
}

// JobStatus is the answer to a non-blocking status query.
type JobStatus struct {
	JobID     string          `json:"job_id"`
	State     store.JobState  `json:"state"`
	Attempts  int             `json:"attempts"`
	Result    json.RawMessage `json:"result,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// Options tunes queue behavior. Zero values get defaults from New.
type Options struct {
	MaxAttempts        int
	RetryBackoff       time.Duration // doubled per attempt: 1s, 2s, 4s, ...
	LeaseDuration      time.Duration
	PollInterval       time.Duration
	SweepInterval      time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = time.Second
	}
	if o.LeaseDuration == 0 {
		o.LeaseDuration = 2 * time.Minute
	}
	if o.PollInterval == 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = 15 * time.Second
	}
	if o.CompletedRetention == 0 {
		o.CompletedRetention = 24 * time.Hour
	}
	if o.FailedRetention == 0 {
		o.FailedRetention = 7 * 24 * time.Hour
	}
}

// Queue is a priority-ordered, at-least-once work queue for dialogue turns.
// Jobs are persisted through the JobStore, so queued turns survive restarts;
// the in-memory notify channel only short-circuits dequeue polling.
type Queue struct {
	jobs   store.JobStore
	opts   Options
	logger *slog.Logger

	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// New creates a queue and starts its background sweeper.
func New(jobs store.JobStore, opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()

	q := &Queue{
		jobs:   jobs,
		opts:   opts,
		logger: logger.With("component", "queue"),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.sweep()
	return q
}

// Enqueue persists a new waiting job and returns its id plus a best-effort
// 1-indexed position among currently waiting jobs. Never blocks on execution.
func (q *Queue) Enqueue(ctx context.Context, payload *TurnPayload, priority int) (string, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", 0, fmt.Errorf("marshaling payload: %w", err)
	}

	now := time.Now()
	job := &store.Job{
		ID:          uuid.New().String(),
		DialogueKey: payload.DialogueKey(),
		State:       store.JobWaiting,
		Priority:    priority,
		MaxAttempts: q.opts.MaxAttempts,
		Payload:     data,
		RunAfter:    now,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}

	if err := q.jobs.InsertJob(ctx, job); err != nil {
		return "", 0, fmt.Errorf("enqueueing job: %w", err)
	}

	// Position counts the job itself, so an empty queue yields position 1.
	// Approximate under concurrent enqueues; only meaningful at call time.
	position, err := q.jobs.CountWaitingAhead(ctx, priority, now)
	if err != nil {
		q.logger.Warn("queue position lookup failed", "job_id", job.ID, "error", err)
		position = 1
	}

	q.wake()

	q.logger.Debug("job enqueued",
		"job_id", job.ID,
		"dialogue_key", job.DialogueKey,
		"priority", priority,
		"position", position)
	return job.ID, position, nil
}

// Dequeue blocks until a runnable job is available or ctx is cancelled.
// Jobs come back in priority order, FIFO within a priority; the returned job
// is active with its attempt count bumped and a lease held.
func (q *Queue) Dequeue(ctx context.Context) (*store.Job, error) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		job, err := q.jobs.ClaimNextJob(ctx, time.Now(), q.opts.LeaseDuration)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, store.ErrNoJob) {
			return nil, fmt.Errorf("claiming job: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

// Complete records the job result and marks it completed. The result is
// retained for the completed-retention window, then pruned.
func (q *Queue) Complete(ctx context.Context, jobID string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if err := q.jobs.CompleteJob(ctx, jobID, data); err != nil {
		return fmt.Errorf("completing job %s: %w", jobID, err)
	}
	q.logger.Debug("job completed", "job_id", jobID)
	return nil
}

// Fail records a failed attempt. Retriable failures are rescheduled with
// exponential backoff until the attempt bound; the return value reports
// whether the job is now terminally failed.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error, retriable bool) (terminal bool, err error) {
	job, err := q.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrJobNotFound
		}
		return false, fmt.Errorf("loading job %s: %w", jobID, err)
	}

	msg := cause.Error()

	if !retriable || job.Attempts >= job.MaxAttempts {
		if err := q.jobs.FailJob(ctx, jobID, msg); err != nil {
			return false, fmt.Errorf("failing job %s: %w", jobID, err)
		}
		q.logger.Warn("job failed terminally",
			"job_id", jobID,
			"attempts", job.Attempts,
			"error", msg)
		return true, nil
	}

	// 1s, 2s, 4s, ... per attempt already consumed
	backoff := q.opts.RetryBackoff << (job.Attempts - 1)
	runAfter := time.Now().Add(backoff)
	if err := q.jobs.RescheduleJob(ctx, jobID, runAfter, msg); err != nil {
		return false, fmt.Errorf("rescheduling job %s: %w", jobID, err)
	}

	// Wake a dequeuer once the backoff elapses. A timer that outlives Close
	// only performs wake's non-blocking send on the buffered notify channel,
	// so no watcher goroutine is needed to stop it.
	time.AfterFunc(backoff, q.wake)

	q.logger.Info("job rescheduled for retry",
		"job_id", jobID,
		"attempt", job.Attempts,
		"backoff", backoff,
		"error", msg)
	return false, nil
}

// Status is a non-blocking job state lookup.
func (q *Queue) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := q.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}

	return &JobStatus{
		JobID:     job.ID,
		State:     job.State,
		Attempts:  job.Attempts,
		Result:    json.RawMessage(job.Result),
		LastError: job.LastError,
	}, nil
}

// Metrics returns per-state job counts for operational visibility.
func (q *Queue) Metrics(ctx context.Context) (*store.JobCounts, error) {
	counts, err := q.jobs.JobCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading job counts: %w", err)
	}
	return counts, nil
}

// Close stops the background sweeper. Safe to call multiple times.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.done)
		q.closed = true
	}
}

// wake nudges one blocked Dequeue call without blocking the caller.
func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// sweep periodically reclaims expired leases and prunes terminal jobs.
func (q *Queue) sweep() {
	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.runSweep()
		case <-q.done:
			return
		}
	}
}

func (q *Queue) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now()

	reclaimed, err := q.jobs.ReclaimExpiredLeases(ctx, now)
	if err != nil {
		q.logger.Error("lease reclaim failed", "error", err)
	} else if reclaimed > 0 {
		q.wake()
	}

	pruned, err := q.jobs.PruneTerminalJobs(ctx,
		now.Add(-q.opts.CompletedRetention),
		now.Add(-q.opts.FailedRetention))
	if err != nil {
		q.logger.Error("job prune failed", "error", err)
	} else if pruned > 0 {
		q.logger.Debug("pruned terminal jobs", "count", pruned)
	}
}
