// ABOUTME: Store interfaces and data types for taproot persistence
// ABOUTME: Defines Dialogue, TurnMessage, Job, UsageEntry and the storage contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateDialogue is returned when trying to create a dialogue for a
// (session, node) pair that already has one
var ErrDuplicateDialogue = errors.New("dialogue already exists")

// ErrNoJob is returned by ClaimNextJob when no runnable job is available
var ErrNoJob = errors.New("no runnable job")

// NodeType identifies the kind of problem-structure node a dialogue is anchored to
type NodeType string

const (
	NodeSeed    NodeType = "seed"    // The problem statement itself
	NodeSoil    NodeType = "soil"    // Constraints surrounding the problem
	NodeRoot    NodeType = "root"    // Underlying assumptions
	NodeInsight NodeType = "insight" // User-captured insights
)

// ValidNodeType reports whether t is one of the known node types.
func ValidNodeType(t NodeType) bool {
	switch t {
	case NodeSeed, NodeSoil, NodeRoot, NodeInsight:
		return true
	}
	return false
}

// Role identifies the author side of a turn message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Dialogue is the message thread anchored to one (session, node) pair.
// Created lazily on the first turn; unique per (SessionID, NodeID).
type Dialogue struct {
	ID            string
	SessionID     string
	NodeID        string
	NodeType      NodeType
	NodeLabel     string
	MessageCount  int
	LastMessageAt *time.Time
	CreatedAt     time.Time
}

// TurnMessage is a single immutable message within a dialogue.
// Seq is assigned by the store at append time and is strictly increasing
// within a dialogue with no gaps or reuse.
type TurnMessage struct {
	ID         string
	DialogueID string
	Role       Role
	Content    string
	Seq        int
	// TurnKey is a job-scoped idempotency key. Appending the same key twice
	// returns the original row instead of creating a second message, which is
	// what makes crash-resume of a turn safe.
	TurnKey          string
	ModelID          string
	PromptTokens     int
	CompletionTokens int
	LatencyMS        int64
	CreatedAt        time.Time
}

// JobState is the lifecycle state of a queued turn job
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is a queued unit of turn work. State transitions are owned exclusively
// by the queue layer; the payload is an opaque JSON document to the store.
type Job struct {
	ID          string
	DialogueKey string // session_id + "/" + node_id, used for per-dialogue serialization
	State       JobState
	Priority    int // higher dequeues first
	Attempts    int
	MaxAttempts int
	Payload     []byte
	Result      []byte
	LastError   string
	RunAfter    time.Time
	LeaseUntil  *time.Time
	EnqueuedAt  time.Time
	UpdatedAt   time.Time
}

// JobCounts holds per-state job totals for the queue metrics endpoint
type JobCounts struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
}

// UsageEntry is one row of the usage ledger, recorded per completed turn
type UsageEntry struct {
	ID               string
	DialogueID       string
	SessionID        string
	UserID           string
	JobID            string
	ModelID          string
	PromptTokens     int
	CompletionTokens int
	CostMicrocents   int64
	LatencyMS        int64
	CreatedAt        time.Time
}

// UsageStats holds aggregated usage ledger totals
type UsageStats struct {
	TotalPromptTokens     int64
	TotalCompletionTokens int64
	TotalTokens           int64
	TotalCostMicrocents   int64
	TurnCount             int64
}

// UsageFilter narrows a usage stats query
type UsageFilter struct {
	SessionID *string
	Since     *time.Time
	Until     *time.Time
}

// DialogueStore defines dialogue and turn message persistence
type DialogueStore interface {
	CreateDialogue(ctx context.Context, d *Dialogue) error
	GetDialogue(ctx context.Context, id string) (*Dialogue, error)
	GetDialogueByNode(ctx context.Context, sessionID, nodeID string) (*Dialogue, error)

	// AppendTurn assigns the next sequence number and inserts the message
	// atomically. If a message with the same TurnKey already exists in the
	// dialogue, the existing message is returned unchanged.
	AppendTurn(ctx context.Context, msg *TurnMessage) (*TurnMessage, error)

	// History returns messages ordered by ascending sequence. Page is
	// 0-indexed; limit bounds the page size.
	History(ctx context.Context, dialogueID string, limit, page int) ([]*TurnMessage, error)

	// RecentTurns returns the last limit messages in ascending sequence
	// order, for prompt-history construction.
	RecentTurns(ctx context.Context, dialogueID string, limit int) ([]*TurnMessage, error)
}

// JobStore defines persistence for the durable job queue
type JobStore interface {
	InsertJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)

	// ClaimNextJob atomically claims the highest-priority runnable waiting
	// job: state=waiting, run_after due, and no active job sharing the same
	// dialogue key. The claimed job becomes active with attempts bumped and
	// the lease set. Returns ErrNoJob when nothing is runnable.
	ClaimNextJob(ctx context.Context, now time.Time, lease time.Duration) (*Job, error)

	CompleteJob(ctx context.Context, id string, result []byte) error

	// RescheduleJob returns a failed attempt to waiting with a new run_after
	// for backoff-delayed retry.
	RescheduleJob(ctx context.Context, id string, runAfter time.Time, lastError string) error

	// FailJob marks a job terminally failed.
	FailJob(ctx context.Context, id string, lastError string) error

	// ReclaimExpiredLeases returns active jobs whose lease has expired to
	// waiting, making them eligible for another worker. Returns the number of
	// jobs reclaimed.
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error)

	// PruneTerminalJobs deletes completed jobs updated before completedBefore
	// and failed jobs updated before failedBefore. Returns rows deleted.
	PruneTerminalJobs(ctx context.Context, completedBefore, failedBefore time.Time) (int, error)

	// CountWaitingAhead counts waiting jobs that would dequeue at or before a
	// job with the given priority and enqueue time. Used for best-effort
	// queue position reporting.
	CountWaitingAhead(ctx context.Context, priority int, enqueuedAt time.Time) (int, error)

	JobCounts(ctx context.Context) (*JobCounts, error)
}

// UsageStore defines the usage ledger
type UsageStore interface {
	SaveUsage(ctx context.Context, entry *UsageEntry) error
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

// Store is the full persistence surface backing the gateway
type Store interface {
	DialogueStore
	JobStore
	UsageStore

	// Close releases any resources held by the store
	Close() error
}
