// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	dialogues     map[string]*Dialogue      // keyed by dialogue ID
	dialogueIndex map[string]string         // keyed by "sessionID/nodeID" -> dialogue ID
	turns         map[string][]*TurnMessage // keyed by dialogue ID, ordered by seq
	jobs          map[string]*Job           // keyed by job ID
	usage         map[string]*UsageEntry    // keyed by usage ID

	// Error injection for failure-path tests. When set, the corresponding
	// method returns the error once and clears it.
	AppendTurnErr error
	SaveUsageErr  error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		dialogues:     make(map[string]*Dialogue),
		dialogueIndex: make(map[string]string),
		turns:         make(map[string][]*TurnMessage),
		jobs:          make(map[string]*Job),
		usage:         make(map[string]*UsageEntry),
	}
}

// CreateDialogue stores a new dialogue.
func (m *MockStore) CreateDialogue(ctx context.Context, d *Dialogue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := d.SessionID + "/" + d.NodeID
	if _, exists := m.dialogueIndex[key]; exists {
		return ErrDuplicateDialogue
	}

	// Make a copy to avoid external modification
	cp := *d
	m.dialogues[cp.ID] = &cp
	m.dialogueIndex[key] = cp.ID
	return nil
}

// GetDialogue retrieves a dialogue by ID.
func (m *MockStore) GetDialogue(ctx context.Context, id string) (*Dialogue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.dialogues[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *d
	return &result, nil
}

// GetDialogueByNode retrieves a dialogue by its (session, node) pair.
func (m *MockStore) GetDialogueByNode(ctx context.Context, sessionID, nodeID string) (*Dialogue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.dialogueIndex[sessionID+"/"+nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	d, ok := m.dialogues[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *d
	return &result, nil
}

// AppendTurn assigns the next sequence and stores the message. Duplicate turn
// keys return the existing message, mirroring the SQLite behavior.
func (m *MockStore) AppendTurn(ctx context.Context, msg *TurnMessage) (*TurnMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendTurnErr != nil {
		err := m.AppendTurnErr
		m.AppendTurnErr = nil
		return nil, err
	}

	d, ok := m.dialogues[msg.DialogueID]
	if !ok {
		return nil, ErrNotFound
	}

	for _, existing := range m.turns[msg.DialogueID] {
		if existing.TurnKey == msg.TurnKey {
			result := *existing
			return &result, nil
		}
	}

	now := time.Now()
	inserted := *msg
	inserted.Seq = d.MessageCount
	inserted.CreatedAt = now
	m.turns[msg.DialogueID] = append(m.turns[msg.DialogueID], &inserted)

	d.MessageCount = inserted.Seq + 1
	d.LastMessageAt = &now

	result := inserted
	return &result, nil
}

// History returns a page of messages in ascending sequence order.
func (m *MockStore) History(ctx context.Context, dialogueID string, limit, page int) ([]*TurnMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	if page < 0 {
		page = 0
	}

	all := m.turns[dialogueID]
	start := page * limit
	if start >= len(all) {
		return nil, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	return copyTurns(all[start:end]), nil
}

// RecentTurns returns the last limit messages, oldest first.
func (m *MockStore) RecentTurns(ctx context.Context, dialogueID string, limit int) ([]*TurnMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	all := m.turns[dialogueID]
	start := len(all) - limit
	if start < 0 {
		start = 0
	}
	return copyTurns(all[start:]), nil
}

// InsertJob persists a new job.
func (m *MockStore) InsertJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *job
	m.jobs[cp.ID] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *MockStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *j
	return &result, nil
}

// ClaimNextJob claims the highest-priority runnable waiting job.
func (m *MockStore) ClaimNextJob(ctx context.Context, now time.Time, lease time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	activeKeys := make(map[string]bool)
	for _, j := range m.jobs {
		if j.State == JobActive {
			activeKeys[j.DialogueKey] = true
		}
	}

	var candidates []*Job
	for _, j := range m.jobs {
		if j.State == JobWaiting && !j.RunAfter.After(now) && !activeKeys[j.DialogueKey] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoJob
	}

	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Priority != candidates[b].Priority {
			return candidates[a].Priority > candidates[b].Priority
		}
		if !candidates[a].EnqueuedAt.Equal(candidates[b].EnqueuedAt) {
			return candidates[a].EnqueuedAt.Before(candidates[b].EnqueuedAt)
		}
		return candidates[a].ID < candidates[b].ID
	})

	claimed := candidates[0]
	leaseUntil := now.Add(lease)
	claimed.State = JobActive
	claimed.Attempts++
	claimed.LeaseUntil = &leaseUntil
	claimed.UpdatedAt = now

	result := *claimed
	return &result, nil
}

// CompleteJob marks a job completed.
func (m *MockStore) CompleteJob(ctx context.Context, id string, result []byte) error {
	return m.transition(id, JobActive, func(j *Job) {
		j.State = JobCompleted
		j.Result = result
		j.LeaseUntil = nil
	})
}

// RescheduleJob returns a job to waiting with a backoff delay.
func (m *MockStore) RescheduleJob(ctx context.Context, id string, runAfter time.Time, lastError string) error {
	return m.transition(id, JobActive, func(j *Job) {
		j.State = JobWaiting
		j.RunAfter = runAfter
		j.LastError = lastError
		j.LeaseUntil = nil
	})
}

// FailJob marks a job terminally failed.
func (m *MockStore) FailJob(ctx context.Context, id string, lastError string) error {
	return m.transition(id, JobActive, func(j *Job) {
		j.State = JobFailed
		j.LastError = lastError
		j.LeaseUntil = nil
	})
}

func (m *MockStore) transition(id string, from JobState, apply func(*Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.State != from {
		return ErrNotFound
	}
	apply(j)
	j.UpdatedAt = time.Now()
	return nil
}

// ReclaimExpiredLeases returns expired active jobs to waiting.
func (m *MockStore) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, j := range m.jobs {
		if j.State == JobActive && j.LeaseUntil != nil && !j.LeaseUntil.After(now) {
			j.State = JobWaiting
			j.LeaseUntil = nil
			j.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// PruneTerminalJobs deletes terminal jobs past their retention windows.
func (m *MockStore) PruneTerminalJobs(ctx context.Context, completedBefore, failedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, j := range m.jobs {
		if (j.State == JobCompleted && j.UpdatedAt.Before(completedBefore)) ||
			(j.State == JobFailed && j.UpdatedAt.Before(failedBefore)) {
			delete(m.jobs, id)
			count++
		}
	}
	return count, nil
}

// CountWaitingAhead counts waiting jobs at or ahead of the given ordering key.
func (m *MockStore) CountWaitingAhead(ctx context.Context, priority int, enqueuedAt time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, j := range m.jobs {
		if j.State != JobWaiting {
			continue
		}
		if j.Priority > priority || (j.Priority == priority && !j.EnqueuedAt.After(enqueuedAt)) {
			count++
		}
	}
	return count, nil
}

// JobCounts returns per-state job totals.
func (m *MockStore) JobCounts(ctx context.Context) (*JobCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var counts JobCounts
	for _, j := range m.jobs {
		switch j.State {
		case JobWaiting:
			counts.Waiting++
		case JobActive:
			counts.Active++
		case JobCompleted:
			counts.Completed++
		case JobFailed:
			counts.Failed++
		}
	}
	return &counts, nil
}

// SaveUsage stores a usage ledger entry.
func (m *MockStore) SaveUsage(ctx context.Context, entry *UsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveUsageErr != nil {
		err := m.SaveUsageErr
		m.SaveUsageErr = nil
		return err
	}

	cp := *entry
	m.usage[cp.ID] = &cp
	return nil
}

// GetUsageStats returns aggregated usage totals with optional filters.
func (m *MockStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	for _, u := range m.usage {
		if filter.SessionID != nil && u.SessionID != *filter.SessionID {
			continue
		}
		if filter.Since != nil && u.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !u.CreatedAt.Before(*filter.Until) {
			continue
		}
		stats.TotalPromptTokens += int64(u.PromptTokens)
		stats.TotalCompletionTokens += int64(u.CompletionTokens)
		stats.TotalCostMicrocents += u.CostMicrocents
		stats.TurnCount++
	}
	stats.TotalTokens = stats.TotalPromptTokens + stats.TotalCompletionTokens
	return &stats, nil
}

// UsageEntries returns all recorded usage entries (test helper).
func (m *MockStore) UsageEntries() []*UsageEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*UsageEntry, 0, len(m.usage))
	for _, u := range m.usage {
		cp := *u
		entries = append(entries, &cp)
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].CreatedAt.Before(entries[b].CreatedAt) })
	return entries
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

func copyTurns(in []*TurnMessage) []*TurnMessage {
	out := make([]*TurnMessage, len(in))
	for i, t := range in {
		cp := *t
		out[i] = &cp
	}
	return out
}

// Ensure MockStore implements the full Store surface.
var _ Store = (*MockStore)(nil)
