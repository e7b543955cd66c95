// ABOUTME: SQLite implementation of the durable job queue table
// ABOUTME: Claim/complete/reschedule with lease expiry and terminal-state pruning

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Job timestamps are stored as integer unix milliseconds so that run_after and
// lease_until comparisons happen in SQL without string-format pitfalls.

// InsertJob persists a new waiting job
func (s *SQLiteStore) InsertJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (id, dialogue_key, state, priority, attempts, max_attempts, payload, result, last_error, run_after, lease_until, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.DialogueKey,
		string(job.State),
		job.Priority,
		job.Attempts,
		job.MaxAttempts,
		string(job.Payload),
		nullString(string(job.Result)),
		nullString(job.LastError),
		job.RunAfter.UnixMilli(),
		nullMillis(job.LeaseUntil),
		job.EnqueuedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}

	s.logger.Debug("job inserted",
		"job_id", job.ID,
		"dialogue_key", job.DialogueKey,
		"priority", job.Priority)
	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `
		SELECT id, dialogue_key, state, priority, attempts, max_attempts, payload, result, last_error, run_after, lease_until, enqueued_at, updated_at
		FROM jobs
		WHERE id = ?
	`, id))
}

// ClaimNextJob atomically claims the next runnable waiting job.
// Jobs whose dialogue already has an active job are skipped so that two turns
// on the same dialogue never interleave sequence assignment.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, now time.Time, lease time.Duration) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := scanJob(tx.QueryRowContext(ctx, `
		SELECT id, dialogue_key, state, priority, attempts, max_attempts, payload, result, last_error, run_after, lease_until, enqueued_at, updated_at
		FROM jobs
		WHERE state = 'waiting'
		  AND run_after <= ?
		  AND dialogue_key NOT IN (SELECT dialogue_key FROM jobs WHERE state = 'active')
		ORDER BY priority DESC, enqueued_at ASC, id ASC
		LIMIT 1
	`, now.UnixMilli()))
	if err == ErrNotFound {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, err
	}

	leaseUntil := now.Add(lease)
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'active', attempts = attempts + 1, lease_until = ?, updated_at = ?
		WHERE id = ? AND state = 'waiting'
	`, leaseUntil.UnixMilli(), now.UnixMilli(), job.ID)
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if affected != 1 {
		// Lost the claim race inside the transaction window
		return nil, ErrNoJob
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	job.State = JobActive
	job.Attempts++
	job.LeaseUntil = &leaseUntil
	job.UpdatedAt = now

	s.logger.Debug("job claimed",
		"job_id", job.ID,
		"attempt", job.Attempts,
		"priority", job.Priority)
	return job, nil
}

// CompleteJob marks a job completed and records its result
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, result []byte) error {
	return s.transitionJob(ctx, id, `
		UPDATE jobs
		SET state = 'completed', result = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND state = 'active'
	`, string(result), time.Now().UnixMilli(), id)
}

// RescheduleJob returns a failed attempt to waiting with a backoff delay
func (s *SQLiteStore) RescheduleJob(ctx context.Context, id string, runAfter time.Time, lastError string) error {
	return s.transitionJob(ctx, id, `
		UPDATE jobs
		SET state = 'waiting', run_after = ?, last_error = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND state = 'active'
	`, runAfter.UnixMilli(), lastError, time.Now().UnixMilli(), id)
}

// FailJob marks a job terminally failed
func (s *SQLiteStore) FailJob(ctx context.Context, id string, lastError string) error {
	return s.transitionJob(ctx, id, `
		UPDATE jobs
		SET state = 'failed', last_error = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND state = 'active'
	`, lastError, time.Now().UnixMilli(), id)
}

// transitionJob runs a state-transition update and maps zero affected rows to
// ErrNotFound (unknown id or a state the transition does not apply to).
func (s *SQLiteStore) transitionJob(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReclaimExpiredLeases returns crashed-worker jobs to the waiting state
func (s *SQLiteStore) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'waiting', lease_until = NULL, updated_at = ?
		WHERE state = 'active' AND lease_until IS NOT NULL AND lease_until <= ?
	`, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reclaiming leases: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if affected > 0 {
		s.logger.Warn("reclaimed expired job leases", "count", affected)
	}
	return int(affected), nil
}

// PruneTerminalJobs evicts terminal jobs past their retention windows
func (s *SQLiteStore) PruneTerminalJobs(ctx context.Context, completedBefore, failedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE (state = 'completed' AND updated_at < ?)
		   OR (state = 'failed' AND updated_at < ?)
	`, completedBefore.UnixMilli(), failedBefore.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(affected), nil
}

// CountWaitingAhead counts waiting jobs that dequeue at or before the given
// (priority, enqueue time) pair. Best-effort: concurrent enqueues may shift it.
func (s *SQLiteStore) CountWaitingAhead(ctx context.Context, priority int, enqueuedAt time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM jobs
		WHERE state = 'waiting'
		  AND (priority > ? OR (priority = ? AND enqueued_at <= ?))
	`, priority, priority, enqueuedAt.UnixMilli()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting waiting jobs: %w", err)
	}
	return count, nil
}

// JobCounts returns per-state totals for the metrics endpoint
func (s *SQLiteStore) JobCounts(ctx context.Context) (*JobCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts JobCounts
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning job counts: %w", err)
		}
		switch JobState(state) {
		case JobWaiting:
			counts.Waiting = n
		case JobActive:
			counts.Active = n
		case JobCompleted:
			counts.Completed = n
		case JobFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job counts: %w", err)
	}
	return &counts, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var state string
	var result, lastError sql.NullString
	var payload string
	var runAfter, enqueuedAt, updatedAt int64
	var leaseUntil sql.NullInt64

	err := row.Scan(
		&j.ID,
		&j.DialogueKey,
		&state,
		&j.Priority,
		&j.Attempts,
		&j.MaxAttempts,
		&payload,
		&result,
		&lastError,
		&runAfter,
		&leaseUntil,
		&enqueuedAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}

	j.State = JobState(state)
	j.Payload = []byte(payload)
	if result.Valid {
		j.Result = []byte(result.String)
	}
	if lastError.Valid {
		j.LastError = lastError.String
	}
	j.RunAfter = time.UnixMilli(runAfter)
	if leaseUntil.Valid {
		t := time.UnixMilli(leaseUntil.Int64)
		j.LeaseUntil = &t
	}
	j.EnqueuedAt = time.UnixMilli(enqueuedAt)
	j.UpdatedAt = time.UnixMilli(updatedAt)
	return &j, nil
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
