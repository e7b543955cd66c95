// ABOUTME: SQLite implementation of the usage ledger
// ABOUTME: Records per-turn token consumption and serves aggregated statistics

package store

import (
	"context"
	"fmt"
)

// SaveUsage stores a usage ledger entry.
func (s *SQLiteStore) SaveUsage(ctx context.Context, entry *UsageEntry) error {
	query := `
		INSERT INTO usage_ledger (
			id, dialogue_id, session_id, user_id, job_id, model_id,
			prompt_tokens, completion_tokens, cost_microcents, latency_ms,
			created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.DialogueID,
		entry.SessionID,
		entry.UserID,
		entry.JobID,
		entry.ModelID,
		entry.PromptTokens,
		entry.CompletionTokens,
		entry.CostMicrocents,
		entry.LatencyMS,
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage entry: %w", err)
	}

	s.logger.Debug("saved usage entry",
		"id", entry.ID,
		"dialogue_id", entry.DialogueID,
		"job_id", entry.JobID,
		"prompt_tokens", entry.PromptTokens,
		"completion_tokens", entry.CompletionTokens,
	)
	return nil
}

// GetUsageStats returns aggregated usage totals with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(prompt_tokens), 0) as total_prompt,
			COALESCE(SUM(completion_tokens), 0) as total_completion,
			COALESCE(SUM(cost_microcents), 0) as total_cost,
			COUNT(*) as turn_count
		FROM usage_ledger
		WHERE 1=1
	`
	args := []any{}

	if filter.SessionID != nil {
		query += " AND session_id = ?"
		args = append(args, *filter.SessionID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, formatTime(*filter.Until))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalPromptTokens,
		&stats.TotalCompletionTokens,
		&stats.TotalCostMicrocents,
		&stats.TurnCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}

	stats.TotalTokens = stats.TotalPromptTokens + stats.TotalCompletionTokens

	return &stats, nil
}

// Ensure SQLiteStore implements the UsageStore interface.
var _ UsageStore = (*SQLiteStore)(nil)
