// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides dialogue/turn persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists (skip for in-memory databases)
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS dialogues (
			id              TEXT PRIMARY KEY,
			session_id      TEXT NOT NULL,
			node_id         TEXT NOT NULL,
			node_type       TEXT NOT NULL,
			node_label      TEXT NOT NULL,
			message_count   INTEGER NOT NULL DEFAULT 0,
			last_message_at TEXT,
			created_at      TEXT NOT NULL,

			CHECK (node_type IN ('seed', 'soil', 'root', 'insight'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_dialogues_session_node
			ON dialogues(session_id, node_id);

		CREATE TABLE IF NOT EXISTS turns (
			id                TEXT PRIMARY KEY,
			dialogue_id       TEXT NOT NULL,
			role              TEXT NOT NULL,
			content           TEXT NOT NULL,
			seq               INTEGER NOT NULL,
			turn_key          TEXT NOT NULL,
			model_id          TEXT,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms        INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,

			FOREIGN KEY (dialogue_id) REFERENCES dialogues(id),
			CHECK (role IN ('user', 'assistant'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_dialogue_seq
			ON turns(dialogue_id, seq);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_dialogue_key
			ON turns(dialogue_id, turn_key);

		CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			dialogue_key TEXT NOT NULL,
			state        TEXT NOT NULL,
			priority     INTEGER NOT NULL DEFAULT 0,
			attempts     INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			payload      TEXT NOT NULL,
			result       TEXT,
			last_error   TEXT,
			run_after    INTEGER NOT NULL,
			lease_until  INTEGER,
			enqueued_at  INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,

			CHECK (state IN ('waiting', 'active', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_state_order
			ON jobs(state, priority DESC, enqueued_at);

		CREATE INDEX IF NOT EXISTS idx_jobs_dialogue_state
			ON jobs(dialogue_key, state);

		CREATE TABLE IF NOT EXISTS usage_ledger (
			id                TEXT PRIMARY KEY,
			dialogue_id       TEXT NOT NULL,
			session_id        TEXT NOT NULL,
			user_id           TEXT NOT NULL,
			job_id            TEXT NOT NULL,
			model_id          TEXT NOT NULL,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_microcents   INTEGER NOT NULL DEFAULT 0,
			latency_ms        INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_session
			ON usage_ledger(session_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateDialogue inserts a new dialogue row.
// Returns ErrDuplicateDialogue if the (session, node) pair already has one.
func (s *SQLiteStore) CreateDialogue(ctx context.Context, d *Dialogue) error {
	query := `
		INSERT INTO dialogues (id, session_id, node_id, node_type, node_label, message_count, last_message_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.SessionID,
		d.NodeID,
		string(d.NodeType),
		d.NodeLabel,
		d.MessageCount,
		nullTime(d.LastMessageAt),
		formatTime(d.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateDialogue
		}
		return fmt.Errorf("inserting dialogue: %w", err)
	}

	s.logger.Debug("dialogue created",
		"dialogue_id", d.ID,
		"session_id", d.SessionID,
		"node_id", d.NodeID,
		"node_type", d.NodeType)
	return nil
}

// GetDialogue retrieves a dialogue by ID
func (s *SQLiteStore) GetDialogue(ctx context.Context, id string) (*Dialogue, error) {
	query := `
		SELECT id, session_id, node_id, node_type, node_label, message_count, last_message_at, created_at
		FROM dialogues
		WHERE id = ?
	`
	return s.scanDialogue(s.db.QueryRowContext(ctx, query, id))
}

// GetDialogueByNode retrieves a dialogue by its (session, node) composite key
func (s *SQLiteStore) GetDialogueByNode(ctx context.Context, sessionID, nodeID string) (*Dialogue, error) {
	query := `
		SELECT id, session_id, node_id, node_type, node_label, message_count, last_message_at, created_at
		FROM dialogues
		WHERE session_id = ? AND node_id = ?
	`
	return s.scanDialogue(s.db.QueryRowContext(ctx, query, sessionID, nodeID))
}

// AppendTurn assigns the next sequence number and inserts the message in a
// single transaction. Duplicate turn keys return the existing message, so a
// retried job never appends the same turn twice.
func (s *SQLiteStore) AppendTurn(ctx context.Context, msg *TurnMessage) (*TurnMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Idempotency check: has this turn key already been appended?
	existing, err := scanTurn(tx.QueryRowContext(ctx, `
		SELECT id, dialogue_id, role, content, seq, turn_key, model_id, prompt_tokens, completion_tokens, latency_ms, created_at
		FROM turns
		WHERE dialogue_id = ? AND turn_key = ?
	`, msg.DialogueID, msg.TurnKey))
	if err == nil {
		s.logger.Debug("turn key already appended, returning existing message",
			"dialogue_id", msg.DialogueID,
			"turn_key", msg.TurnKey,
			"seq", existing.Seq)
		return existing, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	// The dialogue's message_count is the next free sequence number
	var seq int
	err = tx.QueryRowContext(ctx, `SELECT message_count FROM dialogues WHERE id = ?`, msg.DialogueID).Scan(&seq)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading message count: %w", err)
	}

	now := time.Now()
	inserted := *msg
	inserted.Seq = seq
	inserted.CreatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (id, dialogue_id, role, content, seq, turn_key, model_id, prompt_tokens, completion_tokens, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inserted.ID,
		inserted.DialogueID,
		string(inserted.Role),
		inserted.Content,
		inserted.Seq,
		inserted.TurnKey,
		nullString(inserted.ModelID),
		inserted.PromptTokens,
		inserted.CompletionTokens,
		inserted.LatencyMS,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting turn: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE dialogues SET message_count = ?, last_message_at = ? WHERE id = ?
	`, seq+1, formatTime(now), inserted.DialogueID)
	if err != nil {
		return nil, fmt.Errorf("updating dialogue counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing append: %w", err)
	}

	s.logger.Debug("turn appended",
		"dialogue_id", inserted.DialogueID,
		"message_id", inserted.ID,
		"role", inserted.Role,
		"seq", inserted.Seq)
	return &inserted, nil
}

// History returns messages for a dialogue ordered by ascending sequence
func (s *SQLiteStore) History(ctx context.Context, dialogueID string, limit, page int) ([]*TurnMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if page < 0 {
		page = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dialogue_id, role, content, seq, turn_key, model_id, prompt_tokens, completion_tokens, latency_ms, created_at
		FROM turns
		WHERE dialogue_id = ?
		ORDER BY seq ASC
		LIMIT ? OFFSET ?
	`, dialogueID, limit, page*limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTurns(rows)
}

// RecentTurns returns the last limit messages, oldest first
func (s *SQLiteStore) RecentTurns(ctx context.Context, dialogueID string, limit int) ([]*TurnMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dialogue_id, role, content, seq, turn_key, model_id, prompt_tokens, completion_tokens, latency_ms, created_at
		FROM (
			SELECT id, dialogue_id, role, content, seq, turn_key, model_id, prompt_tokens, completion_tokens, latency_ms, created_at
			FROM turns
			WHERE dialogue_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`, dialogueID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTurns(rows)
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan helpers
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanDialogue(row rowScanner) (*Dialogue, error) {
	var d Dialogue
	var nodeType string
	var lastMessageAt sql.NullString
	var createdAt string

	err := row.Scan(
		&d.ID,
		&d.SessionID,
		&d.NodeID,
		&nodeType,
		&d.NodeLabel,
		&d.MessageCount,
		&lastMessageAt,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning dialogue: %w", err)
	}

	d.NodeType = NodeType(nodeType)
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if lastMessageAt.Valid {
		t, err := parseTime(lastMessageAt.String)
		if err != nil {
			return nil, err
		}
		d.LastMessageAt = &t
	}
	return &d, nil
}

func scanTurn(row rowScanner) (*TurnMessage, error) {
	var m TurnMessage
	var role string
	var modelID sql.NullString
	var createdAt string

	err := row.Scan(
		&m.ID,
		&m.DialogueID,
		&role,
		&m.Content,
		&m.Seq,
		&m.TurnKey,
		&modelID,
		&m.PromptTokens,
		&m.CompletionTokens,
		&m.LatencyMS,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning turn: %w", err)
	}

	m.Role = Role(role)
	if modelID.Valid {
		m.ModelID = modelID.String
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func collectTurns(rows *sql.Rows) ([]*TurnMessage, error) {
	var msgs []*TurnMessage
	for rows.Next() {
		m, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turn rows: %w", err)
	}
	return msgs, nil
}

// formatTime serializes a timestamp for TEXT columns
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime deserializes a TEXT column timestamp
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Ensure SQLiteStore implements the full Store surface.
var _ Store = (*SQLiteStore)(nil)
