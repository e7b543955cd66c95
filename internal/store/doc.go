// Package store provides persistent storage for taproot using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with specialized
// interfaces:
//
//   - DialogueStore: Dialogues and turn messages
//   - JobStore: The durable job queue table
//   - UsageStore: Usage ledger recording and statistics
//
// SQLiteStore implements all interfaces in a single struct, allowing easy
// composition while maintaining clear interface boundaries.
//
// # Data Models
//
//   - Dialogue: Message thread anchored to one (session, node) pair,
//     unique per pair, created lazily on the first turn
//   - TurnMessage: Immutable message with a per-dialogue monotonic sequence
//     and a job-scoped idempotency key (turn_key)
//   - Job: Queued turn work with state, priority, attempts, lease and
//     backoff columns
//   - UsageEntry: Per-turn token/cost ledger row
//
// # Sequence Assignment
//
// AppendTurn assigns sequence numbers transactionally from the dialogue's
// message_count, so sequences within a dialogue are 0,1,2,... with no gaps or
// reuse. The unique (dialogue_id, turn_key) index makes the append idempotent:
// retrying a crashed job returns the originally appended row instead of
// double-appending.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Job scheduling timestamps (run_after, lease_until) are stored as integer
// unix milliseconds so ordering comparisons happen natively in SQL.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateDialogue: (session, node) pair already has a dialogue
//   - ErrNoJob: No runnable job available to claim
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	store := store.NewMockStore()
//	// store implements all Store interfaces
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
package store
