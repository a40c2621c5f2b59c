package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a file-backed (or ":memory:") Store using the pure-Go
// modernc.org/sqlite driver — zero-setup persistence for single-process
// deployments and local development, same schema shape as MySQLStore.
//
// SQLite allows only one writer at a time; Save serializes through mu so
// the insert/update fallback dance observes a consistent row state.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens path (a file path or ":memory:"), enables WAL mode
// and a busy timeout, and ensures the checkpoints table exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("checkpoint: %s: %w", pragma, err)
		}
	}

	store := &SQLiteStore{db: db}
	if err := store.createTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) createTable(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS streamcore_checkpoints (
			stream_consumer_id TEXT NOT NULL,
			shard_or_event_id TEXT NOT NULL,
			message_states TEXT NOT NULL,
			rejected_message_states TEXT NOT NULL,
			unusable_record_states TEXT NOT NULL,
			batch_state TEXT,
			PRIMARY KEY (stream_consumer_id, shard_or_event_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: %v", ErrTableMissing, err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, key Key) (*Item, error) {
	const q = `
		SELECT message_states, rejected_message_states, unusable_record_states, batch_state
		FROM streamcore_checkpoints
		WHERE stream_consumer_id = ? AND shard_or_event_id = ?
	`
	var msgJSON, rejJSON, unuJSON string
	var batchJSON sql.NullString

	err := s.db.QueryRowContext(ctx, q, key.StreamConsumerID, key.ShardOrEventID).
		Scan(&msgJSON, &rejJSON, &unuJSON, &batchJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load: %w", err)
	}

	item := &Item{Key: key}
	if err := json.Unmarshal([]byte(msgJSON), &item.MessageStates); err != nil {
		return nil, fmt.Errorf("checkpoint: decode message states: %w", err)
	}
	if err := json.Unmarshal([]byte(rejJSON), &item.RejectedMessageStates); err != nil {
		return nil, fmt.Errorf("checkpoint: decode rejected message states: %w", err)
	}
	if err := json.Unmarshal([]byte(unuJSON), &item.UnusableRecordStates); err != nil {
		return nil, fmt.Errorf("checkpoint: decode unusable record states: %w", err)
	}
	if batchJSON.Valid && batchJSON.String != "" {
		var bs BatchItemState
		if err := json.Unmarshal([]byte(batchJSON.String), &bs); err != nil {
			return nil, fmt.Errorf("checkpoint: decode batch state: %w", err)
		}
		item.BatchState = &bs
	}
	return item, nil
}

// Save implements Store. SQLite has no native "insert or fail, else
// update" single statement used here (deliberately avoiding "INSERT OR
// IGNORE" which would mask a stale-content bug by design): the same
// insert-then-fallback-update shape as MySQLStore is used so a caller
// observing one backend can rely on the other behaving identically.
func (s *SQLiteStore) Save(ctx context.Context, key Key, item *Item, previouslySaved PreviouslySaved) error {
	if !key.IsValid() {
		return fmt.Errorf("checkpoint: save: %w", ErrConditionFailed)
	}

	msgJSON, err := json.Marshal(item.MessageStates)
	if err != nil {
		return fmt.Errorf("checkpoint: encode message states: %w", err)
	}
	rejJSON, err := json.Marshal(item.RejectedMessageStates)
	if err != nil {
		return fmt.Errorf("checkpoint: encode rejected message states: %w", err)
	}
	unuJSON, err := json.Marshal(item.UnusableRecordStates)
	if err != nil {
		return fmt.Errorf("checkpoint: encode unusable record states: %w", err)
	}
	var batchJSON []byte
	if item.BatchState != nil {
		if batchJSON, err = json.Marshal(item.BatchState); err != nil {
			return fmt.Errorf("checkpoint: encode batch state: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	insert := func() error {
		const q = `
			INSERT INTO streamcore_checkpoints
				(stream_consumer_id, shard_or_event_id, message_states, rejected_message_states, unusable_record_states, batch_state)
			VALUES (?, ?, ?, ?, ?, ?)
		`
		_, err := s.db.ExecContext(ctx, q, key.StreamConsumerID, key.ShardOrEventID, string(msgJSON), string(rejJSON), string(unuJSON), nullableString(batchJSON))
		if isUniqueViolation(err) {
			return ErrConditionFailed
		}
		return err
	}

	update := func() error {
		const q = `
			UPDATE streamcore_checkpoints
			SET message_states = ?, rejected_message_states = ?, unusable_record_states = ?, batch_state = ?
			WHERE stream_consumer_id = ? AND shard_or_event_id = ?
		`
		res, err := s.db.ExecContext(ctx, q, string(msgJSON), string(rejJSON), string(unuJSON), nullableString(batchJSON), key.StreamConsumerID, key.ShardOrEventID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConditionFailed
		}
		return nil
	}

	first, second := insert, update
	if previouslySaved == Saved {
		first, second = update, insert
	}

	if err := first(); err != nil {
		if !errors.Is(err, ErrConditionFailed) {
			return fmt.Errorf("checkpoint: save: %w", err)
		}
		if err := second(); err != nil {
			return fmt.Errorf("checkpoint: save (after fallback): %w", err)
		}
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
