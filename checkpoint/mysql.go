package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed Store.
//
// It models the checkpoint table as a single row per batch key holding the
// three state lists and the batch-wide state as JSON columns, with a
// composite primary key on (stream_consumer_id, shard_or_event_id) so a
// first-ever save and a subsequent save are distinguishable at the SQL
// level: INSERT fails with a duplicate-key error once a row exists, and
// UPDATE affects zero rows when it doesn't — the same conditional-write
// contract spec.md §4.5 describes for the DynamoDB-shaped original.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens dsn, verifies connectivity, and ensures the
// checkpoints table exists.
//
// Example DSN: "user:pass@tcp(127.0.0.1:3306)/streamcore?parseTime=true".
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: ping mysql: %w", err)
	}

	store := &MySQLStore{db: db}
	if err := store.createTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (m *MySQLStore) createTable(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS streamcore_checkpoints (
			stream_consumer_id VARCHAR(255) NOT NULL,
			shard_or_event_id VARCHAR(255) NOT NULL,
			message_states JSON NOT NULL,
			rejected_message_states JSON NOT NULL,
			unusable_record_states JSON NOT NULL,
			batch_state JSON NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			PRIMARY KEY (stream_consumer_id, shard_or_event_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: %v", ErrTableMissing, err)
	}
	return nil
}

// Load implements Store.
func (m *MySQLStore) Load(ctx context.Context, key Key) (*Item, error) {
	const q = `
		SELECT message_states, rejected_message_states, unusable_record_states, batch_state
		FROM streamcore_checkpoints
		WHERE stream_consumer_id = ? AND shard_or_event_id = ?
	`
	var msgJSON, rejJSON, unuJSON []byte
	var batchJSON sql.NullString

	err := m.db.QueryRowContext(ctx, q, key.StreamConsumerID, key.ShardOrEventID).
		Scan(&msgJSON, &rejJSON, &unuJSON, &batchJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load: %w", err)
	}

	item := &Item{Key: key}
	if err := json.Unmarshal(msgJSON, &item.MessageStates); err != nil {
		return nil, fmt.Errorf("checkpoint: decode message states: %w", err)
	}
	if err := json.Unmarshal(rejJSON, &item.RejectedMessageStates); err != nil {
		return nil, fmt.Errorf("checkpoint: decode rejected message states: %w", err)
	}
	if err := json.Unmarshal(unuJSON, &item.UnusableRecordStates); err != nil {
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

// Save implements Store.
func (m *MySQLStore) Save(ctx context.Context, key Key, item *Item, previouslySaved PreviouslySaved) error {
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

	insert := func() error {
		const q = `
			INSERT INTO streamcore_checkpoints
				(stream_consumer_id, shard_or_event_id, message_states, rejected_message_states, unusable_record_states, batch_state)
			VALUES (?, ?, ?, ?, ?, ?)
		`
		_, err := m.db.ExecContext(ctx, q, key.StreamConsumerID, key.ShardOrEventID, msgJSON, rejJSON, unuJSON, nullableJSON(batchJSON))
		if isDuplicateKey(err) {
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
		res, err := m.db.ExecContext(ctx, q, msgJSON, rejJSON, unuJSON, nullableJSON(batchJSON), key.StreamConsumerID, key.ShardOrEventID)
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
func (m *MySQLStore) Close() error {
	return m.db.Close()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
