// Package store provides the durable snapshot store backends
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "cart_sentinel/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists entity snapshots as JSON blobs keyed by name, with a
// checksum to detect corruption on reload.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) the snapshot database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS snapshots (
		key TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		checksum BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create snapshot table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, state interface{}) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", apperrors.ErrPersistence, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal snapshot %s: %v", apperrors.ErrPersistence, key, err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO snapshots (key, data, checksum, updated_at) VALUES (?, ?, ?, ?)`
	if _, err = tx.ExecContext(ctx, query, key, string(data), checksum[:], time.Now().UnixNano()); err != nil {
		return fmt.Errorf("%w: failed to write snapshot %s: %v", apperrors.ErrPersistence, key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit snapshot %s: %v", apperrors.ErrPersistence, key, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string, out interface{}) (bool, error) {
	query := `SELECT data, checksum FROM snapshots WHERE key = ?`
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("%w: failed to read snapshot %s: %v", apperrors.ErrPersistence, key, err)
	}

	computed := sha256.Sum256([]byte(data))
	if len(storedChecksum) != len(computed) {
		return false, fmt.Errorf("%w: checksum length mismatch for snapshot %s", apperrors.ErrPersistence, key)
	}
	for i := range computed {
		if storedChecksum[i] != computed[i] {
			return false, fmt.Errorf("%w: checksum verification failed for snapshot %s", apperrors.ErrPersistence, key)
		}
	}

	if err := json.Unmarshal([]byte(data), out); err != nil {
		return false, fmt.Errorf("%w: failed to unmarshal snapshot %s: %v", apperrors.ErrPersistence, key, err)
	}
	return true, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
