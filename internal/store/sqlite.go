package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"grid_trader/internal/grid"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schema holds a single snapshot row; the CHECK keeps the table single-row
// so a misbehaving writer cannot fork the state.
const schema = `
CREATE TABLE IF NOT EXISTS snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL,
	checksum BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore persists the snapshot in a single-row SQLite table with a
// sha256 checksum over the serialized document.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL keeps the last committed row readable after a crash mid-write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create snapshot table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap *grid.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	// The document must parse back before it is allowed onto disk.
	var check grid.Snapshot
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("snapshot validation failed: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO snapshot (id, data, checksum, updated_at) VALUES (1, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, string(data), checksum[:], time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write snapshot to db: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Load(ctx context.Context) (*grid.Snapshot, error) {
	query := `SELECT data, checksum FROM snapshot WHERE id = 1`
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, query).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot from db: %w", err)
	}

	computed := sha256.Sum256([]byte(data))
	if !bytes.Equal(storedChecksum, computed[:]) {
		return nil, fmt.Errorf("checksum mismatch: snapshot row is corrupt")
	}

	var snap grid.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

func (s *SQLiteStore) Delete(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshot WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
