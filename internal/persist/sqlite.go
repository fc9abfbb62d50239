package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteTier is the larger asynchronous storage tier. The unit of storage is
// the entire snapshot, overwritten under a single row, so no record-level
// locking is needed.
type SQLiteTier struct {
	db *sqlx.DB
}

// NewSQLiteTier opens (or creates) the snapshot database at dbPath.
func NewSQLiteTier(dbPath string) (*SQLiteTier, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps the debounced writer from blocking concurrent reads.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	tier := &SQLiteTier{db: db}
	if err := tier.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize snapshot schema: %w", err)
	}
	return tier, nil
}

func (t *SQLiteTier) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		payload TEXT NOT NULL
	);`
	if _, err := t.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Read returns the stored snapshot, or nil when no row exists, the payload
// is corrupt, or the schema gate rejects it.
func (t *SQLiteTier) Read(ctx context.Context) (*Snapshot, error) {
	var payload string
	err := t.db.GetContext(ctx, &payload, `SELECT payload FROM snapshots WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot row: %w", err)
	}
	return decodeSnapshot([]byte(payload)), nil
}

// Write overwrites the stored snapshot. Invalid snapshots are refused before
// touching the database.
func (t *SQLiteTier) Write(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("validate snapshot: %w", err)
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	query := `
	INSERT INTO snapshots (id, version, updated_at, payload)
	VALUES (1, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		version = excluded.version,
		updated_at = excluded.updated_at,
		payload = excluded.payload`

	if _, err := t.db.ExecContext(ctx, query, snap.Version, snap.UpdatedAt, string(raw)); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Ping verifies the tier is reachable.
func (t *SQLiteTier) Ping(ctx context.Context) error {
	return t.db.PingContext(ctx)
}

// Close closes the underlying database.
func (t *SQLiteTier) Close() error {
	if err := t.db.Close(); err != nil {
		return fmt.Errorf("close snapshot database: %w", err)
	}
	return nil
}
