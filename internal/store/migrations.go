package store

import (
	"database/sql"
	"fmt"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema: commitments, tree_nodes, tree_state, anchors, config",
		Up:          migrationV1Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS commitments (
    id              TEXT PRIMARY KEY,
    type            TEXT NOT NULL,
    payload_json    TEXT NOT NULL,
    signature       TEXT NOT NULL,
    timestamp_ms    INTEGER NOT NULL,
    leaf_hash       BLOB NOT NULL,
    tree_index      INTEGER NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_commitments_type ON commitments(type);
CREATE INDEX IF NOT EXISTS idx_commitments_timestamp ON commitments(timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_commitments_tree_index ON commitments(tree_index);

CREATE TABLE IF NOT EXISTS tree_nodes (
    level   INTEGER NOT NULL,
    idx     INTEGER NOT NULL,
    hash    BLOB NOT NULL,
    PRIMARY KEY (level, idx)
);

CREATE TABLE IF NOT EXISTS tree_state (
    key     TEXT PRIMARY KEY,
    value   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS anchors (
    anchor_index        INTEGER PRIMARY KEY,
    txid                TEXT NOT NULL UNIQUE,
    timestamp_ms        INTEGER NOT NULL,
    block_height        INTEGER,
    root_hash           BLOB NOT NULL,
    commitment_count    INTEGER NOT NULL,
    previous_anchor     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_anchors_root ON anchors(root_hash);

CREATE TABLE IF NOT EXISTS config (
    key     TEXT PRIMARY KEY,
    value   TEXT NOT NULL
);
`

// applyMigrations brings db up to the latest schema version, recording
// progress in schema_version so reopening a database is idempotent.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current := 0
	row := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	if err := row.Scan(&current); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
			tx.Rollback()
			return fmt.Errorf("clear schema_version: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record schema version %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		current = m.Version
	}

	return nil
}
