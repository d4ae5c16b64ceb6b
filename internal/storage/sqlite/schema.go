package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaDDL creates all tables on first open. Timestamps are stored as unix
// nanoseconds so no driver-specific time handling is needed.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS patterns (
    id               TEXT    PRIMARY KEY,
    original_phrase  TEXT    NOT NULL,
    corrected_phrase TEXT    NOT NULL,
    mode             TEXT    NOT NULL DEFAULT '',
    occurrence_count INTEGER NOT NULL DEFAULT 1,
    confidence       REAL    NOT NULL DEFAULT 0,
    last_updated_at  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS preferences (
    id              TEXT    PRIMARY KEY,
    type            TEXT    NOT NULL UNIQUE,
    value           REAL    NOT NULL DEFAULT 0,
    sample_count    INTEGER NOT NULL DEFAULT 0,
    last_updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_ops (
    id              TEXT    PRIMARY KEY,
    kind            TEXT    NOT NULL,
    entity_id       TEXT    NOT NULL DEFAULT '',
    payload         BLOB,
    status          TEXT    NOT NULL DEFAULT 'pending',
    attempts        INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    next_attempt_at INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_ops_created ON sync_ops (created_at);
`

// migrate applies the schema. Safe to call on every open.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}
