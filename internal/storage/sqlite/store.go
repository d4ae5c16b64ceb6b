// Package sqlite provides the durable local store for Dictare: learned
// patterns, user preferences, the session counter, and the sync journal all
// live in one SQLite database file.
//
// The store is the engine's source of truth. The cloud store is only ever a
// replica fed by the sync queue, so every mutation lands here first.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/nils-skog/dictare/internal/syncq"
	"github.com/nils-skog/dictare/pkg/types"
)

// Compile-time interface check.
var _ syncq.Journal = (*Store)(nil)

const sessionCountKey = "session_count"

// Store is a SQLite-backed local store. All methods are safe for concurrent
// use; SQLite's single-writer model is enforced with a one-connection pool.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the database at path and applies the
// schema. The caller must call [Store.Close] when done.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("sqlite: create database directory: %w", err)
	}

	// modernc.org/sqlite uses _pragma=name(value) syntax.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite handles concurrency better with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: connect %q: %w", path, err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies the database connection, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ─── Patterns ───────────────────────────────────────────────────────────────

// LoadPatterns returns all stored patterns ordered by last update, newest first.
func (s *Store) LoadPatterns(ctx context.Context) ([]types.LearnedPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_phrase, corrected_phrase, mode, occurrence_count, confidence, last_updated_at
		FROM patterns
		ORDER BY last_updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load patterns: %w", err)
	}
	defer rows.Close()

	var out []types.LearnedPattern
	for rows.Next() {
		var p types.LearnedPattern
		var mode string
		var updated int64
		if err := rows.Scan(&p.ID, &p.OriginalPhrase, &p.CorrectedPhrase, &mode,
			&p.OccurrenceCount, &p.Confidence, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan pattern: %w", err)
		}
		p.Mode = types.RefinementMode(mode)
		p.LastUpdatedAt = time.Unix(0, updated)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load patterns rows: %w", err)
	}
	return out, nil
}

// UpsertPattern creates or replaces the pattern identified by p.ID.
func (s *Store) UpsertPattern(ctx context.Context, p types.LearnedPattern) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns
			(id, original_phrase, corrected_phrase, mode, occurrence_count, confidence, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			original_phrase  = excluded.original_phrase,
			corrected_phrase = excluded.corrected_phrase,
			mode             = excluded.mode,
			occurrence_count = excluded.occurrence_count,
			confidence       = excluded.confidence,
			last_updated_at  = excluded.last_updated_at`,
		p.ID, p.OriginalPhrase, p.CorrectedPhrase, string(p.Mode),
		p.OccurrenceCount, p.Confidence, p.LastUpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert pattern %s: %w", p.ID, err)
	}
	return nil
}

// DeletePattern removes the pattern with the given ID. Deleting a missing
// pattern is not an error.
func (s *Store) DeletePattern(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM patterns WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete pattern %s: %w", id, err)
	}
	return nil
}

// ─── Preferences ────────────────────────────────────────────────────────────

// LoadPreferences returns all stored user preferences.
func (s *Store) LoadPreferences(ctx context.Context) ([]types.UserPreference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, value, sample_count, last_updated_at FROM preferences`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load preferences: %w", err)
	}
	defer rows.Close()

	var out []types.UserPreference
	for rows.Next() {
		var p types.UserPreference
		var typ string
		var updated int64
		if err := rows.Scan(&p.ID, &typ, &p.Value, &p.SampleCount, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan preference: %w", err)
		}
		p.Type = types.PreferenceType(typ)
		p.LastUpdatedAt = time.Unix(0, updated)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load preferences rows: %w", err)
	}
	return out, nil
}

// UpsertPreference creates or replaces the preference for p.Type.
func (s *Store) UpsertPreference(ctx context.Context, p types.UserPreference) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (id, type, value, sample_count, last_updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (type) DO UPDATE SET
			id              = excluded.id,
			value           = excluded.value,
			sample_count    = excluded.sample_count,
			last_updated_at = excluded.last_updated_at`,
		p.ID, string(p.Type), p.Value, p.SampleCount, p.LastUpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert preference %s: %w", p.Type, err)
	}
	return nil
}

// ─── Session counter ────────────────────────────────────────────────────────

// SessionCount returns the total number of completed sessions.
func (s *Store) SessionCount(ctx context.Context) (int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, sessionCountKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: session count: %w", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("sqlite: session count value %q: %w", raw, err)
	}
	return n, nil
}

// SetSessionCount stores the total number of completed sessions.
func (s *Store) SetSessionCount(ctx context.Context, n int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		sessionCountKey, strconv.Itoa(n),
	)
	if err != nil {
		return fmt.Errorf("sqlite: set session count: %w", err)
	}
	return nil
}

// Clear removes all patterns, preferences, and the session counter in one
// transaction. The sync journal is untouched so a queued reset still reaches
// the cloud store.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin clear: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	for _, q := range []string{
		`DELETE FROM patterns`,
		`DELETE FROM preferences`,
		`DELETE FROM meta WHERE key = '` + sessionCountKey + `'`,
	} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: clear: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit clear: %w", err)
	}
	return nil
}

// ─── Sync journal ───────────────────────────────────────────────────────────

// AppendOperation implements [syncq.Journal].
func (s *Store) AppendOperation(ctx context.Context, op syncq.Operation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_ops
			(id, kind, entity_id, payload, status, attempts, created_at, next_attempt_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Kind), op.EntityID, op.Payload, string(op.Status),
		op.Attempts, op.CreatedAt.UnixNano(), nanoOrZero(op.NextAttemptAt), op.LastError,
	)
	if err != nil {
		return fmt.Errorf("sqlite: append operation %s: %w", op.ID, err)
	}
	return nil
}

// UpdateOperation implements [syncq.Journal].
func (s *Store) UpdateOperation(ctx context.Context, op syncq.Operation) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_ops SET
			kind = ?, entity_id = ?, payload = ?, status = ?, attempts = ?,
			created_at = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		string(op.Kind), op.EntityID, op.Payload, string(op.Status), op.Attempts,
		op.CreatedAt.UnixNano(), nanoOrZero(op.NextAttemptAt), op.LastError, op.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update operation %s: %w", op.ID, err)
	}
	return nil
}

// RemoveOperation implements [syncq.Journal].
func (s *Store) RemoveOperation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_ops WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: remove operation %s: %w", id, err)
	}
	return nil
}

// ListOperations implements [syncq.Journal].
func (s *Store) ListOperations(ctx context.Context) ([]syncq.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, entity_id, payload, status, attempts, created_at, next_attempt_at, last_error
		FROM sync_ops
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list operations: %w", err)
	}
	defer rows.Close()

	var out []syncq.Operation
	for rows.Next() {
		var op syncq.Operation
		var kind, status string
		var created, next int64
		if err := rows.Scan(&op.ID, &kind, &op.EntityID, &op.Payload, &status,
			&op.Attempts, &created, &next, &op.LastError); err != nil {
			return nil, fmt.Errorf("sqlite: scan operation: %w", err)
		}
		op.Kind = syncq.Kind(kind)
		op.Status = syncq.Status(status)
		op.CreatedAt = time.Unix(0, created)
		if next != 0 {
			op.NextAttemptAt = time.Unix(0, next)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list operations rows: %w", err)
	}
	return out, nil
}

// ClearOperations implements [syncq.Journal].
func (s *Store) ClearOperations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_ops`); err != nil {
		return fmt.Errorf("sqlite: clear operations: %w", err)
	}
	return nil
}

// nanoOrZero converts a possibly-zero time to unix nanoseconds, keeping zero
// times as 0 rather than a huge negative number.
func nanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
