// Package postgres provides a PostgreSQL-backed [cloudstore.Store].
//
// All operations share a single [pgxpool.Pool] connection pool. [NewStore]
// pings the database and runs [Migrate] so the required tables exist before
// the first sync flush.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nils-skog/dictare/pkg/cloudstore"
	"github.com/nils-skog/dictare/pkg/types"
)

// Compile-time interface check.
var _ cloudstore.Store = (*Store)(nil)

// Store is the PostgreSQL-backed cloud store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, and runs [Migrate] to ensure all required
// tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying connection pool.
// It should be called when the Store is no longer needed, typically via defer.
func (s *Store) Close() {
	s.pool.Close()
}

// UpsertPattern implements [cloudstore.Store].
func (s *Store) UpsertPattern(ctx context.Context, p types.LearnedPattern) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO learned_patterns
			(id, original_phrase, corrected_phrase, mode, occurrence_count, confidence, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			original_phrase  = EXCLUDED.original_phrase,
			corrected_phrase = EXCLUDED.corrected_phrase,
			mode             = EXCLUDED.mode,
			occurrence_count = EXCLUDED.occurrence_count,
			confidence       = EXCLUDED.confidence,
			last_updated_at  = EXCLUDED.last_updated_at`,
		p.ID, p.OriginalPhrase, p.CorrectedPhrase, string(p.Mode),
		p.OccurrenceCount, p.Confidence, p.LastUpdatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("postgres store: upsert pattern %s: %w", p.ID, err))
	}
	return nil
}

// DeletePattern implements [cloudstore.Store]. Deleting a pattern that does
// not exist is not an error.
func (s *Store) DeletePattern(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM learned_patterns WHERE id = $1`, id)
	if err != nil {
		return classify(fmt.Errorf("postgres store: delete pattern %s: %w", id, err))
	}
	return nil
}

// UpsertPreference implements [cloudstore.Store].
func (s *Store) UpsertPreference(ctx context.Context, p types.UserPreference) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_preferences
			(id, type, value, sample_count, last_updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			type            = EXCLUDED.type,
			value           = EXCLUDED.value,
			sample_count    = EXCLUDED.sample_count,
			last_updated_at = EXCLUDED.last_updated_at`,
		p.ID, string(p.Type), p.Value, p.SampleCount, p.LastUpdatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("postgres store: upsert preference %s: %w", p.ID, err))
	}
	return nil
}

// ListPatterns implements [cloudstore.Store].
func (s *Store) ListPatterns(ctx context.Context) ([]types.LearnedPattern, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, original_phrase, corrected_phrase, mode, occurrence_count, confidence, last_updated_at
		FROM learned_patterns
		ORDER BY last_updated_at DESC`)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres store: list patterns: %w", err))
	}
	defer rows.Close()

	var out []types.LearnedPattern
	for rows.Next() {
		var p types.LearnedPattern
		var mode string
		if err := rows.Scan(&p.ID, &p.OriginalPhrase, &p.CorrectedPhrase, &mode,
			&p.OccurrenceCount, &p.Confidence, &p.LastUpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres store: scan pattern: %w", err)
		}
		p.Mode = types.RefinementMode(mode)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("postgres store: list patterns rows: %w", err))
	}
	return out, nil
}

// Reset implements [cloudstore.Store]. Both tables are cleared in a single
// transaction so a partial reset is never visible remotely.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(fmt.Errorf("postgres store: begin reset: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `DELETE FROM learned_patterns`); err != nil {
		return classify(fmt.Errorf("postgres store: reset patterns: %w", err))
	}
	if _, err := tx.Exec(ctx, `DELETE FROM user_preferences`); err != nil {
		return classify(fmt.Errorf("postgres store: reset preferences: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("postgres store: commit reset: %w", err))
	}
	return nil
}

// classify wraps transport-level failures in [cloudstore.ErrUnavailable] so
// the sync queue reports "offline" rather than "error" for them. Server-side
// rejections (constraint violations etc.) pass through unchanged.
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isConnectionError(err) {
		return fmt.Errorf("%w: %w", cloudstore.ErrUnavailable, err)
	}
	return err
}

// isConnectionError reports whether err is a pgx connection-level failure
// rather than a statement rejection.
func isConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 — connection exception.
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}
	return pgconn.SafeToRetry(err)
}
