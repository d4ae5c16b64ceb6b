package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlLearnedPatterns = `
CREATE TABLE IF NOT EXISTS learned_patterns (
    id               TEXT         PRIMARY KEY,
    original_phrase  TEXT         NOT NULL,
    corrected_phrase TEXT         NOT NULL,
    mode             TEXT         NOT NULL DEFAULT '',
    occurrence_count INTEGER      NOT NULL DEFAULT 1,
    confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_learned_patterns_updated
    ON learned_patterns (last_updated_at);
`

const ddlUserPreferences = `
CREATE TABLE IF NOT EXISTS user_preferences (
    id              TEXT         PRIMARY KEY,
    type            TEXT         NOT NULL,
    value           DOUBLE PRECISION NOT NULL DEFAULT 0,
    sample_count    INTEGER      NOT NULL DEFAULT 0,
    last_updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_user_preferences_type
    ON user_preferences (type);
`

// Migrate creates the cloud store tables if they do not exist. It is safe to
// call on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlLearnedPatterns, ddlUserPreferences} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
