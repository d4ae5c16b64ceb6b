package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nils-skog/dictare/pkg/cloudstore"
	"github.com/nils-skog/dictare/pkg/types"
)

// Compile-time interface check.
var _ cloudstore.Store = (*LazyStore)(nil)

// LazyStore defers the PostgreSQL connection until the first operation, so an
// engine can start while the cloud is unreachable. Until a connection
// succeeds, every operation fails with [cloudstore.ErrUnavailable] and the
// sync queue keeps the operations journaled; once the database comes back the
// next flush pass connects and drains the backlog.
type LazyStore struct {
	dsn string

	mu    sync.Mutex
	store *Store
}

// NewLazyStore validates dsn and returns a store that connects on first use.
// Unlike [NewStore], no network I/O happens here.
func NewLazyStore(dsn string) (*LazyStore, error) {
	if _, err := pgxpool.ParseConfig(dsn); err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	return &LazyStore{dsn: dsn}, nil
}

// Close releases the underlying pool if a connection was ever established.
func (l *LazyStore) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil {
		l.store.Close()
		l.store = nil
	}
}

// get returns the connected store, dialing if necessary. Connection failures
// are reported as [cloudstore.ErrUnavailable].
func (l *LazyStore) get(ctx context.Context) (*Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil {
		return l.store, nil
	}
	s, err := NewStore(ctx, l.dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cloudstore.ErrUnavailable, err)
	}
	l.store = s
	return s, nil
}

// UpsertPattern implements [cloudstore.Store].
func (l *LazyStore) UpsertPattern(ctx context.Context, p types.LearnedPattern) error {
	s, err := l.get(ctx)
	if err != nil {
		return err
	}
	return s.UpsertPattern(ctx, p)
}

// DeletePattern implements [cloudstore.Store].
func (l *LazyStore) DeletePattern(ctx context.Context, id string) error {
	s, err := l.get(ctx)
	if err != nil {
		return err
	}
	return s.DeletePattern(ctx, id)
}

// UpsertPreference implements [cloudstore.Store].
func (l *LazyStore) UpsertPreference(ctx context.Context, p types.UserPreference) error {
	s, err := l.get(ctx)
	if err != nil {
		return err
	}
	return s.UpsertPreference(ctx, p)
}

// ListPatterns implements [cloudstore.Store].
func (l *LazyStore) ListPatterns(ctx context.Context) ([]types.LearnedPattern, error) {
	s, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return s.ListPatterns(ctx)
}

// Reset implements [cloudstore.Store].
func (l *LazyStore) Reset(ctx context.Context) error {
	s, err := l.get(ctx)
	if err != nil {
		return err
	}
	return s.Reset(ctx)
}
