// Package mock provides an in-memory, scriptable [cloudstore.Store] for
// tests. Every call is recorded in order, and failures can be injected per
// method to exercise retry and ordering behaviour in the sync queue.
package mock

import (
	"context"
	"sync"

	"github.com/nils-skog/dictare/pkg/cloudstore"
	"github.com/nils-skog/dictare/pkg/types"
)

// Compile-time interface check.
var _ cloudstore.Store = (*Store)(nil)

// Call records a single Store invocation.
type Call struct {
	// Method is one of "upsertPattern", "deletePattern", "upsertPreference",
	// "listPatterns", "reset".
	Method string

	// EntityID is the pattern/preference ID the call targeted, when any.
	EntityID string
}

// Store is an in-memory cloud store double. The zero value is ready to use.
// All methods are safe for concurrent use.
type Store struct {
	mu sync.Mutex

	patterns    map[string]types.LearnedPattern
	preferences map[string]types.UserPreference
	calls       []Call

	// FailUpserts makes UpsertPattern and UpsertPreference fail with err
	// wrapping [cloudstore.ErrUnavailable] while > 0, decrementing once per
	// failed call.
	FailUpserts int

	// FailAll makes every method fail with [cloudstore.ErrUnavailable]
	// while true. Simulates the store being offline.
	FailAll bool

	// OnUpsertPattern, when set, runs at the start of every UpsertPattern
	// call, outside the store lock. Lets tests hold a delivery mid-flight.
	// Set it before handing the store to the code under test.
	OnUpsertPattern func(p types.LearnedPattern)
}

// New returns an empty mock store.
func New() *Store {
	return &Store{
		patterns:    make(map[string]types.LearnedPattern),
		preferences: make(map[string]types.UserPreference),
	}
}

// SetOffline toggles FailAll, simulating connectivity loss and restoration.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailAll = offline
}

// record appends a call and reports whether it should fail.
func (s *Store) record(method, entityID string, isUpsert bool) error {
	s.calls = append(s.calls, Call{Method: method, EntityID: entityID})
	if s.FailAll {
		return cloudstore.ErrUnavailable
	}
	if isUpsert && s.FailUpserts > 0 {
		s.FailUpserts--
		return cloudstore.ErrUnavailable
	}
	return nil
}

// UpsertPattern implements [cloudstore.Store].
func (s *Store) UpsertPattern(_ context.Context, p types.LearnedPattern) error {
	if s.OnUpsertPattern != nil {
		s.OnUpsertPattern(p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("upsertPattern", p.ID, true); err != nil {
		return err
	}
	s.patterns[p.ID] = p
	return nil
}

// DeletePattern implements [cloudstore.Store].
func (s *Store) DeletePattern(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("deletePattern", id, false); err != nil {
		return err
	}
	delete(s.patterns, id)
	return nil
}

// UpsertPreference implements [cloudstore.Store].
func (s *Store) UpsertPreference(_ context.Context, p types.UserPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("upsertPreference", p.ID, true); err != nil {
		return err
	}
	s.preferences[p.ID] = p
	return nil
}

// ListPatterns implements [cloudstore.Store].
func (s *Store) ListPatterns(_ context.Context) ([]types.LearnedPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("listPatterns", "", false); err != nil {
		return nil, err
	}
	out := make([]types.LearnedPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, p)
	}
	return out, nil
}

// Reset implements [cloudstore.Store].
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("reset", "", false); err != nil {
		return err
	}
	s.patterns = make(map[string]types.LearnedPattern)
	s.preferences = make(map[string]types.UserPreference)
	return nil
}

// Calls returns all recorded invocations in order, including failed ones.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Pattern returns the stored pattern with the given ID, if present.
func (s *Store) Pattern(id string) (types.LearnedPattern, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[id]
	return p, ok
}

// PatternCount returns the number of stored patterns.
func (s *Store) PatternCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patterns)
}
