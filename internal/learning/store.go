// Package learning implements the pattern learning core of Dictare: the
// confidence-scored pattern store, the user preference averages, the
// deterministic variant generator, and the decision engine that chooses when
// to ask the user for clarification.
package learning

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nils-skog/dictare/pkg/types"
)

// Persistence is the durable local storage the store loads from and writes
// through. Implemented by the SQLite store.
type Persistence interface {
	LoadPatterns(ctx context.Context) ([]types.LearnedPattern, error)
	UpsertPattern(ctx context.Context, p types.LearnedPattern) error
	DeletePattern(ctx context.Context, id string) error
	LoadPreferences(ctx context.Context) ([]types.UserPreference, error)
	UpsertPreference(ctx context.Context, p types.UserPreference) error
	SessionCount(ctx context.Context) (int, error)
	SetSessionCount(ctx context.Context, n int) error
	Clear(ctx context.Context) error
}

// Enqueuer feeds local mutations into the cloud sync queue. Implemented by
// the sync queue; a nil Enqueuer disables cloud sync entirely.
type Enqueuer interface {
	EnqueueUpsertPattern(ctx context.Context, p types.LearnedPattern) error
	EnqueueDeletePattern(ctx context.Context, id string) error
	EnqueueUpsertPreference(ctx context.Context, p types.UserPreference) error
	EnqueueResetAll(ctx context.Context) error
}

// Quality is the advisory learning data quality level.
type Quality string

const (
	QualityMinimal   Quality = "minimal"
	QualityBasic     Quality = "basic"
	QualityGood      Quality = "good"
	QualityExcellent Quality = "excellent"
)

// Tuning holds the numeric parameters of the learning model. See the config
// package for defaults and validation; the zero value is not usable.
type Tuning struct {
	// EMAAlpha is the exponential-moving-average weight for reinforcing
	// observations: confidence' = confidence + alpha*(1 - confidence).
	EMAAlpha float64

	// SeedConfidence is the confidence of a newly created pattern.
	SeedConfidence float64

	// Staleness is the age after which an untouched pattern decays.
	Staleness time.Duration

	// DecayFactor multiplies a stale pattern's confidence per decay pass.
	DecayFactor float64

	// PruneFloor is the confidence below which patterns are silently dropped
	// on load.
	PruneFloor float64
}

// Store owns all in-memory pattern and preference state. It is the single
// writer: every mutation goes through the store, which writes through to
// [Persistence] and enqueues a cloud mutation via [Enqueuer].
//
// Mutations never fail from the caller's point of view. Persistence and
// enqueue failures are logged and absorbed; the in-memory state is the source
// of truth and the cloud store is eventually consistent with it.
//
// Write-through runs outside the store mutex, so two concurrent mutations of
// the same pattern (say an admin [Store.Delete] racing a finalize-time
// [Store.Observe]) may reach persistence and the sync queue in either order.
// The in-memory state always reflects program order; the next write-through
// of a surviving pattern reconverges the durable copies.
type Store struct {
	mu          sync.Mutex
	patterns    map[string]*types.LearnedPattern // keyed by (original, corrected, mode)
	preferences map[types.PreferenceType]*types.UserPreference
	sessions    int

	tuning  Tuning
	persist Persistence
	queue   Enqueuer
	logger  *slog.Logger
	now     func() time.Time
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a Store, loading all durable state from persist. Patterns
// whose confidence has decayed below the prune floor are silently removed
// during the load. queue may be nil to run without cloud sync.
func NewStore(ctx context.Context, tuning Tuning, persist Persistence, queue Enqueuer, opts ...StoreOption) (*Store, error) {
	s := &Store{
		patterns:    make(map[string]*types.LearnedPattern),
		preferences: make(map[types.PreferenceType]*types.UserPreference),
		tuning:      tuning,
		persist:     persist,
		queue:       queue,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	loaded, err := persist.LoadPatterns(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range loaded {
		if p.Confidence < tuning.PruneFloor {
			// Silent pruning of decayed-out patterns.
			if err := persist.DeletePattern(ctx, p.ID); err != nil {
				s.logger.Warn("failed to prune decayed pattern", "id", p.ID, "err", err)
			}
			continue
		}
		cp := p
		s.patterns[patternKey(p.OriginalPhrase, p.CorrectedPhrase, p.Mode)] = &cp
	}

	prefs, err := persist.LoadPreferences(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range prefs {
		cp := p
		s.preferences[p.Type] = &cp
	}

	s.sessions, err = persist.SessionCount(ctx)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func patternKey(original, corrected string, mode types.RefinementMode) string {
	return original + "\x00" + corrected + "\x00" + string(mode)
}

// SetTuning replaces the learning tunables. Used by config hot-reload.
func (s *Store) SetTuning(t Tuning) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tuning = t
}

// Observe records one user correction: an exact (original, corrected, mode)
// match reinforces the existing pattern via the EMA update, otherwise a new
// pattern is created with seed confidence. The returned pattern is a copy.
func (s *Store) Observe(ctx context.Context, original, corrected string, mode types.RefinementMode) types.LearnedPattern {
	s.mu.Lock()

	key := patternKey(original, corrected, mode)
	p, ok := s.patterns[key]
	if ok {
		p.OccurrenceCount++
		p.Confidence += s.tuning.EMAAlpha * (1 - p.Confidence)
		if p.Confidence > 1 {
			p.Confidence = 1
		}
	} else {
		p = &types.LearnedPattern{
			ID:              uuid.NewString(),
			OriginalPhrase:  original,
			CorrectedPhrase: corrected,
			Mode:            mode,
			OccurrenceCount: 1,
			Confidence:      s.tuning.SeedConfidence,
		}
		s.patterns[key] = p
	}
	p.LastUpdatedAt = s.now()
	out := *p
	s.mu.Unlock()

	s.writePattern(ctx, out)
	return out
}

// ObservePreference folds one style sample in [-1, 1] into the running
// average for the given preference type.
func (s *Store) ObservePreference(ctx context.Context, typ types.PreferenceType, sample float64) types.UserPreference {
	sample = clamp(sample, -1, 1)

	s.mu.Lock()
	p, ok := s.preferences[typ]
	if !ok {
		p = &types.UserPreference{ID: uuid.NewString(), Type: typ}
		s.preferences[typ] = p
	}
	p.Value = (p.Value*float64(p.SampleCount) + sample) / float64(p.SampleCount+1)
	p.SampleCount++
	p.LastUpdatedAt = s.now()
	out := *p
	s.mu.Unlock()

	if err := s.persist.UpsertPreference(ctx, out); err != nil {
		s.logger.Error("failed to persist preference", "type", typ, "err", err)
	}
	if s.queue != nil {
		if err := s.queue.EnqueueUpsertPreference(ctx, out); err != nil {
			s.logger.Error("failed to enqueue preference sync", "type", typ, "err", err)
		}
	}
	return out
}

// DecayStale reduces the confidence of every pattern that has not been
// reinforced within the staleness window. Confidence only ever shrinks here;
// patterns below the prune floor survive until the next load.
func (s *Store) DecayStale(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var decayed []types.LearnedPattern
	for _, p := range s.patterns {
		if now.Sub(p.LastUpdatedAt) < s.tuning.Staleness {
			continue
		}
		p.Confidence *= s.tuning.DecayFactor
		decayed = append(decayed, *p)
	}
	s.mu.Unlock()

	// Decay is local housekeeping: persisted, not synced.
	for _, p := range decayed {
		if err := s.persist.UpsertPattern(ctx, p); err != nil {
			s.logger.Warn("failed to persist decayed pattern", "id", p.ID, "err", err)
		}
	}
	if len(decayed) > 0 {
		s.logger.Info("decayed stale patterns", "count", len(decayed))
	}
}

// Delete removes the pattern with the given ID locally and enqueues the
// matching cloud deletion. Deleting an unknown ID is a no-op.
func (s *Store) Delete(ctx context.Context, id string) {
	s.mu.Lock()
	var found bool
	for key, p := range s.patterns {
		if p.ID == id {
			delete(s.patterns, key)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return
	}
	if err := s.persist.DeletePattern(ctx, id); err != nil {
		s.logger.Error("failed to delete pattern locally", "id", id, "err", err)
	}
	if s.queue != nil {
		if err := s.queue.EnqueueDeletePattern(ctx, id); err != nil {
			s.logger.Error("failed to enqueue pattern deletion", "id", id, "err", err)
		}
	}
}

// ResetAll clears all patterns, preferences, and the session counter, then
// enqueues a cloud-side reset. The local clear is immediate; the cloud clear
// is eventually consistent.
func (s *Store) ResetAll(ctx context.Context) {
	s.mu.Lock()
	s.patterns = make(map[string]*types.LearnedPattern)
	s.preferences = make(map[types.PreferenceType]*types.UserPreference)
	s.sessions = 0
	s.mu.Unlock()

	if err := s.persist.Clear(ctx); err != nil {
		s.logger.Error("failed to clear local store", "err", err)
	}
	if s.queue != nil {
		if err := s.queue.EnqueueResetAll(ctx); err != nil {
			s.logger.Error("failed to enqueue reset", "err", err)
		}
	}
	s.logger.Info("all learning data reset")
}

// RecordSession increments the completed-session counter.
func (s *Store) RecordSession(ctx context.Context) {
	s.mu.Lock()
	s.sessions++
	n := s.sessions
	s.mu.Unlock()

	if err := s.persist.SetSessionCount(ctx, n); err != nil {
		s.logger.Warn("failed to persist session count", "err", err)
	}
}

// Patterns returns all patterns sorted by confidence, highest first.
func (s *Store) Patterns() []types.LearnedPattern {
	s.mu.Lock()
	out := make([]types.LearnedPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, *p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Preferences returns all tracked preference averages.
func (s *Store) Preferences() []types.UserPreference {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.UserPreference, 0, len(s.preferences))
	for _, p := range s.preferences {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// SessionCount returns the number of completed sessions.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Quality derives the advisory data quality level from the session count and
// the average pattern confidence. It drives no control flow anywhere.
func (s *Store) Quality() Quality {
	s.mu.Lock()
	sessions := s.sessions
	var sum float64
	for _, p := range s.patterns {
		sum += p.Confidence
	}
	count := len(s.patterns)
	s.mu.Unlock()

	var avg float64
	if count > 0 {
		avg = sum / float64(count)
	}

	switch {
	case sessions < 10:
		return QualityMinimal
	case sessions < 25:
		return QualityBasic
	case avg >= 0.8 && sessions >= 50:
		return QualityExcellent
	default:
		return QualityGood
	}
}

// writePattern persists p and enqueues its cloud upsert, logging failures.
func (s *Store) writePattern(ctx context.Context, p types.LearnedPattern) {
	if err := s.persist.UpsertPattern(ctx, p); err != nil {
		s.logger.Error("failed to persist pattern", "id", p.ID, "err", err)
	}
	if s.queue != nil {
		if err := s.queue.EnqueueUpsertPattern(ctx, p); err != nil {
			s.logger.Error("failed to enqueue pattern sync", "id", p.ID, "err", err)
		}
	}
	s.logger.Debug("pattern observed",
		"id", p.ID,
		"original", truncate(p.OriginalPhrase, 40),
		"occurrences", p.OccurrenceCount,
		"confidence", p.Confidence,
	)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "…"
}
