// Package app wires all Dictare subsystems into a running engine.
//
// The Engine struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the background loops and the admin HTTP server,
// and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithLocalStore, WithCloudStore, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nils-skog/dictare/internal/config"
	"github.com/nils-skog/dictare/internal/learning"
	"github.com/nils-skog/dictare/internal/observe"
	"github.com/nils-skog/dictare/internal/session"
	"github.com/nils-skog/dictare/internal/storage/sqlite"
	"github.com/nils-skog/dictare/internal/syncq"
	"github.com/nils-skog/dictare/pkg/cloudstore"
	"github.com/nils-skog/dictare/pkg/cloudstore/postgres"
	"github.com/nils-skog/dictare/pkg/provider/ai"
	"github.com/nils-skog/dictare/pkg/types"
)

// decayInterval is the period between stale-pattern decay passes.
const decayInterval = 24 * time.Hour

// Providers holds one interface value per provider slot. Nil Refiner means
// every session behaves like raw mode. Populated by main.go via the config
// registry.
type Providers struct {
	Transcriber ai.Transcriber
	Refiner     ai.Refiner
}

// LocalStore is the durable local database the engine runs on: pattern and
// preference persistence plus the sync journal. Implemented by
// [sqlite.Store].
type LocalStore interface {
	learning.Persistence
	syncq.Journal
	Ping(ctx context.Context) error
	Close() error
}

// Engine owns all subsystem lifetimes and exposes the application API the
// admin HTTP surface (and any other presentation layer) is built on.
type Engine struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	local    LocalStore
	cloud    cloudstore.Store
	queue    *syncq.Queue
	patterns *learning.Store
	decider  *learning.DecisionEngine
	coord    *session.Coordinator

	learningOn atomic.Bool
	metrics    *observe.Metrics
	logger     *slog.Logger

	// hub fans coordinator events out to event-stream subscribers.
	hub *eventHub

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*Engine)

// WithLocalStore injects a local store instead of opening the SQLite database
// from config.
func WithLocalStore(s LocalStore) Option {
	return func(e *Engine) { e.local = s }
}

// WithCloudStore injects a cloud store instead of connecting to PostgreSQL.
// The sync queue is created whenever a cloud store is present, regardless of
// the configured DSN.
func WithCloudStore(s cloudstore.Store) Option {
	return func(e *Engine) { e.cloud = s }
}

// WithLogger sets the engine logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an Engine by wiring all subsystems together. The providers
// struct comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: local database open, sync
// journal reload, pattern store load (with prune pass), and coordinator
// construction.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*Engine, error) {
	if providers == nil || providers.Transcriber == nil {
		return nil, fmt.Errorf("app: a transcriber provider is required")
	}

	e := &Engine{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
		hub:       newEventHub(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.learningOn.Store(cfg.Learning.LearningEnabled())

	// ── 1. Local store ───────────────────────────────────────────────────
	if err := e.initLocal(ctx); err != nil {
		return nil, fmt.Errorf("app: init local store: %w", err)
	}

	// ── 2. Cloud store + sync queue ──────────────────────────────────────
	if err := e.initSync(ctx); err != nil {
		return nil, fmt.Errorf("app: init sync: %w", err)
	}

	// ── 3. Pattern store ─────────────────────────────────────────────────
	var enqueuer learning.Enqueuer
	if e.queue != nil {
		enqueuer = e.queue
	}
	patterns, err := learning.NewStore(ctx, tuningFromConfig(cfg.Learning), e.local, enqueuer,
		learning.WithLogger(e.logger))
	if err != nil {
		return nil, fmt.Errorf("app: load pattern store: %w", err)
	}
	e.patterns = patterns

	// ── 4. Decision engine + coordinator ─────────────────────────────────
	e.decider = learning.NewDecisionEngine(cfg.Learning.TrivialChangeThreshold)

	coord, err := session.New(session.Config{
		Transcriber:     providers.Transcriber,
		Refiner:         providers.Refiner,
		Store:           patterns,
		Decider:         e.decider,
		StageTimeout:    cfg.Session.StageTimeout,
		LearningEnabled: e.learningOn.Load,
		Metrics:         e.metrics,
		Logger:          e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create coordinator: %w", err)
	}
	e.coord = coord

	return e, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initLocal opens the SQLite database unless one was injected.
func (e *Engine) initLocal(ctx context.Context) error {
	if e.local != nil {
		return nil
	}
	store, err := sqlite.Open(ctx, e.cfg.Storage.LocalPath)
	if err != nil {
		return err
	}
	e.local = store
	e.closers = append(e.closers, store.Close)
	e.logger.Info("local store opened", "path", store.Path())
	return nil
}

// initSync connects the cloud store and creates the sync queue. With no DSN
// and no injected store the engine runs fully local: the queue stays nil and
// the pattern store gets a nil enqueuer.
func (e *Engine) initSync(ctx context.Context) error {
	if e.cloud == nil {
		dsn := e.cfg.Storage.CloudDSN
		if dsn == "" {
			e.logger.Info("cloud sync disabled, running fully local")
			return nil
		}
		store, err := e.connectCloud(ctx, dsn)
		if err != nil {
			return err
		}
		e.cloud = store
	}

	queue, err := syncq.NewQueue(ctx, syncq.Config{
		Journal:       e.local,
		Store:         e.cloud,
		FlushInterval: e.cfg.Sync.FlushInterval,
		MaxAttempts:   e.cfg.Sync.MaxAttempts,
		BackoffBase:   e.cfg.Sync.BackoffBase,
		BackoffCap:    e.cfg.Sync.BackoffCap,
		Metrics:       e.metrics,
		Logger:        e.logger,
	})
	if err != nil {
		return err
	}
	e.queue = queue
	e.closers = append(e.closers, func() error {
		queue.Stop()
		return nil
	})
	return nil
}

// connectCloud sets up the lazily-connecting PostgreSQL cloud store. No
// network I/O happens here: the engine must be able to start while the cloud
// is unreachable, so the first actual connection attempt is made by the sync
// queue's flush loop.
func (e *Engine) connectCloud(_ context.Context, dsn string) (cloudstore.Store, error) {
	store, err := postgres.NewLazyStore(dsn)
	if err != nil {
		return nil, fmt.Errorf("cloud store: %w", err)
	}
	e.closers = append(e.closers, func() error {
		store.Close()
		return nil
	})
	e.logger.Info("cloud store configured", "connect", "lazy")
	return store, nil
}

// parseMode validates a wire-level mode string.
func parseMode(mode string) (types.RefinementMode, error) {
	m := types.RefinementMode(mode)
	if !m.IsValid() {
		return "", fmt.Errorf("app: invalid refinement mode %q", mode)
	}
	return m, nil
}

// tuningFromConfig maps the config block onto the learning model parameters.
func tuningFromConfig(lc config.LearningConfig) learning.Tuning {
	return learning.Tuning{
		EMAAlpha:       lc.EMAAlpha,
		SeedConfidence: lc.SeedConfidence,
		Staleness:      time.Duration(lc.StalenessDays) * 24 * time.Hour,
		DecayFactor:    lc.DecayFactor,
		PruneFloor:     lc.PruneFloor,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the background loops and the admin HTTP server, blocking until
// ctx is cancelled. It returns nil on a clean, signal-driven exit.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Sync queue flush loop.
	if e.queue != nil {
		e.queue.Start(ctx)
	}

	// Event fan-out: every coordinator event reaches all stream subscribers.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				e.hub.closeAll()
				return nil
			case ev := <-e.coord.Events():
				e.hub.broadcast(ev)
			}
		}
	})

	// Daily confidence decay for stale patterns.
	g.Go(func() error {
		ticker := time.NewTicker(decayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				e.patterns.DecayStale(ctx, now)
			}
		}
	})

	// Admin HTTP server.
	if e.cfg.Server.ListenAddr != "" {
		g.Go(func() error {
			return e.serveHTTP(ctx, e.cfg.Server.ListenAddr)
		})
	}

	e.logger.Info("engine running",
		"listen_addr", e.cfg.Server.ListenAddr,
		"learning", e.learningOn.Load(),
		"cloud_sync", e.queue != nil,
	)
	return g.Wait()
}

// ─── Config hot-reload ───────────────────────────────────────────────────────

// ApplyConfig applies a validated configuration change to the running engine.
// Only the hot-reloadable subset takes effect immediately: log level, the
// learning tunables, and the learning toggle. Provider, storage, and sync
// changes need a restart and are logged as such.
func (e *Engine) ApplyConfig(level *slog.LevelVar, old, updated *config.Config) {
	diff := config.Diff(old, updated)

	if diff.LogLevelChanged && level != nil {
		level.Set(slogLevel(diff.NewLogLevel))
		e.logger.Info("log level changed", "level", diff.NewLogLevel)
	}

	if diff.LearningChanged {
		lc := diff.NewLearning
		e.learningOn.Store(lc.LearningEnabled())
		e.patterns.SetTuning(tuningFromConfig(lc))
		e.decider.SetTrivialThreshold(lc.TrivialChangeThreshold)
		e.logger.Info("learning config reloaded",
			"enabled", lc.LearningEnabled(),
			"ema_alpha", lc.EMAAlpha,
			"trivial_change_threshold", lc.TrivialChangeThreshold,
		)
	}

	if diff.SyncChanged {
		e.logger.Warn("sync settings changed; restart required for them to take effect")
	}

	e.cfg = updated
}

// slogLevel maps a config log level onto slog's scale.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Application API ─────────────────────────────────────────────────────────

// StartSession begins a new dictation session. See [session.Coordinator.Start].
func (e *Engine) StartSession(mode string) (string, error) {
	m, err := parseMode(mode)
	if err != nil {
		return "", err
	}
	return e.coord.Start(m)
}

// StopSession ends recording and runs the pipeline on the captured audio.
func (e *Engine) StopSession(id string, audio []byte) error {
	return e.coord.Stop(id, audio)
}

// CancelSession aborts the session without finalizing or learning.
func (e *Engine) CancelSession(id string) error {
	return e.coord.Cancel(id)
}

// SubmitEditReview supplies the final text for an edit-review prompt.
func (e *Engine) SubmitEditReview(id, finalText string, skipLearning bool) error {
	return e.coord.SubmitEditReview(id, finalText, skipLearning)
}

// SubmitABChoice supplies the chosen candidate for an A/B prompt.
func (e *Engine) SubmitABChoice(id, chosenText string) error {
	return e.coord.SubmitABChoice(id, chosenText)
}

// CurrentOutcome returns the active session's learning outcome, for the
// presentation layer to decide whether a prompt is due.
func (e *Engine) CurrentOutcome(id string) (types.LearningOutcome, bool) {
	return e.coord.Outcome(id)
}

// ActiveSession returns the in-flight session snapshot, if any.
func (e *Engine) ActiveSession() (session.Session, bool) {
	return e.coord.Active()
}

// Subscribe registers an event-stream consumer. The returned channel is
// closed when the engine shuts down; call the cancel function to unsubscribe
// earlier.
func (e *Engine) Subscribe() (<-chan session.Event, func()) {
	return e.hub.subscribe()
}

// Patterns returns all learned patterns ordered by confidence, best first.
func (e *Engine) Patterns() []types.LearnedPattern {
	return e.patterns.Patterns()
}

// Preferences returns the current user preference averages.
func (e *Engine) Preferences() []types.UserPreference {
	return e.patterns.Preferences()
}

// DeletePattern removes a learned pattern locally and queues the cloud delete.
func (e *Engine) DeletePattern(ctx context.Context, id string) {
	e.patterns.Delete(ctx, id)
}

// ResetLearning wipes all learned data locally and queues a cloud reset.
func (e *Engine) ResetLearning(ctx context.Context) {
	e.patterns.ResetAll(ctx)
}

// LearningQuality returns the advisory data quality level.
func (e *Engine) LearningQuality() learning.Quality {
	return e.patterns.Quality()
}

// SessionCount returns the number of completed sessions.
func (e *Engine) SessionCount() int {
	return e.patterns.SessionCount()
}

// SyncStatus reports the sync queue state. Without cloud sync the state is
// always connected with zero depth.
func (e *Engine) SyncStatus() syncq.SyncStatus {
	if e.queue == nil {
		return syncq.SyncStatus{State: syncq.StateConnected}
	}
	return e.queue.Status()
}

// FlushSync triggers an immediate sync flush pass.
func (e *Engine) FlushSync(ctx context.Context) error {
	if e.queue == nil {
		return nil
	}
	return e.queue.FlushNow(ctx)
}

// FailedSyncOps returns operations parked after exhausting their retries.
func (e *Engine) FailedSyncOps() []syncq.Operation {
	if e.queue == nil {
		return nil
	}
	return e.queue.FailedOps()
}

// RetrySyncOp re-arms a parked operation for delivery.
func (e *Engine) RetrySyncOp(ctx context.Context, id string) error {
	if e.queue == nil {
		return fmt.Errorf("app: cloud sync is disabled")
	}
	return e.queue.Retry(ctx, id)
}

// ClearFailedSyncOps drops all parked operations.
func (e *Engine) ClearFailedSyncOps(ctx context.Context) error {
	if e.queue == nil {
		return nil
	}
	return e.queue.Clear(ctx)
}

// NotifyOnline hints the sync queue that connectivity was restored.
func (e *Engine) NotifyOnline() {
	if e.queue != nil {
		e.queue.NotifyOnline()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	var shutdownErr error
	e.stopOnce.Do(func() {
		e.logger.Info("shutting down", "closers", len(e.closers))

		// Best-effort final flush so a clean exit leaves nothing pending.
		if e.queue != nil {
			if err := e.queue.FlushNow(ctx); err != nil {
				e.logger.Warn("final sync flush failed", "err", err)
			}
		}

		for i := len(e.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				e.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := e.closers[i](); err != nil {
				e.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		e.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Event hub ───────────────────────────────────────────────────────────────

// eventHub fans coordinator events out to any number of subscribers. Slow
// subscribers drop events rather than stalling the pipeline.
type eventHub struct {
	mu     sync.Mutex
	subs   map[int]chan session.Event
	nextID int
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan session.Event)}
}

func (h *eventHub) subscribe() (<-chan session.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan session.Event, 32)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

func (h *eventHub) broadcast(ev session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
