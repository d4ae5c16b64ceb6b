package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/nils-skog/dictare/internal/observe"
	"github.com/nils-skog/dictare/pkg/cloudstore"
	"github.com/nils-skog/dictare/pkg/types"
)

// ConnState is the coarse connectivity state the rest of the system observes.
type ConnState string

const (
	// StateConnected means the last flush delivered everything it tried.
	StateConnected ConnState = "connected"

	// StateOffline means the cloud store was unreachable on the last attempt.
	StateOffline ConnState = "offline"

	// StateSyncing means a flush pass is currently running.
	StateSyncing ConnState = "syncing"

	// StateError means the cloud store rejected at least one operation.
	StateError ConnState = "error"
)

// SyncStatus is a point-in-time snapshot of the queue.
type SyncStatus struct {
	State       ConnState `json:"state"`
	Message     string    `json:"message,omitempty"`
	Depth       int       `json:"depth"`
	FailedCount int       `json:"failed_count"`
	LastFlushAt time.Time `json:"last_flush_at,omitzero"`
}

// Config configures a [Queue].
type Config struct {
	// Journal persists operations across restarts. Required.
	Journal Journal

	// Store is the cloud store operations are replayed against. Required.
	Store cloudstore.Store

	// FlushInterval is the period between automatic flush passes.
	// Defaults to 30 seconds if zero.
	FlushInterval time.Duration

	// MaxAttempts bounds delivery attempts per operation before it is parked
	// as permanently failed. Defaults to 8 if zero.
	MaxAttempts int

	// BackoffBase is the retry delay after the first failure; it doubles per
	// attempt. Defaults to 5 seconds if zero.
	BackoffBase time.Duration

	// BackoffCap bounds the exponential backoff. Defaults to 5 minutes if zero.
	BackoffCap time.Duration

	// Metrics receives queue instrumentation. Defaults to
	// [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default] if nil.
	Logger *slog.Logger

	// Now overrides the time source, for tests.
	Now func() time.Time
}

// Queue is the durable, ordered buffer of pending cloud writes. Mutations are
// enqueued in O(1) with no network I/O; a background loop (or an explicit
// [Queue.FlushNow]) replays them against the cloud store in creation order,
// with exponential backoff on failure.
//
// Ordering: for a given entity ID, operations are never delivered out of
// creation order, even across retries. A reset-all operation acts as a global
// barrier.
type Queue struct {
	journal     Journal
	store       cloudstore.Store
	interval    time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	metrics     *observe.Metrics
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	ops       []Operation // creation order, mirrors the journal
	state     ConnState
	lastErr   string
	lastFlush time.Time
	flushing  bool

	kick     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewQueue creates a Queue and reloads any journaled operations from a
// previous run.
func NewQueue(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Journal == nil {
		return nil, errors.New("syncq: Journal is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("syncq: Store is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ops, err := cfg.Journal.ListOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncq: reload journal: %w", err)
	}

	q := &Queue{
		journal:     cfg.Journal,
		store:       cfg.Store,
		interval:    cfg.FlushInterval,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         cfg.Now,
		ops:         ops,
		state:       StateConnected,
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	if len(ops) > 0 {
		q.metrics.SyncQueueDepth.Add(ctx, int64(len(ops)))
		q.logger.Info("reloaded pending sync operations", "count", len(ops))
	}
	return q, nil
}

// Start begins the periodic flush loop in a background goroutine. The loop
// runs until [Queue.Stop] is called or ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	go q.loop(ctx)
}

// Stop halts the flush loop. Safe to call multiple times.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.done)
	})
}

// NotifyOnline signals that connectivity may have been restored, triggering
// an immediate flush pass from the background loop.
func (q *Queue) NotifyOnline() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) loop(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-ticker.C:
		case <-q.kick:
		}
		if err := q.FlushNow(ctx); err != nil {
			q.logger.Debug("flush pass incomplete", "err", err)
		}
	}
}

// ─── Enqueue (learning.Enqueuer) ────────────────────────────────────────────

// EnqueueUpsertPattern queues a pattern upsert. A pending upsert for the same
// pattern is superseded in place, preserving its queue position. An upsert a
// flush pass is currently delivering is not touched; the new snapshot is
// queued behind it.
func (q *Queue) EnqueueUpsertPattern(ctx context.Context, p types.LearnedPattern) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("syncq: marshal pattern %s: %w", p.ID, err)
	}
	return q.enqueue(ctx, KindUpsertPattern, p.ID, payload)
}

// EnqueueDeletePattern queues a pattern deletion.
func (q *Queue) EnqueueDeletePattern(ctx context.Context, id string) error {
	return q.enqueue(ctx, KindDeletePattern, id, nil)
}

// EnqueueUpsertPreference queues a preference upsert. Pending upserts for the
// same preference are superseded in place.
func (q *Queue) EnqueueUpsertPreference(ctx context.Context, p types.UserPreference) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("syncq: marshal preference %s: %w", p.ID, err)
	}
	return q.enqueue(ctx, KindUpsertPreference, p.ID, payload)
}

// EnqueueResetAll queues a cloud-side reset of all patterns and preferences.
func (q *Queue) EnqueueResetAll(ctx context.Context) error {
	return q.enqueue(ctx, KindResetAll, "", nil)
}

func (q *Queue) enqueue(ctx context.Context, kind Kind, entityID string, payload []byte) error {
	q.mu.Lock()

	// Supersede a pending upsert for the same entity in place. The operation
	// keeps its creation slot so per-entity ordering is unaffected. In-flight
	// operations are excluded: their payload may already be on the wire, and
	// a successful delivery removes the operation by ID, which would silently
	// drop a payload swapped in underneath it.
	if kind == KindUpsertPattern || kind == KindUpsertPreference {
		for i := range q.ops {
			op := &q.ops[i]
			if op.Kind == kind && op.EntityID == entityID && op.Status == StatusPending && op.Attempts == 0 {
				op.Payload = payload
				upd := *op
				q.mu.Unlock()
				if err := q.journal.UpdateOperation(ctx, upd); err != nil {
					return fmt.Errorf("syncq: supersede operation %s: %w", upd.ID, err)
				}
				q.NotifyOnline()
				return nil
			}
		}
	}

	op := Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		EntityID:  entityID,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: q.now(),
	}
	q.ops = append(q.ops, op)
	q.mu.Unlock()

	if err := q.journal.AppendOperation(ctx, op); err != nil {
		return fmt.Errorf("syncq: journal operation %s: %w", op.ID, err)
	}
	q.metrics.SyncQueueDepth.Add(ctx, 1)
	q.NotifyOnline()
	return nil
}

// ─── Flush ──────────────────────────────────────────────────────────────────

// FlushNow runs one flush pass synchronously, attempting every due operation
// in creation order. It returns the first connectivity error encountered, or
// nil when everything due was delivered. Concurrent calls are serialised.
func (q *Queue) FlushNow(ctx context.Context) error {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	if len(q.ops) > 0 {
		q.state = StateSyncing
	}
	snapshot := make([]Operation, len(q.ops))
	copy(snapshot, q.ops)
	// Mark the snapshotted pending operations in-flight so a concurrent
	// enqueue appends a fresh operation instead of superseding a payload this
	// pass may already have handed to the store.
	for i := range q.ops {
		if q.ops[i].Status == StatusPending {
			q.ops[i].Status = StatusInFlight
		}
	}
	q.mu.Unlock()

	start := q.now()
	var (
		flushErr         error
		offline          bool
		rejected         bool
		incompleteBefore bool
	)
	blocked := make(map[string]bool)

	for _, op := range snapshot {
		if offline {
			break
		}

		// A reset is a barrier: it only runs once everything before it has
		// been delivered, and nothing after it runs until it succeeds.
		if op.Kind == KindResetAll && incompleteBefore {
			break
		}
		if op.Status == StatusFailed {
			// Parked until a manual Retry; later ops for the same entity
			// must keep waiting behind it.
			blocked[op.EntityID] = true
			incompleteBefore = true
			continue
		}
		if op.EntityID != "" && blocked[op.EntityID] {
			incompleteBefore = true
			continue
		}
		if !op.NextAttemptAt.IsZero() && q.now().Before(op.NextAttemptAt) {
			blocked[op.EntityID] = true
			incompleteBefore = true
			continue
		}

		err := q.deliver(ctx, op)
		if err == nil {
			q.complete(ctx, op)
			continue
		}

		q.recordFailure(ctx, op, err)
		blocked[op.EntityID] = true
		incompleteBefore = true
		if flushErr == nil {
			flushErr = err
		}
		if errors.Is(err, cloudstore.ErrUnavailable) {
			// No point hammering an unreachable store this pass.
			offline = true
		} else {
			rejected = true
			if op.Kind == KindResetAll {
				break
			}
		}
	}

	q.metrics.SyncFlushDuration.Record(ctx, q.now().Sub(start).Seconds())

	q.mu.Lock()
	q.flushing = false
	q.lastFlush = q.now()
	// Operations that were skipped or whose delivery failed this pass go back
	// to pending so the next enqueue may supersede them again.
	for i := range q.ops {
		if q.ops[i].Status == StatusInFlight {
			q.ops[i].Status = StatusPending
		}
	}
	switch {
	case offline:
		q.state = StateOffline
		q.lastErr = flushErr.Error()
	case rejected:
		q.state = StateError
		q.lastErr = flushErr.Error()
	default:
		q.state = StateConnected
		q.lastErr = ""
	}
	q.mu.Unlock()

	return flushErr
}

// deliver replays one operation against the cloud store.
func (q *Queue) deliver(ctx context.Context, op Operation) error {
	switch op.Kind {
	case KindUpsertPattern:
		var p types.LearnedPattern
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return fmt.Errorf("syncq: decode pattern payload: %w", err)
		}
		return q.store.UpsertPattern(ctx, p)
	case KindDeletePattern:
		return q.store.DeletePattern(ctx, op.EntityID)
	case KindUpsertPreference:
		var p types.UserPreference
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return fmt.Errorf("syncq: decode preference payload: %w", err)
		}
		return q.store.UpsertPreference(ctx, p)
	case KindResetAll:
		return q.store.Reset(ctx)
	default:
		return fmt.Errorf("syncq: unknown operation kind %q", op.Kind)
	}
}

// complete removes a delivered operation from the journal and memory.
func (q *Queue) complete(ctx context.Context, op Operation) {
	if err := q.journal.RemoveOperation(ctx, op.ID); err != nil {
		q.logger.Warn("failed to remove delivered operation from journal", "id", op.ID, "err", err)
	}

	q.mu.Lock()
	for i := range q.ops {
		if q.ops[i].ID == op.ID {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	q.metrics.SyncQueueDepth.Add(ctx, -1)
	q.metrics.RecordSyncOperation(ctx, string(op.Kind), "delivered")
}

// recordFailure bumps the attempt counter, schedules the retry, and parks the
// operation as permanently failed once attempts are exhausted.
func (q *Queue) recordFailure(ctx context.Context, op Operation, err error) {
	reason := "rejected"
	if errors.Is(err, cloudstore.ErrUnavailable) {
		reason = "offline"
	}
	q.metrics.SyncErrors.Add(ctx, 1, metric.WithAttributes(observe.Attr("reason", reason)))
	q.metrics.RecordSyncOperation(ctx, string(op.Kind), "failed")

	q.mu.Lock()
	var updated Operation
	for i := range q.ops {
		if q.ops[i].ID != op.ID {
			continue
		}
		o := &q.ops[i]
		o.Attempts++
		o.LastError = err.Error()
		o.NextAttemptAt = q.now().Add(q.backoff(o.Attempts))
		// Journal pending or failed, never the transient in-flight status.
		if o.Attempts >= q.maxAttempts {
			o.Status = StatusFailed
		} else {
			o.Status = StatusPending
		}
		updated = *o
		break
	}
	q.mu.Unlock()

	if updated.ID == "" {
		return
	}
	if jerr := q.journal.UpdateOperation(ctx, updated); jerr != nil {
		q.logger.Warn("failed to journal operation failure", "id", op.ID, "err", jerr)
	}
	if updated.Status == StatusFailed {
		q.logger.Error("sync operation permanently failed",
			"id", updated.ID,
			"kind", updated.Kind,
			"attempts", updated.Attempts,
			"err", err,
		)
	} else {
		q.logger.Warn("sync operation failed, will retry",
			"id", updated.ID,
			"kind", updated.Kind,
			"attempts", updated.Attempts,
			"next_attempt_at", updated.NextAttemptAt,
			"err", err,
		)
	}
}

// backoff returns the delay before the given attempt number's retry, growing
// exponentially from the base and bounded by the cap.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.backoffCap {
			return q.backoffCap
		}
	}
	if d > q.backoffCap {
		return q.backoffCap
	}
	return d
}

// ─── Inspection and manual controls ─────────────────────────────────────────

// Status returns a snapshot of the queue's connectivity and depth.
func (q *Queue) Status() SyncStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := SyncStatus{
		State:       q.state,
		Message:     q.lastErr,
		Depth:       len(q.ops),
		LastFlushAt: q.lastFlush,
	}
	for _, op := range q.ops {
		if op.Status == StatusFailed {
			st.FailedCount++
		}
	}
	return st
}

// Depth returns the number of queued operations, including parked failures.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// FailedOps returns the operations parked as permanently failed.
func (q *Queue) FailedOps() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Operation
	for _, op := range q.ops {
		if op.Status == StatusFailed {
			out = append(out, op)
		}
	}
	return out
}

// Retry re-arms the operation with the given ID for immediate delivery,
// resetting its attempt counter. Returns an error if no such operation exists.
func (q *Queue) Retry(ctx context.Context, id string) error {
	q.mu.Lock()
	var updated Operation
	for i := range q.ops {
		if q.ops[i].ID == id {
			o := &q.ops[i]
			o.Status = StatusPending
			o.Attempts = 0
			o.NextAttemptAt = time.Time{}
			o.LastError = ""
			updated = *o
			break
		}
	}
	q.mu.Unlock()

	if updated.ID == "" {
		return fmt.Errorf("syncq: no operation with id %q", id)
	}
	if err := q.journal.UpdateOperation(ctx, updated); err != nil {
		return fmt.Errorf("syncq: journal retry %s: %w", id, err)
	}
	q.NotifyOnline()
	return nil
}

// Clear drops all permanently failed operations from the queue.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	var dropped []Operation
	kept := q.ops[:0]
	for _, op := range q.ops {
		if op.Status == StatusFailed {
			dropped = append(dropped, op)
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	q.mu.Unlock()

	var errs []error
	for _, op := range dropped {
		if err := q.journal.RemoveOperation(ctx, op.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		q.metrics.SyncQueueDepth.Add(ctx, -1)
	}
	if len(dropped) > 0 {
		q.logger.Info("cleared permanently failed operations", "count", len(dropped))
	}
	return errors.Join(errs...)
}
