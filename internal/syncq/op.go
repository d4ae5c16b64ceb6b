// Package syncq implements the offline-safe cloud sync queue.
//
// Local mutations to learned patterns and preferences are journaled as
// [Operation] records and replayed against the cloud store in creation order.
// The queue survives restarts: operations are persisted through a [Journal]
// and reloaded on startup. Connectivity loss pauses delivery; restored
// connectivity (or the periodic flush tick) resumes it.
package syncq

import (
	"context"
	"time"
)

// Kind identifies the cloud mutation an operation replays.
type Kind string

const (
	// KindUpsertPattern pushes a pattern create or update.
	KindUpsertPattern Kind = "upsert_pattern"

	// KindDeletePattern pushes a single pattern removal.
	KindDeletePattern Kind = "delete_pattern"

	// KindUpsertPreference pushes a preference create or update.
	KindUpsertPreference Kind = "upsert_preference"

	// KindResetAll clears the entire remote store. It acts as a barrier:
	// it is only delivered once every earlier operation has been delivered,
	// and nothing queued after it is delivered before it succeeds.
	KindResetAll Kind = "reset_all"
)

// IsValid reports whether k is a recognised operation kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindUpsertPattern, KindDeletePattern, KindUpsertPreference, KindResetAll:
		return true
	}
	return false
}

// Status describes where an operation is in its delivery lifecycle.
type Status string

const (
	// StatusPending means the operation has not yet been delivered.
	StatusPending Status = "pending"

	// StatusInFlight means a flush pass has snapshotted the operation and may
	// already have handed its payload to the cloud store. In-flight operations
	// are never superseded in place; a newer upsert for the same entity is
	// appended behind them instead. The status lives in memory only and is
	// never journaled: a crash mid-flush leaves the operation pending, which
	// at worst redelivers it.
	StatusInFlight Status = "in_flight"

	// StatusFailed means the operation exhausted its delivery attempts and
	// is parked until an explicit Retry or Clear.
	StatusFailed Status = "failed"
)

// Operation is a single journaled cloud mutation.
type Operation struct {
	// ID uniquely identifies the operation.
	ID string `json:"id"`

	// Kind selects which cloud mutation to replay.
	Kind Kind `json:"kind"`

	// EntityID is the pattern or preference ID the operation targets.
	// Empty for KindResetAll.
	EntityID string `json:"entity_id,omitempty"`

	// Payload is the JSON-encoded entity snapshot for upsert kinds.
	// Later upserts for the same entity supersede earlier ones.
	Payload []byte `json:"payload,omitempty"`

	// Status is the delivery lifecycle state.
	Status Status `json:"status"`

	// Attempts counts delivery attempts so far.
	Attempts int `json:"attempts"`

	// CreatedAt orders operations for replay.
	CreatedAt time.Time `json:"created_at"`

	// NextAttemptAt is the earliest time the next delivery may run.
	// Zero means immediately.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	// LastError records the most recent delivery failure, for inspection.
	LastError string `json:"last_error,omitempty"`
}

// Journal persists queued operations across restarts. Implementations must be
// safe for concurrent use.
type Journal interface {
	// AppendOperation stores a new operation.
	AppendOperation(ctx context.Context, op Operation) error

	// UpdateOperation replaces the stored operation with the same ID.
	UpdateOperation(ctx context.Context, op Operation) error

	// RemoveOperation deletes the operation with the given ID. Removing a
	// missing operation is not an error.
	RemoveOperation(ctx context.Context, id string) error

	// ListOperations returns all stored operations ordered by creation time.
	ListOperations(ctx context.Context) ([]Operation, error)

	// ClearOperations deletes every stored operation.
	ClearOperations(ctx context.Context) error
}
