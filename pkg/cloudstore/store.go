// Package cloudstore defines the remote store interface for learned patterns
// and user preferences.
//
// The cloud store is assumed to be intermittently unreachable: every method
// may fail with [ErrUnavailable]-wrapped errors, and callers (the sync queue)
// are responsible for retrying. The sync queue is the only writer; nothing
// else in the engine talks to the cloud store directly.
package cloudstore

import (
	"context"
	"errors"

	"github.com/nils-skog/dictare/pkg/types"
)

// ErrUnavailable indicates the store could not be reached (network failure,
// timeout, server 5xx). Implementations wrap transport-level failures in this
// sentinel so the sync queue can distinguish "offline" from a genuine
// rejection.
var ErrUnavailable = errors.New("cloudstore: unavailable")

// Store is the abstraction over the remote pattern/preference store.
//
// Implementations must be safe for concurrent use and must propagate ctx
// cancellation promptly.
type Store interface {
	// UpsertPattern creates or replaces the pattern identified by p.ID.
	UpsertPattern(ctx context.Context, p types.LearnedPattern) error

	// DeletePattern removes the pattern with the given ID. Deleting a
	// pattern that does not exist is not an error.
	DeletePattern(ctx context.Context, id string) error

	// UpsertPreference creates or replaces the preference identified by
	// p.ID.
	UpsertPreference(ctx context.Context, p types.UserPreference) error

	// ListPatterns returns all stored patterns in unspecified order.
	ListPatterns(ctx context.Context) ([]types.LearnedPattern, error)

	// Reset removes all patterns and preferences. Used to replay a local
	// reset-all against the remote store.
	Reset(ctx context.Context) error
}
