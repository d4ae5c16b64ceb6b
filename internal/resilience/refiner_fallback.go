package resilience

import (
	"context"

	"github.com/nils-skog/dictare/pkg/provider/ai"
	"github.com/nils-skog/dictare/pkg/types"
)

// RefinerFallback implements [ai.Refiner] with automatic failover across
// multiple refinement backends. Each backend has its own circuit breaker.
//
// Note that refinement failure is already non-fatal at the session level (the
// pipeline falls back to the raw transcript), so the fallback group here is
// about preserving refinement quality, not availability.
type RefinerFallback struct {
	group *FallbackGroup[ai.Refiner]
}

// Compile-time interface assertion.
var _ ai.Refiner = (*RefinerFallback)(nil)

// NewRefinerFallback creates a [RefinerFallback] with primary as the
// preferred backend.
func NewRefinerFallback(primary ai.Refiner, primaryName string, cfg FallbackConfig) *RefinerFallback {
	return &RefinerFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional refiner as a fallback.
func (f *RefinerFallback) AddFallback(name string, r ai.Refiner) {
	f.group.AddFallback(name, r)
}

// Refine rewrites text with the first healthy backend. If the primary fails,
// subsequent fallbacks are tried with the same input.
func (f *RefinerFallback) Refine(ctx context.Context, text string, mode types.RefinementMode) (string, error) {
	return ExecuteWithResult(f.group, func(r ai.Refiner) (string, error) {
		return r.Refine(ctx, text, mode)
	})
}
