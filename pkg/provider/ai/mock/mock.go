// Package mock provides scriptable [ai.Transcriber] and [ai.Refiner]
// implementations for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/nils-skog/dictare/pkg/provider/ai"
	"github.com/nils-skog/dictare/pkg/types"
)

// Compile-time interface checks.
var (
	_ ai.Transcriber = (*Transcriber)(nil)
	_ ai.Refiner     = (*Refiner)(nil)
)

// Transcriber is a scriptable mock transcriber. Set TranscribeFunc to control
// behaviour; the zero value returns an error for every call. All calls are
// recorded and can be inspected with Calls.
type Transcriber struct {
	mu sync.Mutex

	// TranscribeFunc handles each Transcribe call. When nil, Transcribe
	// returns an error.
	TranscribeFunc func(ctx context.Context, audio []byte) (ai.Transcript, error)

	calls [][]byte
}

// Transcribe implements [ai.Transcriber].
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (ai.Transcript, error) {
	t.mu.Lock()
	t.calls = append(t.calls, audio)
	fn := t.TranscribeFunc
	t.mu.Unlock()

	if fn == nil {
		return ai.Transcript{}, errors.New("mock transcriber: TranscribeFunc not set")
	}
	return fn(ctx, audio)
}

// Calls returns the audio payloads passed to Transcribe, in order.
func (t *Transcriber) Calls() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.calls))
	copy(out, t.calls)
	return out
}

// RefineCall records a single Refine invocation.
type RefineCall struct {
	Text string
	Mode types.RefinementMode
}

// Refiner is a scriptable mock refiner. Set RefineFunc to control behaviour;
// the zero value returns an error for every call.
type Refiner struct {
	mu sync.Mutex

	// RefineFunc handles each Refine call. When nil, Refine returns an error.
	RefineFunc func(ctx context.Context, text string, mode types.RefinementMode) (string, error)

	calls []RefineCall
}

// Refine implements [ai.Refiner].
func (r *Refiner) Refine(ctx context.Context, text string, mode types.RefinementMode) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, RefineCall{Text: text, Mode: mode})
	fn := r.RefineFunc
	r.mu.Unlock()

	if fn == nil {
		return "", errors.New("mock refiner: RefineFunc not set")
	}
	return fn(ctx, text, mode)
}

// Calls returns all recorded Refine invocations, in order.
func (r *Refiner) Calls() []RefineCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RefineCall, len(r.calls))
	copy(out, r.calls)
	return out
}
