package resilience

import (
	"context"

	"github.com/nils-skog/dictare/pkg/provider/ai"
)

// TranscriberFallback implements [ai.Transcriber] with automatic failover
// across multiple transcription backends. Each backend has its own circuit
// breaker, so a dead primary stops being tried after a few failures and
// recording sessions keep working against the fallbacks.
type TranscriberFallback struct {
	group *FallbackGroup[ai.Transcriber]
}

// Compile-time interface assertion.
var _ ai.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend.
func NewTranscriberFallback(primary ai.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	return &TranscriberFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional transcriber as a fallback.
func (f *TranscriberFallback) AddFallback(name string, t ai.Transcriber) {
	f.group.AddFallback(name, t)
}

// Transcribe submits the audio to the first healthy backend. If the primary
// fails, subsequent fallbacks are tried with the same payload.
func (f *TranscriberFallback) Transcribe(ctx context.Context, audio []byte) (ai.Transcript, error) {
	return ExecuteWithResult(f.group, func(t ai.Transcriber) (ai.Transcript, error) {
		return t.Transcribe(ctx, audio)
	})
}
