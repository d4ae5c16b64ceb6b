// Package ai defines the provider interfaces for the two AI capabilities the
// engine consumes: speech transcription and style refinement.
//
// A Transcriber wraps a batch speech-to-text backend (e.g., the OpenAI audio
// API or a local whisper.cpp server). A Refiner wraps a language model that
// rewrites transcribed text according to a [types.RefinementMode].
//
// Both capabilities are fallible and asynchronous: every call takes a
// context, propagates cancellation promptly, and returns an explicit error.
// Implementations must be safe for concurrent use.
package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nils-skog/dictare/pkg/types"
)

// Transcript is the result of a batch transcription call.
type Transcript struct {
	// Text is the transcribed speech content. May be empty when the audio
	// contained no recognisable speech.
	Text string

	// Language is the detected or configured BCP-47 language tag, when the
	// backend reports one.
	Language string

	// Duration is the audio duration as reported by the backend, when
	// available. Zero otherwise.
	Duration time.Duration
}

// Transcriber converts captured speech audio into text.
//
// The audio payload is raw 16-bit signed little-endian PCM unless the
// implementation documents otherwise. Implementations must honour ctx
// cancellation and must be safe for concurrent use.
type Transcriber interface {
	// Transcribe submits the full audio payload for batch transcription and
	// waits for the result. Returns an error if the backend is unreachable,
	// rejects the audio, or ctx is cancelled first.
	Transcribe(ctx context.Context, audio []byte) (Transcript, error)
}

// Refiner rewrites text according to a refinement mode.
//
// Implementations must be safe for concurrent use and must honour ctx
// cancellation. A Refiner should never be called with [types.ModeRaw]; the
// pipeline skips refinement entirely for raw sessions.
type Refiner interface {
	// Refine rewrites text in the style selected by mode and returns the
	// rewritten text. Returns an error if the backend call fails; callers
	// are expected to fall back to the unrefined input.
	Refine(ctx context.Context, text string, mode types.RefinementMode) (string, error)
}

// SystemPrompt returns the refinement system prompt for mode. The prompts
// are deliberately conservative: the model is instructed to preserve meaning
// and to return only the rewritten text, with no commentary or markup.
//
// Returns the empty string for [types.ModeRaw] and unknown modes.
func SystemPrompt(mode types.RefinementMode) string {
	var style string
	switch mode {
	case types.ModeCleanup:
		style = `Remove filler words (um, uh, like, you know), fix obvious grammar and
punctuation mistakes, and break run-on sentences. Preserve the speaker's
wording, tone, and meaning as closely as possible. Do not summarise.`
	case types.ModeEmail:
		style = `Rewrite the text as clear, polite written prose suitable for a
professional email body. Use complete sentences and standard punctuation.
Do not add a greeting, sign-off, or subject line unless the speaker dictated
one. Preserve all factual content.`
	case types.ModeMessaging:
		style = `Rewrite the text as a short, casual chat message. Keep it concise and
natural. Preserve the speaker's intent and all factual content.`
	default:
		return ""
	}

	var sb strings.Builder
	sb.WriteString("You are a dictation assistant. The user dictated the following text by voice.\n\n")
	sb.WriteString(style)
	sb.WriteString("\n\nRespond with ONLY the rewritten text — no quotes, no markdown, no explanation.")
	return sb.String()
}

// ValidateRefineInput checks the arguments common to all Refiner
// implementations. Shared so every backend rejects the same inputs the same
// way.
func ValidateRefineInput(text string, mode types.RefinementMode) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("ai: refine input text is empty")
	}
	if mode == types.ModeRaw {
		return fmt.Errorf("ai: mode %q does not use refinement", mode)
	}
	if !mode.IsValid() {
		return fmt.Errorf("ai: unknown refinement mode %q", mode)
	}
	return nil
}
