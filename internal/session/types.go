// Package session implements the dictation session coordinator: an explicit
// state machine driving one capture → transcription → refinement →
// (optional clarification) → finalization pipeline at a time.
package session

import (
	"errors"
	"time"

	"github.com/nils-skog/dictare/pkg/types"
)

// State is a session's position in the pipeline state machine.
type State string

const (
	StateIdle              State = "idle"
	StateRecording         State = "recording"
	StateTranscribing      State = "transcribing"
	StateRefining          State = "refining"
	StateAwaitingDecision  State = "awaiting_decision"
	StateAwaitingUserInput State = "awaiting_user_input"
	StateFinalizing        State = "finalizing"
)

// ErrInvalidState is returned when an API call is made from a state that does
// not permit it. This is a caller bug, not a runtime condition, so it fails
// loudly instead of being swallowed.
var ErrInvalidState = errors.New("session: invalid state for operation")

// ErrSessionActive is returned by Start while another session is in flight.
// Sessions never interleave; cancel or finish the active one first.
var ErrSessionActive = errors.New("session: another session is active")

// ErrUnknownSession is returned when the given session ID does not match the
// active session.
var ErrUnknownSession = errors.New("session: unknown session id")

// Session is a snapshot of one dictation session.
type Session struct {
	ID           string                `json:"id"`
	Mode         types.RefinementMode  `json:"mode"`
	State        State                 `json:"state"`
	OriginalText string                `json:"original_text,omitempty"`
	RefinedText  string                `json:"refined_text,omitempty"`
	FinalText    string                `json:"final_text,omitempty"`
	Outcome      types.LearningOutcome `json:"outcome,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	Duration     time.Duration         `json:"duration,omitempty"`

	// RefinementFailed marks sessions whose refinement errored and fell back
	// to the raw transcript. Such sessions never produce a pattern
	// observation.
	RefinementFailed bool `json:"refinement_failed,omitempty"`
}

// EventKind classifies coordinator events.
type EventKind string

const (
	// EventStateChanged reports a state machine transition.
	EventStateChanged EventKind = "state_changed"

	// EventPromptRequested asks the presentation layer to show a
	// clarification prompt. Base and Variant carry the A/B candidates when
	// Outcome is abTesting.
	EventPromptRequested EventKind = "prompt_requested"

	// EventFinalized delivers the session's final text.
	EventFinalized EventKind = "finalized"

	// EventFailed reports a fatal session error (transcription failure or
	// stage timeout). The session is back at idle.
	EventFailed EventKind = "failed"
)

// Event is the coordinator's outbound message to the presentation layer.
type Event struct {
	Kind      EventKind             `json:"kind"`
	SessionID string                `json:"session_id"`
	State     State                 `json:"state,omitempty"`
	Outcome   types.LearningOutcome `json:"outcome,omitempty"`
	FinalText string                `json:"final_text,omitempty"`
	Base      string                `json:"base,omitempty"`
	Variant   string                `json:"variant,omitempty"`
	Err       string                `json:"err,omitempty"`
}
