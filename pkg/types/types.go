// Package types defines the shared types used across all Dictare packages.
//
// These types form the lingua franca between the AI providers, the learning
// engine, the sync queue, and the session coordinator. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// RefinementMode selects the style applied when refining a raw transcript.
type RefinementMode string

const (
	// ModeRaw delivers the transcript untouched; no refinement, no learning.
	ModeRaw RefinementMode = "raw"

	// ModeCleanup removes filler words and fixes grammar while preserving
	// the speaker's wording as much as possible.
	ModeCleanup RefinementMode = "cleanup"

	// ModeEmail rewrites the transcript as formal written prose suitable
	// for email.
	ModeEmail RefinementMode = "email"

	// ModeMessaging rewrites the transcript as short, casual chat text.
	ModeMessaging RefinementMode = "messaging"
)

// IsValid reports whether m is a recognised refinement mode.
func (m RefinementMode) IsValid() bool {
	switch m {
	case ModeRaw, ModeCleanup, ModeEmail, ModeMessaging:
		return true
	}
	return false
}

// LearningOutcome classifies what, if anything, the engine asks the user
// after a refinement completes.
type LearningOutcome string

const (
	// OutcomeNone means the session finalizes without user interaction.
	OutcomeNone LearningOutcome = "none"

	// OutcomeEditReview means the refined text is shown for free-form
	// editing before finalization.
	OutcomeEditReview LearningOutcome = "editReview"

	// OutcomeABTesting means two candidate texts are shown and the user
	// picks one.
	OutcomeABTesting LearningOutcome = "abTesting"
)

// LearnedPattern is a durable phrase-level correction the user has applied,
// with a confidence score estimating how reliable it is.
//
// Confidence stays within [0, 1]: it rises via an exponential moving average
// on reinforcing observations and decays toward zero when the pattern goes
// unseen past the staleness window. It never goes negative.
type LearnedPattern struct {
	// ID is the unique pattern identifier (UUID).
	ID string `json:"id"`

	// OriginalPhrase is the phrase as produced by the AI refinement.
	OriginalPhrase string `json:"original_phrase"`

	// CorrectedPhrase is the replacement the user applied.
	CorrectedPhrase string `json:"corrected_phrase"`

	// Mode scopes the pattern to a refinement mode. Empty means any mode.
	Mode RefinementMode `json:"mode,omitempty"`

	// OccurrenceCount is how many times this correction has been observed.
	// Always ≥ 1.
	OccurrenceCount int `json:"occurrence_count"`

	// Confidence is the reliability estimate in [0, 1].
	Confidence float64 `json:"confidence"`

	// LastUpdatedAt is when the pattern was last reinforced or decayed.
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// PreferenceType enumerates the style dimensions tracked per user.
type PreferenceType string

const (
	PreferenceFormality    PreferenceType = "formality"
	PreferenceConciseness  PreferenceType = "conciseness"
	PreferenceContractions PreferenceType = "contractions"
	PreferencePunctuation  PreferenceType = "punctuation"
)

// IsValid reports whether t is a recognised preference type.
func (t PreferenceType) IsValid() bool {
	switch t {
	case PreferenceFormality, PreferenceConciseness, PreferenceContractions, PreferencePunctuation:
		return true
	}
	return false
}

// UserPreference is a durable running average of observed style signals for
// one preference dimension.
//
// Value is a weighted average over all samples, not the latest sample.
// SampleCount only ever increases.
type UserPreference struct {
	// ID is the unique preference identifier (UUID).
	ID string `json:"id"`

	// Type is the style dimension this preference tracks.
	Type PreferenceType `json:"type"`

	// Value is the running average in [-1, 1]. The sign convention depends
	// on the type; e.g. for contractions, positive means the user prefers
	// contracted forms.
	Value float64 `json:"value"`

	// SampleCount is how many samples have contributed to Value.
	SampleCount int `json:"sample_count"`

	// LastUpdatedAt is when the last sample was recorded.
	LastUpdatedAt time.Time `json:"last_updated_at"`
}
