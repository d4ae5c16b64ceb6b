package learning

import (
	"strings"
	"sync/atomic"

	"github.com/antzucaro/matchr"

	"github.com/nils-skog/dictare/pkg/types"
)

// Decision is the outcome of the clarification decision for one session.
// Base and Variant are only populated for [types.OutcomeABTesting].
type Decision struct {
	// Outcome classifies the interaction to show, if any.
	Outcome types.LearningOutcome

	// Base is the first A/B candidate (the refined text as-is).
	Base string

	// Variant is the second A/B candidate from [GenerateVariant].
	Variant string
}

// DecisionEngine classifies each (original, refined) pair into a learning
// outcome. It carries no session state beyond a rotation counter, so one
// engine serves all sessions. Safe for concurrent use.
type DecisionEngine struct {
	// trivialThreshold is the normalised change magnitude below which no
	// prompt is shown.
	trivialThreshold atomic.Value // float64

	// rotation alternates between edit-review and A/B prompts so both
	// interaction types keep getting sampled.
	rotation atomic.Uint64
}

// NewDecisionEngine creates a DecisionEngine with the given trivial-change
// threshold in [0, 1).
func NewDecisionEngine(trivialThreshold float64) *DecisionEngine {
	e := &DecisionEngine{}
	e.trivialThreshold.Store(trivialThreshold)
	return e
}

// SetTrivialThreshold replaces the threshold. Used by config hot-reload.
func (e *DecisionEngine) SetTrivialThreshold(t float64) {
	e.trivialThreshold.Store(t)
}

// Decide classifies what interaction, if any, to show the user after a
// refinement. The rules, in order:
//
//  1. Learning off, raw mode, or empty refined text: no prompt.
//  2. A change magnitude below the trivial threshold: no prompt.
//  3. Otherwise alternate deterministically between edit review and A/B
//     testing.
func (e *DecisionEngine) Decide(original, refined string, mode types.RefinementMode, learningEnabled bool) Decision {
	if !learningEnabled || mode == types.ModeRaw || strings.TrimSpace(refined) == "" {
		return Decision{Outcome: types.OutcomeNone}
	}

	if ChangeMagnitude(original, refined) < e.trivialThreshold.Load().(float64) {
		return Decision{Outcome: types.OutcomeNone}
	}

	if e.rotation.Add(1)%2 == 1 {
		return Decision{Outcome: types.OutcomeEditReview}
	}
	return Decision{
		Outcome: types.OutcomeABTesting,
		Base:    refined,
		Variant: GenerateVariant(refined),
	}
}

// MeaningfulChange reports whether the user's final text differs from the
// refined text by more than the trivial threshold. It gates whether a
// finalized session produces a pattern observation.
func (e *DecisionEngine) MeaningfulChange(refined, final string) bool {
	return ChangeMagnitude(refined, final) >= e.trivialThreshold.Load().(float64)
}

// ChangeMagnitude returns a normalised [0, 1] distance between two texts:
// the Levenshtein distance over case- and whitespace-normalised forms,
// divided by the longer length. Identical texts score 0.
func ChangeMagnitude(a, b string) float64 {
	na, nb := normalizeText(a), normalizeText(b)
	if na == nb {
		return 0
	}
	longer := max(len([]rune(na)), len([]rune(nb)))
	if longer == 0 {
		return 0
	}
	d := matchr.Levenshtein(na, nb)
	return clamp(float64(d)/float64(longer), 0, 1)
}

// normalizeText lowercases and collapses all whitespace runs to single
// spaces so formatting-only differences score near zero.
func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
