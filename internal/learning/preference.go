package learning

import (
	"strings"

	"github.com/nils-skog/dictare/pkg/types"
)

// Signal is one observed style sample for a preference dimension, in [-1, 1].
type Signal struct {
	Type  types.PreferenceType
	Value float64
}

// PreferenceSignals derives style samples from the difference between the
// refined text and the user's final text. An unchanged text yields no
// signals; each returned signal has a non-zero value.
//
// The heuristics are deliberately coarse. They only need to point the
// running averages in the right direction over many sessions, not to judge a
// single edit accurately.
func PreferenceSignals(refined, final string) []Signal {
	if refined == final {
		return nil
	}

	var out []Signal

	// Conciseness: shortening the text is a positive sample.
	rw, fw := len(strings.Fields(refined)), len(strings.Fields(final))
	if rw > 0 && rw != fw {
		v := clamp(float64(rw-fw)/float64(rw), -1, 1)
		out = append(out, Signal{Type: types.PreferenceConciseness, Value: v})
	}

	// Contractions: adding contracted forms is positive, expanding them is
	// negative. Expanding also reads as more formal.
	cd := countContractions(final) - countContractions(refined)
	if cd != 0 {
		v := clamp(float64(cd)*0.5, -1, 1)
		out = append(out,
			Signal{Type: types.PreferenceContractions, Value: v},
			Signal{Type: types.PreferenceFormality, Value: -v},
		)
	}

	// Punctuation: adding terminal punctuation is a positive sample.
	pd := countPunctuation(final) - countPunctuation(refined)
	if pd != 0 {
		out = append(out, Signal{Type: types.PreferencePunctuation, Value: clamp(float64(pd)*0.25, -1, 1)})
	}

	return out
}

func countContractions(s string) int {
	n := 0
	for _, w := range strings.Fields(s) {
		if strings.ContainsRune(w, '\'') {
			n++
		}
	}
	return n
}

func countPunctuation(s string) int {
	n := 0
	for _, r := range s {
		switch r {
		case '.', ',', '!', '?', ';', ':':
			n++
		}
	}
	return n
}
