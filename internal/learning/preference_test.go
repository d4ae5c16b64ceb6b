package learning_test

import (
	"testing"

	"github.com/nils-skog/dictare/internal/learning"
	"github.com/nils-skog/dictare/pkg/types"
)

func signalFor(signals []learning.Signal, typ types.PreferenceType) (learning.Signal, bool) {
	for _, s := range signals {
		if s.Type == typ {
			return s, true
		}
	}
	return learning.Signal{}, false
}

func TestPreferenceSignals_NoEditNoSignals(t *testing.T) {
	t.Parallel()
	if got := learning.PreferenceSignals("same text", "same text"); got != nil {
		t.Errorf("unchanged text produced signals: %+v", got)
	}
}

func TestPreferenceSignals_Shortening(t *testing.T) {
	t.Parallel()
	signals := learning.PreferenceSignals(
		"I would like to let you know that the meeting moved",
		"Meeting moved",
	)
	s, ok := signalFor(signals, types.PreferenceConciseness)
	if !ok {
		t.Fatalf("no conciseness signal in %+v", signals)
	}
	if s.Value <= 0 {
		t.Errorf("conciseness signal = %v, want positive for shortening", s.Value)
	}
}

func TestPreferenceSignals_ExpandingContractions(t *testing.T) {
	t.Parallel()
	signals := learning.PreferenceSignals("don't worry", "do not worry")

	c, ok := signalFor(signals, types.PreferenceContractions)
	if !ok || c.Value >= 0 {
		t.Errorf("contractions signal = %+v, want negative for expansion", c)
	}
	f, ok := signalFor(signals, types.PreferenceFormality)
	if !ok || f.Value <= 0 {
		t.Errorf("formality signal = %+v, want positive for expansion", f)
	}
}

func TestPreferenceSignals_AddedPunctuation(t *testing.T) {
	t.Parallel()
	signals := learning.PreferenceSignals("hi there", "Hi, there.")
	p, ok := signalFor(signals, types.PreferencePunctuation)
	if !ok || p.Value <= 0 {
		t.Errorf("punctuation signal = %+v, want positive", p)
	}
}

func TestPreferenceSignals_ValuesBounded(t *testing.T) {
	t.Parallel()
	signals := learning.PreferenceSignals(
		"one two three four five six seven eight nine ten",
		"a!!! b??? c... don't can't won't it's I'm let's",
	)
	for _, s := range signals {
		if s.Value < -1 || s.Value > 1 {
			t.Errorf("signal %q = %v, out of [-1,1]", s.Type, s.Value)
		}
		if s.Value == 0 {
			t.Errorf("signal %q has zero value", s.Type)
		}
	}
}
