package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nils-skog/dictare/internal/learning"
	"github.com/nils-skog/dictare/internal/session"
	"github.com/nils-skog/dictare/pkg/provider/ai"
	"github.com/nils-skog/dictare/pkg/provider/ai/mock"
	"github.com/nils-skog/dictare/pkg/types"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type observation struct {
	original  string
	corrected string
	mode      types.RefinementMode
}

type fakeStore struct {
	mu           sync.Mutex
	observations []observation
	preferences  []learning.Signal
	sessions     int
}

func (f *fakeStore) Observe(_ context.Context, original, corrected string, mode types.RefinementMode) types.LearnedPattern {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observations = append(f.observations, observation{original, corrected, mode})
	return types.LearnedPattern{OriginalPhrase: original, CorrectedPhrase: corrected, Mode: mode}
}

func (f *fakeStore) ObservePreference(_ context.Context, typ types.PreferenceType, sample float64) types.UserPreference {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preferences = append(f.preferences, learning.Signal{Type: typ, Value: sample})
	return types.UserPreference{Type: typ, Value: sample}
}

func (f *fakeStore) RecordSession(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
}

func (f *fakeStore) snapshot() ([]observation, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obs := make([]observation, len(f.observations))
	copy(obs, f.observations)
	return obs, f.sessions
}

type fakeDecider struct {
	decision   learning.Decision
	meaningful bool
}

func (d *fakeDecider) Decide(string, string, types.RefinementMode, bool) learning.Decision {
	return d.decision
}

func (d *fakeDecider) MeaningfulChange(string, string) bool { return d.meaningful }

type fakeSink struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSink) Deliver(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSink) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type fixture struct {
	coord       *session.Coordinator
	transcriber *mock.Transcriber
	refiner     *mock.Refiner
	store       *fakeStore
	decider     *fakeDecider
	sink        *fakeSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		transcriber: &mock.Transcriber{
			TranscribeFunc: func(context.Context, []byte) (ai.Transcript, error) {
				return ai.Transcript{Text: "um hello world"}, nil
			},
		},
		refiner: &mock.Refiner{
			RefineFunc: func(_ context.Context, text string, _ types.RefinementMode) (string, error) {
				return "Hello, world.", nil
			},
		},
		store:   &fakeStore{},
		decider: &fakeDecider{decision: learning.Decision{Outcome: types.OutcomeNone}},
		sink:    &fakeSink{},
	}

	coord, err := session.New(session.Config{
		Transcriber:  f.transcriber,
		Refiner:      f.refiner,
		Store:        f.store,
		Decider:      f.decider,
		Sink:         f.sink,
		StageTimeout: 5 * time.Second,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.coord = coord
	return f
}

// waitEvent consumes events until one of the given kind arrives.
func waitEvent(t *testing.T, events <-chan session.Event, kind session.EventKind) session.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

func startAndStop(t *testing.T, f *fixture, mode types.RefinementMode) string {
	t.Helper()
	id, err := f.coord.Start(mode)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.coord.Stop(id, []byte("audio")); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	return id
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestCoordinator_AutoFinalizeWithoutPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	events := f.coord.Events()

	id := startAndStop(t, f, types.ModeCleanup)

	ev := waitEvent(t, events, session.EventFinalized)
	if ev.SessionID != id {
		t.Errorf("finalized session = %q, want %q", ev.SessionID, id)
	}
	if ev.FinalText != "Hello, world." {
		t.Errorf("final text = %q, want refined text", ev.FinalText)
	}
	waitEvent(t, events, session.EventStateChanged) // back to idle

	if got := f.sink.delivered(); len(got) != 1 || got[0] != "Hello, world." {
		t.Errorf("sink received %v, want the final text once", got)
	}
	obs, sessions := f.store.snapshot()
	if len(obs) != 0 {
		t.Errorf("outcome none recorded %d observations, want 0", len(obs))
	}
	if sessions != 1 {
		t.Errorf("recorded %d sessions, want 1", sessions)
	}
	if _, ok := f.coord.Active(); ok {
		t.Error("session still active after finalization")
	}
}

func TestCoordinator_EditReviewObserves(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.decider.decision = learning.Decision{Outcome: types.OutcomeEditReview}
	f.decider.meaningful = true
	events := f.coord.Events()

	id := startAndStop(t, f, types.ModeEmail)

	prompt := waitEvent(t, events, session.EventPromptRequested)
	if prompt.Outcome != types.OutcomeEditReview {
		t.Fatalf("prompt outcome = %q, want editReview", prompt.Outcome)
	}
	if prompt.Base != "Hello, world." {
		t.Errorf("prompt base = %q, want refined text", prompt.Base)
	}

	if err := f.coord.SubmitEditReview(id, "Hello there, world.", false); err != nil {
		t.Fatalf("SubmitEditReview() error = %v", err)
	}
	waitEvent(t, events, session.EventFinalized)

	obs, _ := f.store.snapshot()
	if len(obs) != 1 {
		t.Fatalf("recorded %d observations, want 1", len(obs))
	}
	if obs[0].original != "Hello, world." || obs[0].corrected != "Hello there, world." {
		t.Errorf("observation = %+v, want refined→final pair", obs[0])
	}
	if obs[0].mode != types.ModeEmail {
		t.Errorf("observation mode = %q, want email", obs[0].mode)
	}
}

func TestCoordinator_ABChoiceFinalizesWithChosenText(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.decider.decision = learning.Decision{
		Outcome: types.OutcomeABTesting,
		Base:    "Hello, world.",
		Variant: "Hello, world. (refined)",
	}
	f.decider.meaningful = true
	events := f.coord.Events()

	id := startAndStop(t, f, types.ModeMessaging)

	prompt := waitEvent(t, events, session.EventPromptRequested)
	if prompt.Base == "" || prompt.Variant == "" || prompt.Base == prompt.Variant {
		t.Fatalf("prompt candidates = (%q, %q), want two distinct texts", prompt.Base, prompt.Variant)
	}

	// Wrong submission type for this prompt.
	if err := f.coord.SubmitEditReview(id, "x", false); !errors.Is(err, session.ErrInvalidState) {
		t.Errorf("SubmitEditReview on A/B prompt error = %v, want ErrInvalidState", err)
	}

	if err := f.coord.SubmitABChoice(id, prompt.Variant); err != nil {
		t.Fatalf("SubmitABChoice() error = %v", err)
	}
	ev := waitEvent(t, events, session.EventFinalized)
	if ev.FinalText != prompt.Variant {
		t.Errorf("final text = %q, want chosen variant", ev.FinalText)
	}
}

func TestCoordinator_FinalizesExactlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.decider.decision = learning.Decision{Outcome: types.OutcomeEditReview}
	events := f.coord.Events()

	id := startAndStop(t, f, types.ModeCleanup)
	waitEvent(t, events, session.EventPromptRequested)

	if err := f.coord.SubmitEditReview(id, "first", false); err != nil {
		t.Fatalf("first submit error = %v", err)
	}
	// A second submission must be rejected, not double-finalize.
	err := f.coord.SubmitEditReview(id, "second", false)
	if err == nil {
		t.Error("second submit succeeded, want error")
	}

	waitEvent(t, events, session.EventFinalized)

	finalized := 1
	drain := time.After(200 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Kind == session.EventFinalized {
				finalized++
			}
		case <-drain:
			done = true
		}
	}
	if finalized != 1 {
		t.Errorf("saw %d finalized events, want exactly 1", finalized)
	}
	_, sessions := f.store.snapshot()
	if sessions != 1 {
		t.Errorf("recorded %d sessions, want exactly 1", sessions)
	}
}

func TestCoordinator_RefinementFailureFallsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.refiner.RefineFunc = func(context.Context, string, types.RefinementMode) (string, error) {
		return "", errors.New("model overloaded")
	}
	f.decider.decision = learning.Decision{Outcome: types.OutcomeEditReview}
	f.decider.meaningful = true
	events := f.coord.Events()

	id := startAndStop(t, f, types.ModeCleanup)

	prompt := waitEvent(t, events, session.EventPromptRequested)
	if prompt.Base != "um hello world" {
		t.Errorf("prompt base = %q, want raw transcript fallback", prompt.Base)
	}

	if err := f.coord.SubmitEditReview(id, "hello world, edited", false); err != nil {
		t.Fatalf("SubmitEditReview() error = %v", err)
	}
	ev := waitEvent(t, events, session.EventFinalized)
	if ev.FinalText != "hello world, edited" {
		t.Errorf("final text = %q, want the user's edit", ev.FinalText)
	}

	// Failed refinements never feed learning: the fallback text is not a
	// real AI output to learn corrections against.
	obs, sessions := f.store.snapshot()
	if len(obs) != 0 {
		t.Errorf("recorded %d observations after failed refinement, want 0", len(obs))
	}
	if sessions != 1 {
		t.Errorf("recorded %d sessions, want 1", sessions)
	}
}

func TestCoordinator_RawModeSkipsRefiner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	events := f.coord.Events()

	startAndStop(t, f, types.ModeRaw)

	ev := waitEvent(t, events, session.EventFinalized)
	if ev.FinalText != "um hello world" {
		t.Errorf("raw mode final text = %q, want the raw transcript", ev.FinalText)
	}
	if calls := f.refiner.Calls(); len(calls) != 0 {
		t.Errorf("refiner called %d times in raw mode, want 0", len(calls))
	}
}

func TestCoordinator_SkipLearningSuppressesObservation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.decider.decision = learning.Decision{Outcome: types.OutcomeEditReview}
	f.decider.meaningful = true
	events := f.coord.Events()

	id := startAndStop(t, f, types.ModeCleanup)
	waitEvent(t, events, session.EventPromptRequested)

	if err := f.coord.SubmitEditReview(id, "totally different text", true); err != nil {
		t.Fatalf("SubmitEditReview() error = %v", err)
	}
	waitEvent(t, events, session.EventFinalized)

	obs, sessions := f.store.snapshot()
	if len(obs) != 0 {
		t.Errorf("skip-learning session recorded %d observations, want 0", len(obs))
	}
	if sessions != 1 {
		t.Errorf("recorded %d sessions, want 1", sessions)
	}
}

func TestCoordinator_TranscriptionFailureFailsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.transcriber.TranscribeFunc = func(context.Context, []byte) (ai.Transcript, error) {
		return ai.Transcript{}, errors.New("no speech detected")
	}
	events := f.coord.Events()

	id := startAndStop(t, f, types.ModeCleanup)

	ev := waitEvent(t, events, session.EventFailed)
	if ev.SessionID != id || ev.Err == "" {
		t.Errorf("failed event = %+v, want session id and error text", ev)
	}
	waitEvent(t, events, session.EventStateChanged)

	_, sessions := f.store.snapshot()
	if sessions != 0 {
		t.Errorf("failed session counted toward session total: %d", sessions)
	}
	if _, err := f.coord.Start(types.ModeCleanup); err != nil {
		t.Errorf("Start() after failure error = %v, want a fresh session", err)
	}
}

func TestCoordinator_CancelDiscardsLateResults(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	release := make(chan struct{})
	f.transcriber.TranscribeFunc = func(ctx context.Context, _ []byte) (ai.Transcript, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ai.Transcript{Text: "late result"}, nil
	}
	events := f.coord.Events()

	id := startAndStop(t, f, types.ModeCleanup)

	if err := f.coord.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(release)

	// The late transcript must not finalize the cancelled session.
	drain := time.After(300 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Kind == session.EventFinalized || ev.Kind == session.EventPromptRequested {
				t.Fatalf("cancelled session emitted %q", ev.Kind)
			}
		case <-drain:
			done = true
		}
	}

	_, sessions := f.store.snapshot()
	if sessions != 0 {
		t.Errorf("cancelled session recorded %d sessions, want 0", sessions)
	}
	if _, err := f.coord.Start(types.ModeCleanup); err != nil {
		t.Errorf("Start() after cancel error = %v", err)
	}
}

func TestCoordinator_StateAndIdentityErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.decider.decision = learning.Decision{Outcome: types.OutcomeEditReview}
	events := f.coord.Events()

	id, err := f.coord.Start(types.ModeCleanup)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := f.coord.Start(types.ModeCleanup); !errors.Is(err, session.ErrSessionActive) {
		t.Errorf("concurrent Start() error = %v, want ErrSessionActive", err)
	}
	if err := f.coord.Stop("no-such-id", nil); !errors.Is(err, session.ErrUnknownSession) {
		t.Errorf("Stop(unknown) error = %v, want ErrUnknownSession", err)
	}
	if err := f.coord.SubmitEditReview(id, "x", false); !errors.Is(err, session.ErrInvalidState) {
		t.Errorf("submit while recording error = %v, want ErrInvalidState", err)
	}

	if err := f.coord.Stop(id, []byte("audio")); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitEvent(t, events, session.EventPromptRequested)
	if err := f.coord.Stop(id, nil); !errors.Is(err, session.ErrInvalidState) {
		t.Errorf("second Stop() error = %v, want ErrInvalidState", err)
	}
}

func TestCoordinator_LearningDisabledStillFinalizes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.decider.decision = learning.Decision{Outcome: types.OutcomeEditReview}
	f.decider.meaningful = true

	coord, err := session.New(session.Config{
		Transcriber:     f.transcriber,
		Refiner:         f.refiner,
		Store:           f.store,
		Decider:         f.decider,
		Sink:            f.sink,
		StageTimeout:    5 * time.Second,
		LearningEnabled: func() bool { return false },
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	events := coord.Events()

	id, err := coord.Start(types.ModeCleanup)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := coord.Stop(id, []byte("audio")); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitEvent(t, events, session.EventPromptRequested)
	if err := coord.SubmitEditReview(id, "edited text entirely", false); err != nil {
		t.Fatalf("SubmitEditReview() error = %v", err)
	}
	waitEvent(t, events, session.EventFinalized)

	obs, _ := f.store.snapshot()
	if len(obs) != 0 {
		t.Errorf("learning disabled but %d observations recorded", len(obs))
	}
}
