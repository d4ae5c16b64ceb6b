package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nils-skog/dictare/internal/learning"
	"github.com/nils-skog/dictare/internal/observe"
	"github.com/nils-skog/dictare/pkg/provider/ai"
	"github.com/nils-skog/dictare/pkg/types"
)

// LearningStore is the slice of the pattern store the coordinator needs.
// Implemented by [learning.Store].
type LearningStore interface {
	Observe(ctx context.Context, original, corrected string, mode types.RefinementMode) types.LearnedPattern
	ObservePreference(ctx context.Context, typ types.PreferenceType, sample float64) types.UserPreference
	RecordSession(ctx context.Context)
}

// Decider classifies refinements into learning outcomes. Implemented by
// [learning.DecisionEngine].
type Decider interface {
	Decide(original, refined string, mode types.RefinementMode, learningEnabled bool) learning.Decision
	MeaningfulChange(refined, final string) bool
}

// Sink receives the final text of each session, e.g. a clipboard writer.
type Sink interface {
	Deliver(ctx context.Context, text string) error
}

// Config configures a [Coordinator].
type Config struct {
	// Transcriber converts captured audio to text. Required.
	Transcriber ai.Transcriber

	// Refiner rewrites transcripts per mode. Optional; when nil every
	// session behaves like raw mode.
	Refiner ai.Refiner

	// Store receives pattern and preference observations. Required.
	Store LearningStore

	// Decider chooses the clarification outcome. Required.
	Decider Decider

	// Sink receives final text. Optional.
	Sink Sink

	// StageTimeout bounds each provider call. Defaults to 60 seconds if zero.
	StageTimeout time.Duration

	// LearningEnabled reports whether pattern learning is currently on.
	// Consulted per decision so config hot-reload takes effect immediately.
	// Defaults to always-on if nil.
	LearningEnabled func() bool

	// Metrics defaults to [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default] if nil.
	Logger *slog.Logger
}

// Coordinator drives at most one dictation session at a time through the
// pipeline state machine. Commands come in through methods; everything the
// presentation layer needs comes back out through [Coordinator.Events].
//
// The clarification branch is driven purely by the [Decider]'s return value.
// There is no timing-based detection of whether a prompt appeared.
type Coordinator struct {
	transcriber     ai.Transcriber
	refiner         ai.Refiner
	store           LearningStore
	decider         Decider
	sink            Sink
	stageTimeout    time.Duration
	learningEnabled func() bool
	metrics         *observe.Metrics
	logger          *slog.Logger

	events chan Event

	mu  sync.Mutex
	cur *active
}

// active is the mutable state of the in-flight session.
type active struct {
	s         Session
	base      string // A/B candidates, set when a prompt is requested
	variant   string
	cancel    context.CancelFunc
	input     chan userInput
	cancelled bool
	finalized bool
}

type userInput struct {
	text         string
	skipLearning bool
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Transcriber == nil {
		return nil, fmt.Errorf("session: Transcriber is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: Store is required")
	}
	if cfg.Decider == nil {
		return nil, fmt.Errorf("session: Decider is required")
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 60 * time.Second
	}
	if cfg.LearningEnabled == nil {
		cfg.LearningEnabled = func() bool { return true }
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		transcriber:     cfg.Transcriber,
		refiner:         cfg.Refiner,
		store:           cfg.Store,
		decider:         cfg.Decider,
		sink:            cfg.Sink,
		stageTimeout:    cfg.StageTimeout,
		learningEnabled: cfg.LearningEnabled,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		events:          make(chan Event, 64),
	}, nil
}

// Events returns the coordinator's outbound event stream. Events are dropped
// (with a warning) if the consumer falls more than the buffer behind.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Start begins a new session in the given mode and returns its ID. It fails
// with [ErrSessionActive] while another session is in flight: sessions never
// interleave.
func (c *Coordinator) Start(mode types.RefinementMode) (string, error) {
	if !mode.IsValid() {
		return "", fmt.Errorf("session: invalid mode %q", mode)
	}

	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		return "", ErrSessionActive
	}
	act := &active{
		s: Session{
			ID:        uuid.NewString(),
			Mode:      mode,
			State:     StateRecording,
			StartedAt: time.Now(),
		},
		input: make(chan userInput, 1),
	}
	c.cur = act
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(context.Background(), 1)
	c.emit(Event{Kind: EventStateChanged, SessionID: act.s.ID, State: StateRecording})
	c.logger.Info("session started", "id", act.s.ID, "mode", mode)
	return act.s.ID, nil
}

// Stop ends the recording phase and hands the captured audio to the pipeline.
// The pipeline runs asynchronously; progress is reported via [Events].
func (c *Coordinator) Stop(id string, audio []byte) error {
	c.mu.Lock()
	act := c.cur
	if act == nil || act.s.ID != id {
		c.mu.Unlock()
		return ErrUnknownSession
	}
	if act.s.State != StateRecording {
		c.mu.Unlock()
		return fmt.Errorf("%w: Stop in state %q", ErrInvalidState, act.s.State)
	}
	ctx, cancel := context.WithCancel(context.Background())
	act.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx, act, audio)
	return nil
}

// Cancel aborts the session from any state. No finalization happens and no
// learning observation is recorded; results from in-flight provider calls are
// discarded when they arrive.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	act := c.cur
	if act == nil || act.s.ID != id {
		c.mu.Unlock()
		return ErrUnknownSession
	}
	if act.finalized {
		c.mu.Unlock()
		return fmt.Errorf("%w: session is already finalizing", ErrInvalidState)
	}
	act.cancelled = true
	act.s.State = StateIdle
	cancel := act.cancel
	c.cur = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.metrics.ActiveSessions.Add(context.Background(), -1)
	c.emit(Event{Kind: EventStateChanged, SessionID: id, State: StateIdle})
	c.logger.Info("session cancelled", "id", id)
	return nil
}

// SubmitEditReview supplies the user's final text for an edit-review prompt.
// skipLearning suppresses the pattern observation while still finalizing.
func (c *Coordinator) SubmitEditReview(id, finalText string, skipLearning bool) error {
	return c.submit(id, types.OutcomeEditReview, userInput{text: finalText, skipLearning: skipLearning})
}

// SubmitABChoice supplies the user's pick from an A/B prompt.
func (c *Coordinator) SubmitABChoice(id, chosenText string) error {
	return c.submit(id, types.OutcomeABTesting, userInput{text: chosenText})
}

func (c *Coordinator) submit(id string, want types.LearningOutcome, in userInput) error {
	c.mu.Lock()
	act := c.cur
	if act == nil || act.s.ID != id {
		c.mu.Unlock()
		return ErrUnknownSession
	}
	if act.s.State != StateAwaitingUserInput {
		c.mu.Unlock()
		return fmt.Errorf("%w: submit in state %q", ErrInvalidState, act.s.State)
	}
	if act.s.Outcome != want {
		c.mu.Unlock()
		return fmt.Errorf("%w: session outcome is %q", ErrInvalidState, act.s.Outcome)
	}
	c.mu.Unlock()

	select {
	case act.input <- in:
		return nil
	default:
		return fmt.Errorf("%w: input already submitted", ErrInvalidState)
	}
}

// Outcome returns the active session's learning outcome.
func (c *Coordinator) Outcome(id string) (types.LearningOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.s.ID != id {
		return "", false
	}
	return c.cur.s.Outcome, true
}

// Snapshot returns a copy of the active session's state.
func (c *Coordinator) Snapshot(id string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.s.ID != id {
		return Session{}, false
	}
	return c.cur.s, true
}

// Active returns the in-flight session snapshot, if any.
func (c *Coordinator) Active() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return Session{}, false
	}
	return c.cur.s, true
}

// ─── Pipeline ───────────────────────────────────────────────────────────────

// run executes the pipeline stages sequentially for one session. Each stage
// is bounded by the stage timeout; a cancelled session discards all further
// results and never finalizes.
func (c *Coordinator) run(ctx context.Context, act *active, audio []byte) {
	id := act.s.ID

	// Transcription.
	if !c.advance(act, StateTranscribing) {
		return
	}
	start := time.Now()
	tctx, tcancel := context.WithTimeout(ctx, c.stageTimeout)
	transcript, err := c.transcriber.Transcribe(tctx, audio)
	tcancel()
	c.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds())
	if c.isCancelled(act) {
		return
	}
	if err != nil || strings.TrimSpace(transcript.Text) == "" {
		if err == nil {
			err = fmt.Errorf("session: empty transcript")
		}
		c.fail(act, "transcription failed", err)
		return
	}
	original := transcript.Text
	c.withSession(act, func(s *Session) { s.OriginalText = original })

	// Refinement. Failure falls back to the raw transcript and the pipeline
	// keeps going; the user still gets their text.
	refined := original
	if act.s.Mode != types.ModeRaw && c.refiner != nil {
		if !c.advance(act, StateRefining) {
			return
		}
		start = time.Now()
		rctx, rcancel := context.WithTimeout(ctx, c.stageTimeout)
		out, rerr := c.refiner.Refine(rctx, original, act.s.Mode)
		rcancel()
		c.metrics.RefinementDuration.Record(ctx, time.Since(start).Seconds())
		if c.isCancelled(act) {
			return
		}
		if rerr != nil {
			c.withSession(act, func(s *Session) { s.RefinementFailed = true })
			c.logger.Warn("refinement failed, falling back to transcript", "id", id, "err", rerr)
			c.metrics.RecordProviderError(ctx, "refiner", "refine")
		} else {
			refined = out
		}
	}
	c.withSession(act, func(s *Session) { s.RefinedText = refined })

	// Decision. The branch below follows the decider's return value only.
	if !c.advance(act, StateAwaitingDecision) {
		return
	}
	decision := c.decider.Decide(original, refined, act.s.Mode, c.learningEnabled())
	if c.isCancelled(act) {
		return
	}
	c.withSession(act, func(s *Session) { s.Outcome = decision.Outcome })

	if decision.Outcome == types.OutcomeNone {
		c.finalize(ctx, act, refined, false)
		return
	}

	// Clarification prompt: exactly one per session.
	if !c.advance(act, StateAwaitingUserInput) {
		return
	}
	base, variant := refined, ""
	if decision.Outcome == types.OutcomeABTesting {
		base, variant = decision.Base, decision.Variant
	}
	c.mu.Lock()
	act.base, act.variant = base, variant
	c.mu.Unlock()

	c.metrics.RecordLearningPrompt(ctx, string(decision.Outcome))
	c.emit(Event{
		Kind:      EventPromptRequested,
		SessionID: id,
		State:     StateAwaitingUserInput,
		Outcome:   decision.Outcome,
		Base:      base,
		Variant:   variant,
	})

	select {
	case in := <-act.input:
		if c.isCancelled(act) {
			return
		}
		finalText := in.text
		if strings.TrimSpace(finalText) == "" {
			finalText = refined
		}
		c.finalize(ctx, act, finalText, in.skipLearning)
	case <-ctx.Done():
		// Cancelled while awaiting input.
	}
}

// finalize records the outcome, delivers the final text, and returns the
// coordinator to idle. It runs at most once per session.
func (c *Coordinator) finalize(ctx context.Context, act *active, finalText string, skipLearning bool) {
	c.mu.Lock()
	if act.cancelled || act.finalized {
		c.mu.Unlock()
		return
	}
	act.finalized = true
	act.s.State = StateFinalizing
	act.s.FinalText = finalText
	act.s.Duration = time.Since(act.s.StartedAt)
	s := act.s
	c.mu.Unlock()

	c.emit(Event{Kind: EventStateChanged, SessionID: s.ID, State: StateFinalizing})

	// Learning writes must complete even if the pipeline context is torn
	// down right after finalization starts.
	lctx := context.WithoutCancel(ctx)

	observed := c.recordLearning(lctx, s, skipLearning)
	c.store.RecordSession(lctx)

	if c.sink != nil {
		if err := c.sink.Deliver(lctx, finalText); err != nil {
			c.logger.Error("failed to deliver final text", "id", s.ID, "err", err)
		}
	}

	c.metrics.RecordSessionCompleted(lctx, string(s.Mode), string(s.Outcome))
	c.emit(Event{
		Kind:      EventFinalized,
		SessionID: s.ID,
		Outcome:   s.Outcome,
		FinalText: finalText,
	})
	c.logger.Info("session finalized",
		"id", s.ID,
		"mode", s.Mode,
		"outcome", s.Outcome,
		"observed", observed,
		"duration", s.Duration,
	)

	c.mu.Lock()
	if c.cur == act {
		c.cur = nil
	}
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(lctx, -1)
	c.emit(Event{Kind: EventStateChanged, SessionID: s.ID, State: StateIdle})
}

// recordLearning feeds the finalized session into the pattern store when the
// user's text differs meaningfully from the refinement. Failed-refinement
// sessions never observe: the fallback text is not a real AI output to learn
// corrections against.
func (c *Coordinator) recordLearning(ctx context.Context, s Session, skipLearning bool) bool {
	if skipLearning || !c.learningEnabled() || s.Mode == types.ModeRaw || s.RefinementFailed {
		return false
	}
	if !c.decider.MeaningfulChange(s.RefinedText, s.FinalText) {
		return false
	}

	c.store.Observe(ctx, s.RefinedText, s.FinalText, s.Mode)
	c.metrics.PatternObservations.Add(ctx, 1)

	for _, sig := range learning.PreferenceSignals(s.RefinedText, s.FinalText) {
		c.store.ObservePreference(ctx, sig.Type, sig.Value)
	}
	return true
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// advance moves the session to the given state and reports whether the
// pipeline should keep going.
func (c *Coordinator) advance(act *active, state State) bool {
	c.mu.Lock()
	if act.cancelled || act.finalized {
		c.mu.Unlock()
		return false
	}
	act.s.State = state
	id := act.s.ID
	c.mu.Unlock()

	c.emit(Event{Kind: EventStateChanged, SessionID: id, State: state})
	return true
}

func (c *Coordinator) isCancelled(act *active) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return act.cancelled
}

func (c *Coordinator) withSession(act *active, fn func(*Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&act.s)
}

// fail aborts the session with a user-visible error and returns to idle.
func (c *Coordinator) fail(act *active, msg string, err error) {
	c.mu.Lock()
	if act.cancelled || act.finalized {
		c.mu.Unlock()
		return
	}
	act.finalized = true
	act.s.State = StateIdle
	id := act.s.ID
	if c.cur == act {
		c.cur = nil
	}
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(context.Background(), -1)
	c.logger.Error(msg, "id", id, "err", err)
	c.emit(Event{Kind: EventFailed, SessionID: id, Err: fmt.Sprintf("%s: %v", msg, err)})
	c.emit(Event{Kind: EventStateChanged, SessionID: id, State: StateIdle})
}

// emit sends ev without blocking, dropping it if the consumer is too far
// behind.
func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event dropped, consumer too slow", "kind", ev.Kind, "session", ev.SessionID)
	}
}
