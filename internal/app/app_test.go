package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nils-skog/dictare/internal/config"
	"github.com/nils-skog/dictare/internal/session"
	cloudmock "github.com/nils-skog/dictare/pkg/cloudstore/mock"
	"github.com/nils-skog/dictare/pkg/provider/ai"
	aimock "github.com/nils-skog/dictare/pkg/provider/ai/mock"
	"github.com/nils-skog/dictare/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogError},
		Learning: config.LearningConfig{
			EMAAlpha:               0.2,
			SeedConfidence:         0.3,
			StalenessDays:          30,
			DecayFactor:            0.98,
			PruneFloor:             0.05,
			TrivialChangeThreshold: 0.1,
		},
		Storage: config.StorageConfig{
			LocalPath: filepath.Join(t.TempDir(), "dictare.db"),
		},
		Sync: config.SyncConfig{
			FlushInterval: time.Hour, // flushed explicitly in tests
			MaxAttempts:   3,
			BackoffBase:   time.Nanosecond,
			BackoffCap:    time.Nanosecond,
		},
		Session: config.SessionConfig{
			StageTimeout: 5 * time.Second,
			SampleRate:   16000,
		},
	}
}

func testProviders(refined string) *Providers {
	return &Providers{
		Transcriber: &aimock.Transcriber{
			TranscribeFunc: func(context.Context, []byte) (ai.Transcript, error) {
				return ai.Transcript{Text: "um so the meeting is moved to friday"}, nil
			},
		},
		Refiner: &aimock.Refiner{
			RefineFunc: func(context.Context, string, types.RefinementMode) (string, error) {
				return refined, nil
			},
		},
	}
}

// startEngine creates an engine on a fresh SQLite file with a mock cloud
// store and runs its background loops for the duration of the test.
func startEngine(t *testing.T, cfg *config.Config, providers *Providers) (*Engine, *cloudmock.Store) {
	t.Helper()
	cloud := cloudmock.New()

	e, err := New(context.Background(), cfg, providers,
		WithCloudStore(cloud),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := e.Run(ctx); err != nil {
			t.Errorf("Run() error = %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		shutdownCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})

	return e, cloud
}

func waitEngineEvent(t *testing.T, events <-chan session.Event, kind session.EventKind) session.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %q", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

func TestEngine_EndToEndEditReviewSession(t *testing.T) {
	e, cloud := startEngine(t, testConfig(t), testProviders("The meeting is moved to Friday."))

	events, unsubscribe := e.Subscribe()
	defer unsubscribe()

	id, err := e.StartSession("cleanup")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if err := e.StopSession(id, []byte("pcm audio")); err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}

	// The first significant refinement triggers a clarification prompt.
	prompt := waitEngineEvent(t, events, session.EventPromptRequested)
	if prompt.Outcome != types.OutcomeEditReview {
		t.Fatalf("first prompt outcome = %q, want editReview", prompt.Outcome)
	}

	final := "The meeting moved to Friday, see you there."
	if err := e.SubmitEditReview(id, final, false); err != nil {
		t.Fatalf("SubmitEditReview() error = %v", err)
	}
	ev := waitEngineEvent(t, events, session.EventFinalized)
	if ev.FinalText != final {
		t.Errorf("finalized text = %q, want %q", ev.FinalText, final)
	}

	patterns := e.Patterns()
	if len(patterns) != 1 {
		t.Fatalf("learned %d patterns, want 1", len(patterns))
	}
	if patterns[0].OriginalPhrase != "The meeting is moved to Friday." || patterns[0].CorrectedPhrase != final {
		t.Errorf("pattern = %+v, want refined→final pair", patterns[0])
	}
	if e.SessionCount() != 1 {
		t.Errorf("session count = %d, want 1", e.SessionCount())
	}

	// Flush the queued mutations to the cloud replica.
	if err := e.FlushSync(context.Background()); err != nil {
		t.Fatalf("FlushSync() error = %v", err)
	}
	if cloud.PatternCount() != 1 {
		t.Errorf("cloud holds %d patterns after flush, want 1", cloud.PatternCount())
	}
}

func TestEngine_ResetLearningReachesCloud(t *testing.T) {
	e, cloud := startEngine(t, testConfig(t), testProviders("Hello there."))

	ctx := context.Background()
	e.patterns.Observe(ctx, "Hello there.", "Hi there.", types.ModeMessaging)
	if err := e.FlushSync(ctx); err != nil {
		t.Fatalf("FlushSync() error = %v", err)
	}
	if cloud.PatternCount() != 1 {
		t.Fatalf("cloud holds %d patterns, want 1", cloud.PatternCount())
	}

	e.ResetLearning(ctx)
	if len(e.Patterns()) != 0 {
		t.Errorf("%d patterns remain after reset", len(e.Patterns()))
	}
	if err := e.FlushSync(ctx); err != nil {
		t.Fatalf("FlushSync() after reset error = %v", err)
	}
	if cloud.PatternCount() != 0 {
		t.Errorf("cloud holds %d patterns after reset flush, want 0", cloud.PatternCount())
	}
}

func TestEngine_PatternsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)
	providers := testProviders("Hello there.")

	cloud := cloudmock.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx := context.Background()
	e1, err := New(ctx, cfg, providers, WithCloudStore(cloud), WithLogger(logger))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	e1.patterns.Observe(ctx, "Hello there.", "Hi there.", types.ModeMessaging)
	if err := e1.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	e2, err := New(ctx, cfg, providers, WithCloudStore(cloud), WithLogger(logger))
	if err != nil {
		t.Fatalf("New() after restart error = %v", err)
	}
	defer e2.Shutdown(ctx) //nolint:errcheck

	if got := len(e2.Patterns()); got != 1 {
		t.Errorf("restarted engine loaded %d patterns, want 1", got)
	}
}

func TestEngine_ApplyConfigHotReload(t *testing.T) {
	cfg := testConfig(t)
	e, _ := startEngine(t, cfg, testProviders("Hello there."))

	if !e.learningOn.Load() {
		t.Fatal("learning disabled by default")
	}

	updated := *cfg
	disabled := false
	updated.Learning.Enabled = &disabled
	updated.Learning.TrivialChangeThreshold = 0.5

	level := new(slog.LevelVar)
	e.ApplyConfig(level, cfg, &updated)

	if e.learningOn.Load() {
		t.Error("learning still enabled after reload")
	}
}

func TestEngine_AdminAPI(t *testing.T) {
	e, _ := startEngine(t, testConfig(t), testProviders("Hello there."))

	mux := http.NewServeMux()
	e.registerRoutes(mux)

	t.Run("healthz", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET /healthz = %d, want 200", rec.Code)
		}
	})

	t.Run("status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /v1/status = %d, want 200", rec.Code)
		}
		var resp statusResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if !resp.LearningEnabled {
			t.Error("status reports learning disabled")
		}
	})

	t.Run("invalid mode rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{"mode":"shakespearean"}`))
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("POST /v1/sessions with bad mode = %d, want 400", rec.Code)
		}
	})

	t.Run("patterns listed", func(t *testing.T) {
		e.patterns.Observe(context.Background(), "Hello there.", "Hi there.", types.ModeMessaging)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/patterns", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /v1/patterns = %d, want 200", rec.Code)
		}
		var patterns []types.LearnedPattern
		if err := json.NewDecoder(rec.Body).Decode(&patterns); err != nil {
			t.Fatalf("decode patterns: %v", err)
		}
		if len(patterns) != 1 {
			t.Errorf("listed %d patterns, want 1", len(patterns))
		}
	})

	t.Run("sync flush", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/flush", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("POST /v1/sync/flush = %d, want 200", rec.Code)
		}
	})
}
