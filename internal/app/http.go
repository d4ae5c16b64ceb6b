package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nils-skog/dictare/internal/health"
	"github.com/nils-skog/dictare/internal/observe"
	"github.com/nils-skog/dictare/internal/session"
	"github.com/nils-skog/dictare/internal/syncq"
)

// maxAudioBytes bounds the audio payload accepted by the stop endpoint.
// 10 minutes of 16 kHz 16-bit mono PCM is about 19 MiB, so 32 MiB leaves
// headroom for WAV headers and higher sample rates.
const maxAudioBytes = 32 << 20

// serveHTTP runs the admin HTTP server until ctx is cancelled.
func (e *Engine) serveHTTP(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	e.registerRoutes(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(e.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn("http shutdown error", "err", err)
		}
	}()

	e.logger.Info("admin server listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: admin server: %w", err)
	}
	return nil
}

// registerRoutes attaches the admin API to mux.
func (e *Engine) registerRoutes(mux *http.ServeMux) {
	checkers := []health.Checker{
		{Name: "local_store", Check: e.local.Ping},
	}
	if e.queue != nil {
		checkers = append(checkers, health.Checker{Name: "cloud_sync", Check: e.checkSync})
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/status", e.handleStatus)
	mux.HandleFunc("GET /v1/events", e.handleEvents)

	mux.HandleFunc("POST /v1/sessions", e.handleStartSession)
	mux.HandleFunc("GET /v1/sessions/current", e.handleCurrentSession)
	mux.HandleFunc("POST /v1/sessions/{id}/stop", e.handleStopSession)
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", e.handleCancelSession)
	mux.HandleFunc("POST /v1/sessions/{id}/edit", e.handleEditReview)
	mux.HandleFunc("POST /v1/sessions/{id}/choice", e.handleABChoice)

	mux.HandleFunc("GET /v1/patterns", e.handleListPatterns)
	mux.HandleFunc("DELETE /v1/patterns/{id}", e.handleDeletePattern)
	mux.HandleFunc("POST /v1/learning/reset", e.handleResetLearning)
	mux.HandleFunc("GET /v1/preferences", e.handleListPreferences)

	mux.HandleFunc("POST /v1/sync/flush", e.handleSyncFlush)
	mux.HandleFunc("GET /v1/sync/failed", e.handleSyncFailed)
	mux.HandleFunc("POST /v1/sync/failed/{id}/retry", e.handleSyncRetry)
	mux.HandleFunc("DELETE /v1/sync/failed", e.handleSyncClear)
}

// checkSync reports an error while the cloud store is unreachable.
func (e *Engine) checkSync(context.Context) error {
	if st := e.queue.Status(); st.State == syncq.StateOffline {
		return fmt.Errorf("cloud store unreachable: %s", st.Message)
	}
	return nil
}

// ─── Status + events ─────────────────────────────────────────────────────────

// statusResponse is the GET /v1/status body.
type statusResponse struct {
	Session         *session.Session `json:"session,omitempty"`
	Sync            syncq.SyncStatus `json:"sync"`
	LearningEnabled bool             `json:"learning_enabled"`
	LearningQuality string           `json:"learning_quality"`
	SessionCount    int              `json:"session_count"`
	PatternCount    int              `json:"pattern_count"`
}

func (e *Engine) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Sync:            e.SyncStatus(),
		LearningEnabled: e.learningOn.Load(),
		LearningQuality: string(e.LearningQuality()),
		SessionCount:    e.SessionCount(),
		PatternCount:    len(e.Patterns()),
	}
	if s, ok := e.ActiveSession(); ok {
		resp.Session = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams coordinator events as server-sent events. This is the
// channel the desktop shell listens on for prompts and finalized text.
func (e *Engine) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := e.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				e.logger.Warn("failed to encode event", "err", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

// ─── Sessions ────────────────────────────────────────────────────────────────

type startSessionRequest struct {
	Mode string `json:"mode"`
}

type startSessionResponse struct {
	ID string `json:"id"`
}

func (e *Engine) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	id, err := e.StartSession(req.Mode)
	if err != nil {
		writeError(w, sessionErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, startSessionResponse{ID: id})
}

func (e *Engine) handleCurrentSession(w http.ResponseWriter, _ *http.Request) {
	s, ok := e.ActiveSession()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no active session"))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// handleStopSession accepts the raw captured audio as the request body.
func (e *Engine) handleStopSession(w http.ResponseWriter, r *http.Request) {
	audio, err := io.ReadAll(io.LimitReader(r.Body, maxAudioBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read audio: %w", err))
		return
	}
	if err := e.StopSession(r.PathValue("id"), audio); err != nil {
		writeError(w, sessionErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (e *Engine) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if err := e.CancelSession(r.PathValue("id")); err != nil {
		writeError(w, sessionErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type editReviewRequest struct {
	FinalText    string `json:"final_text"`
	SkipLearning bool   `json:"skip_learning"`
}

func (e *Engine) handleEditReview(w http.ResponseWriter, r *http.Request) {
	var req editReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := e.SubmitEditReview(r.PathValue("id"), req.FinalText, req.SkipLearning); err != nil {
		writeError(w, sessionErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type abChoiceRequest struct {
	Text string `json:"text"`
}

func (e *Engine) handleABChoice(w http.ResponseWriter, r *http.Request) {
	var req abChoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := e.SubmitABChoice(r.PathValue("id"), req.Text); err != nil {
		writeError(w, sessionErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ─── Learning data ───────────────────────────────────────────────────────────

func (e *Engine) handleListPatterns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, e.Patterns())
}

func (e *Engine) handleDeletePattern(w http.ResponseWriter, r *http.Request) {
	e.DeletePattern(r.Context(), r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handleResetLearning(w http.ResponseWriter, r *http.Request) {
	e.ResetLearning(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handleListPreferences(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, e.Preferences())
}

// ─── Sync ────────────────────────────────────────────────────────────────────

func (e *Engine) handleSyncFlush(w http.ResponseWriter, r *http.Request) {
	e.NotifyOnline()
	if err := e.FlushSync(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, e.SyncStatus())
}

func (e *Engine) handleSyncFailed(w http.ResponseWriter, _ *http.Request) {
	ops := e.FailedSyncOps()
	if ops == nil {
		ops = []syncq.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (e *Engine) handleSyncRetry(w http.ResponseWriter, r *http.Request) {
	if err := e.RetrySyncOp(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (e *Engine) handleSyncClear(w http.ResponseWriter, r *http.Request) {
	if err := e.ClearFailedSyncOps(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// sessionErrorStatus maps coordinator errors onto HTTP status codes.
func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
