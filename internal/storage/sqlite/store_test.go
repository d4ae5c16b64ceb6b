package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nils-skog/dictare/internal/storage/sqlite"
	"github.com/nils-skog/dictare/internal/syncq"
	"github.com/nils-skog/dictare/pkg/types"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dictare.db")
	s, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPatternRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	p := types.LearnedPattern{
		ID:              "p1",
		OriginalPhrase:  "gonna",
		CorrectedPhrase: "going to",
		Mode:            types.ModeEmail,
		OccurrenceCount: 3,
		Confidence:      0.42,
		LastUpdatedAt:   time.Now(),
	}
	if err := s.UpsertPattern(ctx, p); err != nil {
		t.Fatalf("UpsertPattern: %v", err)
	}

	got, err := s.LoadPatterns(ctx)
	if err != nil {
		t.Fatalf("LoadPatterns: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("LoadPatterns returned %d patterns, want 1", len(got))
	}
	if got[0].ID != p.ID || got[0].CorrectedPhrase != p.CorrectedPhrase ||
		got[0].Confidence != p.Confidence || got[0].Mode != p.Mode {
		t.Errorf("loaded pattern = %+v, want %+v", got[0], p)
	}

	// Upsert with the same ID replaces, not duplicates.
	p.Confidence = 0.5
	if err := s.UpsertPattern(ctx, p); err != nil {
		t.Fatalf("UpsertPattern update: %v", err)
	}
	got, _ = s.LoadPatterns(ctx)
	if len(got) != 1 || got[0].Confidence != 0.5 {
		t.Errorf("after update: %+v, want single pattern with confidence 0.5", got)
	}
}

func TestDeletePattern_MissingIsNotError(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if err := s.DeletePattern(context.Background(), "nope"); err != nil {
		t.Errorf("DeletePattern of missing ID: %v", err)
	}
}

func TestPreferenceUpsertByType(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	p := types.UserPreference{
		ID:            "pref1",
		Type:          types.PreferenceFormality,
		Value:         0.6,
		SampleCount:   2,
		LastUpdatedAt: time.Now(),
	}
	if err := s.UpsertPreference(ctx, p); err != nil {
		t.Fatalf("UpsertPreference: %v", err)
	}

	// Different ID, same type: must replace, not add.
	p.ID = "pref2"
	p.Value = 0.8
	if err := s.UpsertPreference(ctx, p); err != nil {
		t.Fatalf("UpsertPreference replace: %v", err)
	}

	got, err := s.LoadPreferences(ctx)
	if err != nil {
		t.Fatalf("LoadPreferences: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("LoadPreferences returned %d, want 1", len(got))
	}
	if got[0].Value != 0.8 || got[0].Type != types.PreferenceFormality {
		t.Errorf("preference = %+v, want value 0.8 for formality", got[0])
	}
}

func TestSessionCount(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.SessionCount(ctx)
	if err != nil {
		t.Fatalf("SessionCount: %v", err)
	}
	if n != 0 {
		t.Errorf("initial SessionCount = %d, want 0", n)
	}

	if err := s.SetSessionCount(ctx, 17); err != nil {
		t.Fatalf("SetSessionCount: %v", err)
	}
	n, _ = s.SessionCount(ctx)
	if n != 17 {
		t.Errorf("SessionCount = %d, want 17", n)
	}
}

func TestClear_LeavesJournalIntact(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.UpsertPattern(ctx, types.LearnedPattern{ID: "p1", LastUpdatedAt: time.Now()})
	_ = s.SetSessionCount(ctx, 5)
	op := syncq.Operation{
		ID:        "op1",
		Kind:      syncq.KindResetAll,
		Status:    syncq.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.AppendOperation(ctx, op); err != nil {
		t.Fatalf("AppendOperation: %v", err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	pats, _ := s.LoadPatterns(ctx)
	if len(pats) != 0 {
		t.Errorf("patterns after Clear = %d, want 0", len(pats))
	}
	n, _ := s.SessionCount(ctx)
	if n != 0 {
		t.Errorf("session count after Clear = %d, want 0", n)
	}
	ops, err := s.ListOperations(ctx)
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	if len(ops) != 1 {
		t.Errorf("journal after Clear = %d ops, want 1", len(ops))
	}
}

func TestJournalOrderingAndLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		op := syncq.Operation{
			ID:        id,
			Kind:      syncq.KindUpsertPattern,
			EntityID:  "p" + id,
			Payload:   []byte(`{}`),
			Status:    syncq.StatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.AppendOperation(ctx, op); err != nil {
			t.Fatalf("AppendOperation %s: %v", id, err)
		}
	}

	ops, err := s.ListOperations(ctx)
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("ListOperations returned %d, want 3", len(ops))
	}
	for i, want := range []string{"a", "b", "c"} {
		if ops[i].ID != want {
			t.Errorf("ops[%d].ID = %q, want %q", i, ops[i].ID, want)
		}
	}

	// Update lifecycle fields.
	upd := ops[1]
	upd.Attempts = 3
	upd.Status = syncq.StatusFailed
	upd.LastError = "boom"
	upd.NextAttemptAt = base.Add(time.Minute)
	if err := s.UpdateOperation(ctx, upd); err != nil {
		t.Fatalf("UpdateOperation: %v", err)
	}
	ops, _ = s.ListOperations(ctx)
	if ops[1].Attempts != 3 || ops[1].Status != syncq.StatusFailed || ops[1].LastError != "boom" {
		t.Errorf("updated op = %+v", ops[1])
	}
	if ops[1].NextAttemptAt.IsZero() {
		t.Error("NextAttemptAt was not persisted")
	}

	if err := s.RemoveOperation(ctx, "a"); err != nil {
		t.Fatalf("RemoveOperation: %v", err)
	}
	ops, _ = s.ListOperations(ctx)
	if len(ops) != 2 || ops[0].ID != "b" {
		t.Errorf("after remove: %+v", ops)
	}

	if err := s.ClearOperations(ctx); err != nil {
		t.Fatalf("ClearOperations: %v", err)
	}
	ops, _ = s.ListOperations(ctx)
	if len(ops) != 0 {
		t.Errorf("after ClearOperations: %d ops, want 0", len(ops))
	}
}

func TestReopenPersists(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dictare.db")
	ctx := context.Background()

	s, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.UpsertPattern(ctx, types.LearnedPattern{ID: "p1", OriginalPhrase: "u", CorrectedPhrase: "you", LastUpdatedAt: time.Now()})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.LoadPatterns(ctx)
	if err != nil {
		t.Fatalf("LoadPatterns after reopen: %v", err)
	}
	if len(got) != 1 || got[0].CorrectedPhrase != "you" {
		t.Errorf("patterns after reopen = %+v", got)
	}
}
