package config_test

import (
	"errors"
	"testing"

	"github.com/nils-skog/dictare/internal/config"
	"github.com/nils-skog/dictare/pkg/provider/ai"
	aimock "github.com/nils-skog/dictare/pkg/provider/ai/mock"
)

func TestRegistry_CreateTranscriber(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterTranscriber("mock", func(entry config.ProviderEntry) (ai.Transcriber, error) {
		return &aimock.Transcriber{}, nil
	})

	tr, err := reg.CreateTranscriber(config.ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateTranscriber: %v", err)
	}
	if tr == nil {
		t.Fatal("CreateTranscriber returned nil provider")
	}
}

func TestRegistry_UnregisteredName(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	_, err := reg.CreateRefiner(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateRefiner error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_EntryReachesFactory(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotModel string
	reg.RegisterRefiner("mock", func(entry config.ProviderEntry) (ai.Refiner, error) {
		gotModel = entry.Model
		return &aimock.Refiner{}, nil
	})

	if _, err := reg.CreateRefiner(config.ProviderEntry{Name: "mock", Model: "m1"}); err != nil {
		t.Fatalf("CreateRefiner: %v", err)
	}
	if gotModel != "m1" {
		t.Errorf("factory received model %q, want %q", gotModel, "m1")
	}
}
