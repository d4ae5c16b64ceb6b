package config_test

import (
	"testing"

	"github.com/nils-skog/dictare/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Learning: config.LearningConfig{
			EMAAlpha:               0.2,
			SeedConfidence:         0.3,
			StalenessDays:          30,
			DecayFactor:            0.98,
			PruneFloor:             0.05,
			TrivialChangeThreshold: 0.1,
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	d := config.Diff(old, new)
	if d.LogLevelChanged || d.LearningChanged || d.SyncChanged {
		t.Errorf("Diff of identical configs reported changes: %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged = false, want true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want %q", d.NewLogLevel, config.LogDebug)
	}
}

func TestDiff_LearningTunable(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Learning.EMAAlpha = 0.5

	d := config.Diff(old, new)
	if !d.LearningChanged {
		t.Fatal("LearningChanged = false, want true")
	}
	if d.NewLearning.EMAAlpha != 0.5 {
		t.Errorf("NewLearning.EMAAlpha = %v, want 0.5", d.NewLearning.EMAAlpha)
	}
}

func TestDiff_LearningEnabledToggle(t *testing.T) {
	t.Parallel()
	off := false
	old, new := baseConfig(), baseConfig()
	new.Learning.Enabled = &off

	d := config.Diff(old, new)
	if !d.LearningChanged {
		t.Error("LearningChanged = false, want true when learning is toggled off")
	}
}

func TestDiff_EnabledPointerVsDefault(t *testing.T) {
	t.Parallel()
	on := true
	old, new := baseConfig(), baseConfig()
	// nil Enabled and explicit true are semantically identical.
	new.Learning.Enabled = &on

	d := config.Diff(old, new)
	if d.LearningChanged {
		t.Error("LearningChanged = true for nil vs explicit true, want false")
	}
}
