package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LearningChanged is true if any learning tunable changed.
	LearningChanged bool
	NewLearning     LearningConfig

	// SyncChanged is true if any sync retry/flush setting changed.
	SyncChanged bool
	NewSync     SyncConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; provider and
// storage changes require a restart and are intentionally ignored here.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !learningEqual(old.Learning, new.Learning) {
		d.LearningChanged = true
		d.NewLearning = new.Learning
	}

	if old.Sync != new.Sync {
		d.SyncChanged = true
		d.NewSync = new.Sync
	}

	return d
}

// learningEqual compares two learning configs field by field. LearningConfig
// holds a pointer (Enabled) so struct equality does not apply.
func learningEqual(a, b LearningConfig) bool {
	return a.LearningEnabled() == b.LearningEnabled() &&
		a.EMAAlpha == b.EMAAlpha &&
		a.SeedConfidence == b.SeedConfidence &&
		a.StalenessDays == b.StalenessDays &&
		a.DecayFactor == b.DecayFactor &&
		a.PruneFloor == b.PruneFloor &&
		a.TrivialChangeThreshold == b.TrivialChangeThreshold
}
