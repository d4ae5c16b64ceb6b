package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"transcriber": {"openai", "whisper", "mock"},
	"refiner":     {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued tunables with their documented defaults.
func applyDefaults(cfg *Config) {
	l := &cfg.Learning
	if l.EMAAlpha == 0 {
		l.EMAAlpha = 0.2
	}
	if l.SeedConfidence == 0 {
		l.SeedConfidence = 0.3
	}
	if l.StalenessDays == 0 {
		l.StalenessDays = 30
	}
	if l.DecayFactor == 0 {
		l.DecayFactor = 0.98
	}
	if l.PruneFloor == 0 {
		l.PruneFloor = 0.05
	}
	if l.TrivialChangeThreshold == 0 {
		l.TrivialChangeThreshold = 0.1
	}

	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "dictare.db"
	}

	s := &cfg.Sync
	if s.FlushInterval == 0 {
		s.FlushInterval = 30 * time.Second
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 8
	}
	if s.BackoffBase == 0 {
		s.BackoffBase = 5 * time.Second
	}
	if s.BackoffCap == 0 {
		s.BackoffCap = 5 * time.Minute
	}

	if cfg.Session.StageTimeout == 0 {
		cfg.Session.StageTimeout = 60 * time.Second
	}
	if cfg.Session.SampleRate == 0 {
		cfg.Session.SampleRate = 16000
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("transcriber", cfg.Providers.Transcriber.Name)
	validateProviderName("refiner", cfg.Providers.Refiner.Name)
	for _, fb := range cfg.Providers.Transcriber.Fallbacks {
		validateProviderName("transcriber", fb.Name)
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("providers.transcriber fallback %q must not have fallbacks of its own", fb.Name))
		}
	}
	for _, fb := range cfg.Providers.Refiner.Fallbacks {
		validateProviderName("refiner", fb.Name)
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("providers.refiner fallback %q must not have fallbacks of its own", fb.Name))
		}
	}

	if cfg.Providers.Transcriber.Name == "" {
		errs = append(errs, errors.New("providers.transcriber.name is required"))
	}
	if cfg.Providers.Refiner.Name == "" {
		slog.Warn("no refiner provider configured; all sessions will run in raw mode")
	}

	// Learning tunables
	l := cfg.Learning
	if l.EMAAlpha <= 0 || l.EMAAlpha > 1 {
		errs = append(errs, fmt.Errorf("learning.ema_alpha %.3f is out of range (0, 1]", l.EMAAlpha))
	}
	if l.SeedConfidence < 0 || l.SeedConfidence > 1 {
		errs = append(errs, fmt.Errorf("learning.seed_confidence %.3f is out of range [0, 1]", l.SeedConfidence))
	}
	if l.StalenessDays < 0 {
		errs = append(errs, fmt.Errorf("learning.staleness_days %d must not be negative", l.StalenessDays))
	}
	if l.DecayFactor <= 0 || l.DecayFactor >= 1 {
		errs = append(errs, fmt.Errorf("learning.decay_factor %.3f is out of range (0, 1)", l.DecayFactor))
	}
	if l.PruneFloor < 0 || l.PruneFloor >= 1 {
		errs = append(errs, fmt.Errorf("learning.prune_floor %.3f is out of range [0, 1)", l.PruneFloor))
	}
	if l.TrivialChangeThreshold < 0 || l.TrivialChangeThreshold >= 1 {
		errs = append(errs, fmt.Errorf("learning.trivial_change_threshold %.3f is out of range [0, 1)", l.TrivialChangeThreshold))
	}

	// Storage
	if cfg.Storage.CloudDSN == "" {
		slog.Warn("storage.cloud_dsn is empty; learned patterns will not sync to the cloud")
	}

	// Sync
	if cfg.Sync.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("sync.max_attempts %d must be at least 1", cfg.Sync.MaxAttempts))
	}
	if cfg.Sync.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("sync.backoff_base %s must be positive", cfg.Sync.BackoffBase))
	}
	if cfg.Sync.BackoffCap < cfg.Sync.BackoffBase {
		errs = append(errs, fmt.Errorf("sync.backoff_cap %s must not be below sync.backoff_base %s", cfg.Sync.BackoffCap, cfg.Sync.BackoffBase))
	}
	if cfg.Sync.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync.flush_interval %s must be positive", cfg.Sync.FlushInterval))
	}

	// Session
	if cfg.Session.StageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.stage_timeout %s must be positive", cfg.Session.StageTimeout))
	}
	if cfg.Session.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("session.sample_rate %d must be positive", cfg.Session.SampleRate))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
