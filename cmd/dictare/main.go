// Command dictare is the main entry point for the Dictare learning feedback
// engine: a local daemon that turns speech into refined text, learns from the
// user's corrections, and syncs the learned data to an optional cloud store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/nils-skog/dictare/internal/app"
	"github.com/nils-skog/dictare/internal/config"
	"github.com/nils-skog/dictare/internal/observe"
	"github.com/nils-skog/dictare/internal/resilience"
	"github.com/nils-skog/dictare/pkg/provider/ai"
	"github.com/nils-skog/dictare/pkg/provider/ai/anyllm"
	"github.com/nils-skog/dictare/pkg/provider/ai/openai"
	"github.com/nils-skog/dictare/pkg/provider/ai/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "dictare.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "dictare: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "dictare: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so config hot-reload can adjust it without
	// replacing the handler.
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("dictare starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "dictare",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	engine, err := app.New(ctx, cfg, providers, app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise engine", "err", err)
		return 1
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		engine.ApplyConfig(level, old, updated)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("engine ready — press Ctrl+C to shut down")

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := engine.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends are the refiner backends served through the any-llm client.
// They all share the same pattern: optional APIKey + optional BaseURL, except
// ollama which is a local server addressed purely by BaseURL.
var anyllmBackends = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── Transcribers ──────────────────────────────────────────────────────────

	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (ai.Transcriber, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		var topts []openai.TranscriberOption
		if lang := optString(entry.Options, "language"); lang != "" {
			topts = append(topts, openai.WithLanguage(lang))
		}
		if cfg.Session.SampleRate != 0 {
			topts = append(topts, openai.WithSampleRate(cfg.Session.SampleRate))
		}
		return openai.NewTranscriber(entry.APIKey, entry.Model, opts, topts...)
	})

	reg.RegisterTranscriber("whisper", func(entry config.ProviderEntry) (ai.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if cfg.Session.SampleRate != 0 {
			opts = append(opts, whisper.WithSampleRate(cfg.Session.SampleRate))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── Refiners ──────────────────────────────────────────────────────────────

	reg.RegisterRefiner("openai", func(entry config.ProviderEntry) (ai.Refiner, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		var ropts []openai.RefinerOption
		if temp, ok := optFloat(entry.Options, "temperature"); ok {
			ropts = append(ropts, openai.WithTemperature(temp))
		}
		return openai.NewRefiner(entry.APIKey, entry.Model, opts, ropts...)
	})

	for _, backend := range anyllmBackends {
		reg.RegisterRefiner(backend, func(entry config.ProviderEntry) (ai.Refiner, error) {
			var backendOpts []anyllmlib.Option
			if entry.APIKey != "" {
				backendOpts = append(backendOpts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				backendOpts = append(backendOpts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			var opts []anyllm.Option
			if temp, ok := optFloat(entry.Options, "temperature"); ok {
				opts = append(opts, anyllm.WithTemperature(temp))
			}
			return anyllm.New(backend, entry.Model, backendOpts, opts...)
		})
	}

	reg.RegisterRefiner("ollama", func(entry config.ProviderEntry) (ai.Refiner, error) {
		var backendOpts []anyllmlib.Option
		if entry.BaseURL != "" {
			backendOpts = append(backendOpts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, backendOpts)
	})
}

// fallbackConfig builds the shared failover settings: breaker trips surface
// as provider error metrics so an unhealthy primary is visible on /metrics.
func fallbackConfig(kind string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				if to == resilience.StateOpen {
					observe.DefaultMetrics().RecordProviderError(context.Background(), name, kind+"_breaker_open")
				}
			},
		},
	}
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the engine to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	name := cfg.Providers.Transcriber.Name
	t, err := reg.CreateTranscriber(cfg.Providers.Transcriber)
	if err != nil {
		return nil, fmt.Errorf("create transcriber %q: %w", name, err)
	}
	ps.Transcriber = t
	slog.Info("provider created", "kind", "transcriber", "name", name)

	if fbs := cfg.Providers.Transcriber.Fallbacks; len(fbs) > 0 {
		group := resilience.NewTranscriberFallback(t, name, fallbackConfig("transcriber"))
		for _, fb := range fbs {
			alt, err := reg.CreateTranscriber(fb)
			if err != nil {
				return nil, fmt.Errorf("create transcriber fallback %q: %w", fb.Name, err)
			}
			group.AddFallback(fb.Name, alt)
			slog.Info("provider fallback registered", "kind", "transcriber", "name", fb.Name)
		}
		ps.Transcriber = group
	}

	if name := cfg.Providers.Refiner.Name; name != "" {
		r, err := reg.CreateRefiner(cfg.Providers.Refiner)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("refiner not registered — sessions will run in raw mode", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create refiner %q: %w", name, err)
		} else {
			ps.Refiner = r
			slog.Info("provider created", "kind", "refiner", "name", name)
		}

		if fbs := cfg.Providers.Refiner.Fallbacks; ps.Refiner != nil && len(fbs) > 0 {
			group := resilience.NewRefinerFallback(ps.Refiner, name, fallbackConfig("refiner"))
			for _, fb := range fbs {
				alt, err := reg.CreateRefiner(fb)
				if err != nil {
					return nil, fmt.Errorf("create refiner fallback %q: %w", fb.Name, err)
				}
				group.AddFallback(fb.Name, alt)
				slog.Info("provider fallback registered", "kind", "refiner", "name", fb.Name)
			}
			ps.Refiner = group
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Dictare — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Transcriber", cfg.Providers.Transcriber.Name, cfg.Providers.Transcriber.Model)
	printProvider("Refiner", cfg.Providers.Refiner.Name, cfg.Providers.Refiner.Model)
	printSetting("Learning", fmt.Sprintf("%v", cfg.Learning.LearningEnabled()))
	if cfg.Storage.CloudDSN != "" {
		printSetting("Cloud sync", "enabled")
	} else {
		printSetting("Cloud sync", "(disabled)")
	}
	printSetting("Local store", cfg.Storage.LocalPath)
	if cfg.Server.ListenAddr != "" {
		printSetting("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printSetting(kind, value)
}

func printSetting(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a numeric value from a provider Options map[string]any.
// YAML decodes untagged numbers as int or float64 depending on their form.
func optFloat(opts map[string]any, key string) (float64, bool) {
	if opts == nil {
		return 0, false
	}
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
