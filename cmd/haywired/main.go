// Command haywired is the Haywire station daemon: it keeps the playout
// engine's queues fed, generates and schedules hourly breaks, exports the
// public now-playing snapshot and serves the SSE push endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/haywire-radio/haywire/internal/app"
	"github.com/haywire-radio/haywire/internal/chain"
	"github.com/haywire-radio/haywire/internal/config"
	"github.com/haywire-radio/haywire/internal/observe"
	"github.com/haywire-radio/haywire/pkg/provider/script"
	scriptanyllm "github.com/haywire-radio/haywire/pkg/provider/script/anyllm"
	scriptopenai "github.com/haywire-radio/haywire/pkg/provider/script/openai"
	"github.com/haywire-radio/haywire/pkg/provider/voice"
	voiceelevenlabs "github.com/haywire-radio/haywire/pkg/provider/voice/elevenlabs"
	voiceopenai "github.com/haywire-radio/haywire/pkg/provider/voice/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "haywired: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "haywired: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("haywired starting",
		"config", *configPath,
		"station", cfg.Station.Name,
		"base", cfg.Paths.Base,
		"log_level", cfg.LogLevel,
	)

	// ── Single-instance lock ──────────────────────────────────────────────────
	// Two daemons against one station tree would double-schedule breaks and
	// race on next.mp3, so refuse to start while another holds the lock.
	if err := os.MkdirAll(cfg.Paths.StateDir(), 0o755); err != nil {
		slog.Error("prepare state dir", "err", err)
		return 1
	}
	lock := flock.New(filepath.Join(cfg.Paths.StateDir(), "haywired.lock"))
	held, err := lock.TryLock()
	if err != nil {
		slog.Error("acquire daemon lock", "err", err)
		return 1
	}
	if !held {
		slog.Error("another haywired is already running against this base path", "base", cfg.Paths.Base)
		return 1
	}
	defer lock.Unlock()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "haywired",
	})
	if err != nil {
		slog.Error("init telemetry", "err", err)
		return 1
	}

	// ── Provider chains ───────────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, providers, logger)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("station ready — press Ctrl+C to shut down")

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Close(); err != nil {
		slog.Warn("close error", "err", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if runErr != nil {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders constructs the script and voice fallback chains from the
// ordered provider lists in cfg. Entries are tried in list order at
// generation time; the first healthy provider wins.
func buildProviders(cfg *config.Config) (app.Providers, error) {
	scripts := chain.New[script.Provider]("script")
	for _, entry := range cfg.Providers.Script {
		p, err := buildScriptProvider(entry)
		if err != nil {
			return app.Providers{}, fmt.Errorf("create script provider %q: %w", entry.Name, err)
		}
		scripts.Add(entry.Name, p)
		slog.Info("provider created", "kind", "script", "name", entry.Name, "backend", entry.Provider)
	}

	voices := chain.New[voice.Provider]("voice")
	for _, entry := range cfg.Providers.Voice {
		p, err := buildVoiceProvider(entry)
		if err != nil {
			return app.Providers{}, fmt.Errorf("create voice provider %q: %w", entry.Name, err)
		}
		voices.Add(entry.Name, p)
		slog.Info("provider created", "kind", "voice", "name", entry.Name, "backend", entry.Provider)
	}

	return app.Providers{Scripts: scripts, Voices: voices}, nil
}

func buildScriptProvider(entry config.ProviderEntry) (script.Provider, error) {
	switch entry.Provider {
	case "openai":
		var opts []scriptopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, scriptopenai.WithBaseURL(entry.BaseURL))
		}
		return scriptopenai.New(entry.Name, entry.APIKey, entry.Model, opts...)
	default:
		// Everything else routes through any-llm's backend registry:
		// anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp,
		// llamafile. Unknown backends fail here at startup.
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return scriptanyllm.New(entry.Name, entry.Provider, entry.Model, opts...)
	}
}

func buildVoiceProvider(entry config.ProviderEntry) (voice.Provider, error) {
	switch entry.Provider {
	case "elevenlabs":
		var opts []voiceelevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, voiceelevenlabs.WithModel(entry.Model))
		}
		return voiceelevenlabs.New(entry.Name, entry.APIKey, entry.VoiceID, opts...)
	case "openai":
		var opts []voiceopenai.Option
		if entry.Model != "" {
			opts = append(opts, voiceopenai.WithModel(entry.Model))
		}
		return voiceopenai.New(entry.Name, entry.APIKey, entry.VoiceID, opts...)
	default:
		return nil, fmt.Errorf("unsupported voice backend %q; supported: elevenlabs, openai", entry.Provider)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Haywire — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Station", cfg.Station.Name)
	printRow("Timezone", cfg.Station.Timezone)
	printRow("Engine socket", filepath.Base(cfg.Engine.Socket))
	printRow("Script chain", chainSummary(cfg.Providers.Script))
	printRow("Voice chain", chainSummary(cfg.Providers.Voice))
	printRow("News feeds", fmt.Sprintf("%d", len(cfg.News.Feeds)))
	printRow("Push listen", cfg.Push.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func chainSummary(entries []config.ProviderEntry) string {
	if len(entries) == 0 {
		return "(not configured)"
	}
	s := entries[0].Name
	if len(entries) > 1 {
		s = fmt.Sprintf("%s +%d fallback", s, len(entries)-1)
	}
	return s
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s   : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
