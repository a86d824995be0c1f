// Command meetscribe is the real-time audio-stream transcription mediator.
//
// One process serves one meeting: it accepts the bot's PCM audio over a
// WebSocket, streams it to the configured STT provider, routes transcripts
// back to subscribers and to per-session journals, and follows the meeting
// lifecycle via platform webhooks.
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

	"github.com/meetscribe/meetscribe/internal/app"
	"github.com/meetscribe/meetscribe/internal/config"
	"github.com/meetscribe/meetscribe/pkg/provider/stt"
	"github.com/meetscribe/meetscribe/pkg/provider/stt/assemblyai"
	"github.com/meetscribe/meetscribe/pkg/provider/stt/deepgram"
	"github.com/meetscribe/meetscribe/pkg/provider/stt/mock"
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
			fmt.Fprintf(os.Stderr, "meetscribe: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "meetscribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("meetscribe starting",
		"config", *configPath,
		"mode", cfg.Mode,
		"provider", cfg.Provider.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.CreateSTT(cfg.Provider)
	if err != nil {
		slog.Error("failed to create STT provider", "name", cfg.Provider.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Provider.Name)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, logger, *cfg, provider)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	// A provider init failure terminates the session; surface it to the
	// external bot-lifecycle supervisor through the exit code.
	if err := application.SessionErr(); err != nil {
		slog.Error("session ended with fatal error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the STT provider factories that ship with
// meetscribe into reg. Each factory receives a config.ProviderEntry and
// constructs the provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		if endpoint := optString(entry.Options, "endpoint"); endpoint != "" {
			opts = append(opts, deepgram.WithEndpoint(endpoint))
		}
		p, err := deepgram.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterSTT("assemblyai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []assemblyai.Option
		if endpoint := optString(entry.Options, "endpoint"); endpoint != "" {
			opts = append(opts, assemblyai.WithEndpoint(endpoint))
		}
		if v, ok := entry.Options["format_turns"].(bool); ok {
			opts = append(opts, assemblyai.WithFormatTurns(v))
		}
		p, err := assemblyai.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// The mock provider emits nothing; useful for wiring tests against a
	// live bot without provider credentials.
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &mock.Provider{}, nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	onOff := func(enabled bool) string {
		if enabled {
			return "enabled"
		}
		return "disabled"
	}
	format := cfg.Audio.Format()

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       meetscribe — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Mode        : %-23s║\n", cfg.Mode)
	fmt.Printf("║  Provider    : %-23s║\n", providerLabel(cfg.Provider))
	fmt.Printf("║  Listen      : %-23s║\n", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	fmt.Printf("║  Audio       : %-23s║\n", fmt.Sprintf("%d Hz / %d ch / %d bit", format.SampleRate, format.Channels, format.BitDepth))
	fmt.Printf("║  Journal     : %-23s║\n", onOff(cfg.Transcripts.Enabled))
	fmt.Printf("║  Recording   : %-23s║\n", onOff(cfg.Recording.Enabled))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(entry config.ProviderEntry) string {
	label := entry.Name
	if entry.Model != "" {
		label += " / " + entry.Model
	}
	if len(label) > 23 {
		label = label[:20] + "…"
	}
	return label
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

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
