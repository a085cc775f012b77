// Command skald is the real-time speech transcription server.
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

	"github.com/skaldlabs/skald/internal/app"
	"github.com/skaldlabs/skald/internal/config"
	"github.com/skaldlabs/skald/internal/observe"
	"github.com/skaldlabs/skald/pkg/provider/asr"
	asropenai "github.com/skaldlabs/skald/pkg/provider/asr/openai"
	asrsherpa "github.com/skaldlabs/skald/pkg/provider/asr/sherpa"
	asrwhisper "github.com/skaldlabs/skald/pkg/provider/asr/whisper"
	"github.com/skaldlabs/skald/pkg/provider/llm"
	"github.com/skaldlabs/skald/pkg/provider/llm/anyllm"
	"github.com/skaldlabs/skald/pkg/provider/speaker"
	spksherpa "github.com/skaldlabs/skald/pkg/provider/speaker/sherpa"
	"github.com/skaldlabs/skald/pkg/provider/vad"
	"github.com/skaldlabs/skald/pkg/provider/vad/energy"
	vadsherpa "github.com/skaldlabs/skald/pkg/provider/vad/sherpa"
)

// shutdownTimeout bounds the graceful drain after a termination signal.
const shutdownTimeout = 15 * time.Second

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
			fmt.Fprintf(os.Stderr, "skald: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "skald: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("skald starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "skald"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry + application ───────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	printStartupSummary(cfg)

	application, err := app.New(cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(application, logLevel, old, new)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyConfigChange hot-applies what is safe to hot-apply and logs what needs
// a restart.
func applyConfigChange(application *app.App, level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PipelineChanged {
		application.ApplyPipeline(new.Pipeline)
		slog.Info("pipeline config reloaded", "keys", d.PipelineKeys)
	}
	if d.ProvidersChanged || d.RecapChanged {
		slog.Warn("provider or recap changes require a restart to take effect")
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in model factories into reg. Each
// factory receives a config.ProviderEntry and constructs the backend from the
// real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("sherpa-asr", func(entry config.ProviderEntry) (asr.Model, error) {
		tokens, _ := entry.OptionString("tokens")
		var opts []asrsherpa.Option
		if lang, ok := entry.OptionString("language"); ok {
			opts = append(opts, asrsherpa.WithLanguage(lang))
		}
		if n, ok := entry.OptionInt("num_threads"); ok {
			opts = append(opts, asrsherpa.WithNumThreads(n))
		}
		return asrsherpa.New(entry.Model, tokens, opts...)
	})

	reg.RegisterASR("whisper-asr", func(entry config.ProviderEntry) (asr.Model, error) {
		var opts []asrwhisper.Option
		if lang, ok := entry.OptionString("language"); ok {
			opts = append(opts, asrwhisper.WithLanguage(lang))
		}
		return asrwhisper.New(entry.Model, opts...)
	})

	reg.RegisterASR("openai-asr", func(entry config.ProviderEntry) (asr.Model, error) {
		var opts []asropenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, asropenai.WithBaseURL(entry.BaseURL))
		}
		return asropenai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy-vad", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	reg.RegisterVAD("sherpa-vad", func(entry config.ProviderEntry) (vad.Engine, error) {
		return vadsherpa.New(entry.Model)
	})

	// ── Speaker ───────────────────────────────────────────────────────────────

	reg.RegisterSpeaker("sherpa-speaker", func(entry config.ProviderEntry) (speaker.Model, error) {
		var opts []spksherpa.Option
		if n, ok := entry.OptionInt("num_threads"); ok {
			opts = append(opts, spksherpa.WithNumThreads(n))
		}
		return spksherpa.New(entry.Model, opts...)
	})

	// ── LLM (recap) ───────────────────────────────────────────────────────────

	reg.RegisterLLM("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		backend, ok := entry.OptionString("provider")
		if !ok {
			backend = "openai"
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	for _, entry := range cfg.Providers {
		slog.Info("configured provider", "name", entry.Name, "model", entry.Model)
	}
	if cfg.Recap.Enabled {
		slog.Info("recap enabled", "provider", cfg.Recap.Provider.Name, "model", cfg.Recap.Provider.Model)
	}
	p := cfg.Pipeline.Session()
	slog.Info("pipeline settings",
		"sample_rate", p.SampleRate,
		"workers", p.WorkerPoolSize,
		"inference_timeout_ms", p.InferenceTimeoutMs,
		"pause_threshold_ms", p.PauseThresholdMs,
	)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger with a mutable level so the config
// watcher can hot-apply log level changes.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(slogLevel(level))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
	return logger, lv
}

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
