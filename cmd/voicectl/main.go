// Command voicectl serves voice-controlled sessions over HTTP: clients send
// recognised words (or raw audio) and receive the resulting control events.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	cli "github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/voicectl/internal/app"
	"github.com/MrWong99/voicectl/internal/config"
	"github.com/MrWong99/voicectl/internal/observe"
	"github.com/MrWong99/voicectl/internal/web"
	"github.com/MrWong99/voicectl/pkg/provider/llm"
	"github.com/MrWong99/voicectl/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voicectl/pkg/provider/stt"
	"github.com/MrWong99/voicectl/pkg/provider/stt/deepgram"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := cli.StringP("config", "c", "config.yaml", "path to the YAML configuration file")
	envFile := cli.StringP("env", "e", ".env", "dotenv file loaded before the config")
	listen := cli.StringP("listen", "l", "", "listen address, overrides server.listen_addr")
	origins := cli.StringSlice("allow-origin", nil, "extra origin patterns allowed to open websockets")
	cli.Parse()

	// A missing .env is normal outside development.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voicectl: load %s: %v\n", *envFile, err)
		return 1
	}

	cfg, watcher, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicectl: %v\n", err)
		return 1
	}
	if *listen != "" {
		// Copy so the watcher keeps comparing file contents on reload.
		c := *cfg
		c.Server.ListenAddr = *listen
		cfg = &c
	}

	level := new(slog.LevelVar)
	lvl, err := observe.ParseLevel(string(cfg.Server.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicectl: %v\n", err)
		return 1
	}
	level.Set(lvl)
	handler, err := observe.NewHandler(os.Stderr, string(cfg.Server.LogFormat), level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicectl: %v\n", err)
		return 1
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("voicectl starting",
		"version", version,
		"config", *configPath,
		"watching", watcher != nil,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	opts := []app.Option{app.WithMetrics(metrics), app.WithLevel(level)}
	if watcher != nil {
		opts = append(opts, app.WithWatcher(watcher))
	}
	application, err := app.New(cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	srv := web.New(application.Sessions(),
		web.WithHealth(application.Health()),
		web.WithMetrics(metrics),
		web.WithOriginPatterns(*origins...),
	)

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx, srv.Handler()); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// loadConfig watches the file at path for changes when it exists. Without a
// file the defaults (plus environment overrides) apply and nothing is
// watched.
func loadConfig(path string) (*config.Config, *config.Watcher, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg, err := config.Default()
		return cfg, nil, err
	}
	w, err := config.NewWatcher(path, nil)
	if err != nil {
		return nil, nil, err
	}
	return w.Current(), w, nil
}

// registerBuiltinProviders wires the provider factories that ship with
// voicectl into reg.
func registerBuiltinProviders(reg *config.Registry) {
	for _, name := range anyllm.Backends {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			// ollama is a local server addressed by BaseURL only.
			if entry.APIKey != "" && name != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(name, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if rate := entry.OptionInt("sample_rate", 0); rate > 0 {
			opts = append(opts, deepgram.WithSampleRate(rate))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		p, err := deepgram.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	slog.Debug("registered providers", "llm", reg.LLMNames(), "stt", []string{"deepgram"})
}

// buildProviders instantiates the providers named in cfg. A name without a
// registered factory is skipped so the matching feature stays disabled.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("unknown provider, assistant disabled", "kind", "llm", "name", name)
		case err != nil:
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		default:
			ps.LLM = p
			slog.Info("provider created", "kind", "llm", "name", name, "model", cfg.Providers.LLM.Model)
		}
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("unknown provider, audio input disabled", "kind", "stt", "name", name)
		case err != nil:
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		default:
			ps.STT = p
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}

	return ps, nil
}
