// Command polyvox runs the real-time multilingual broadcast server.
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

	"github.com/polyvox/polyvox/internal/app"
	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/observe"
	"github.com/polyvox/polyvox/pkg/provider/asr"
	asraws "github.com/polyvox/polyvox/pkg/provider/asr/aws"
	asrmock "github.com/polyvox/polyvox/pkg/provider/asr/mock"
	"github.com/polyvox/polyvox/pkg/provider/translate"
	translateaws "github.com/polyvox/polyvox/pkg/provider/translate/aws"
	translatemock "github.com/polyvox/polyvox/pkg/provider/translate/mock"
	translateopenai "github.com/polyvox/polyvox/pkg/provider/translate/openai"
	"github.com/polyvox/polyvox/pkg/provider/tts"
	ttsaws "github.com/polyvox/polyvox/pkg/provider/tts/aws"
	ttsmock "github.com/polyvox/polyvox/pkg/provider/tts/mock"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "polyvox: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "polyvox: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server)
	slog.SetDefault(logger)

	slog.Info("polyvox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"store_driver", string(cfg.Store.Driver),
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "polyvox",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// Keep the config watcher alive for hot reloads of partial-gating flags;
	// new sessions observe the flag changes, running ones do not.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		slog.Info("configuration reloaded", "diff", config.Diff(old, new))
	})
	if err != nil {
		slog.Warn("config watcher unavailable, hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	application, err := app.New(ctx, cfg, app.WrapFallbacks(providers, cfg), logger)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	application.Shutdown()
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires the provider factories that ship in tree.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages. The mock providers are registered
// for local development without cloud credentials.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	reg.RegisterASR("aws", func(entry config.ProviderEntry) (asr.Provider, error) {
		return asraws.New(ctx, entry.Region)
	})
	reg.RegisterASR("mock", func(config.ProviderEntry) (asr.Provider, error) {
		return &asrmock.Provider{}, nil
	})

	reg.RegisterTranslate("aws", func(entry config.ProviderEntry) (translate.Provider, error) {
		return translateaws.New(ctx, entry.Region)
	})
	reg.RegisterTranslate("openai", func(entry config.ProviderEntry) (translate.Provider, error) {
		var opts []translateopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, translateopenai.WithBaseURL(entry.BaseURL))
		}
		return translateopenai.New(entry.APIKey, entry.Model, opts...)
	})
	reg.RegisterTranslate("mock", func(config.ProviderEntry) (translate.Provider, error) {
		return &translatemock.Provider{}, nil
	})

	reg.RegisterTTS("aws", func(entry config.ProviderEntry) (tts.Provider, error) {
		return ttsaws.New(ctx, entry.Region)
	})
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})
}

// buildProviders instantiates the providers named in cfg and returns them in
// an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error

	if ps.ASR, err = reg.CreateASR(cfg.Providers.ASR); err != nil {
		return nil, fmt.Errorf("create asr provider %q: %w", cfg.Providers.ASR.Name, err)
	}
	slog.Info("provider created", "kind", "asr", "name", cfg.Providers.ASR.Name)

	if ps.Translate, err = reg.CreateTranslate(cfg.Providers.Translate); err != nil {
		return nil, fmt.Errorf("create translate provider %q: %w", cfg.Providers.Translate.Name, err)
	}
	slog.Info("provider created", "kind", "translate", "name", cfg.Providers.Translate.Name)

	if ps.TTS, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	return ps, nil
}

func newLogger(cfg config.ServerConfig) *slog.Logger {
	var lvl slog.Level
	switch cfg.LogLevel {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
