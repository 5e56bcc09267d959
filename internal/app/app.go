// Package app wires all subsystems into a running broadcast service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithValidator, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"golang.org/x/sync/errgroup"

	asrmanager "github.com/polyvox/polyvox/internal/asr"
	"github.com/polyvox/polyvox/internal/auth"
	"github.com/polyvox/polyvox/internal/broadcast"
	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/control"
	"github.com/polyvox/polyvox/internal/fanout"
	"github.com/polyvox/polyvox/internal/health"
	"github.com/polyvox/polyvox/internal/lifetime"
	"github.com/polyvox/polyvox/internal/observe"
	"github.com/polyvox/polyvox/internal/partial"
	"github.com/polyvox/polyvox/internal/ratelimit"
	"github.com/polyvox/polyvox/internal/resilience"
	"github.com/polyvox/polyvox/internal/server"
	"github.com/polyvox/polyvox/internal/session"
	"github.com/polyvox/polyvox/internal/store"
	"github.com/polyvox/polyvox/internal/store/dynamo"
	"github.com/polyvox/polyvox/internal/store/memory"
	"github.com/polyvox/polyvox/internal/store/postgres"
	"github.com/polyvox/polyvox/internal/synth"
	"github.com/polyvox/polyvox/internal/translate"
	asrprov "github.com/polyvox/polyvox/pkg/provider/asr"
	translateprov "github.com/polyvox/polyvox/pkg/provider/translate"
	ttsprov "github.com/polyvox/polyvox/pkg/provider/tts"
	"github.com/polyvox/polyvox/pkg/types"
)

// sweepInterval is the cadence of the partial-buffer sweeper. Finer than the
// buffer timeout so timed-out partials do not sit idle.
const sweepInterval = time.Second

// Providers holds one interface value per pipeline stage. Populated by
// main.go via the config registry.
type Providers struct {
	ASR       asrprov.Provider
	Translate translateprov.Provider
	TTS       ttsprov.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observe.Metrics

	store       store.Store
	registry    *session.Registry
	connections *session.Connections
	limiter     *ratelimit.Limiter
	validator   auth.Validator
	hub         *server.Hub
	router      *control.Router
	tracker     *lifetime.Tracker
	asr         *asrmanager.Manager
	partials    *partial.Handler
	orch        *fanout.Orchestrator
	server      *server.Server

	// srv backs the dynamics lookup handed to the fan-out orchestrator
	// before the server exists.
	srv atomic.Pointer[server.Server]

	// closers run in order during Shutdown.
	closers []func()

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of creating one from config.
func WithStore(st store.Store) Option {
	return func(a *App) { a.store = st }
}

// WithValidator injects a token validator instead of building the JWKS one.
func WithValidator(v auth.Validator) Option {
	return func(a *App) { a.validator = v }
}

// WithMetrics injects a metrics sink instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go, already wrapped in whatever fallback chain the
// deployment configures.
func New(ctx context.Context, cfg *config.Config, providers *Providers, logger *slog.Logger, opts ...Option) (*App, error) {
	if providers == nil || providers.ASR == nil || providers.Translate == nil || providers.TTS == nil {
		return nil, fmt.Errorf("app: asr, translate and tts providers are all required")
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if a.store == nil {
		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		a.store = st
	}
	if a.validator == nil {
		v, err := auth.NewJWKSValidator(cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.JWKSURL,
			time.Duration(cfg.Auth.KeyCacheTTLSeconds)*time.Second)
		if err != nil {
			return nil, fmt.Errorf("app: building token validator: %w", err)
		}
		a.validator = v
	}

	a.registry = session.NewRegistry(a.store, cfg.Session, logger)
	a.connections = session.NewConnections(a.store, a.registry, logger)
	a.limiter = ratelimit.New(a.store, cfg.RateLimits, logger)

	a.hub = server.NewHub(logger)
	a.router = control.NewRouter(a.registry, a.connections, a.hub, logger)
	a.tracker = lifetime.NewTracker(cfg.Lifetime, a.hub, logger)
	a.asr = asrmanager.NewManager(providers.ASR, cfg.Partials, logger)

	translator := translate.NewService(a.store, providers.Translate, cfg.Translate, logger)
	synthesizer := synth.NewService(providers.TTS, cfg.Synthesis, logger)
	broadcaster := broadcast.NewHandler(a.connections, a.hub, cfg.Broadcast, logger)

	a.orch = fanout.New(a.registry, a.connections, translator, synthesizer, broadcaster,
		a.dynamics, logger)
	a.partials = partial.NewHandler(func() config.PartialsConfig { return a.cfg.Partials }, a.orch, logger)

	checks := []health.Checker{
		{Name: "store", Check: func(ctx context.Context) error {
			_, err := a.store.TranslationCount(ctx)
			return err
		}},
	}

	a.server = server.New(cfg.Server, server.Deps{
		Registry:      a.registry,
		Connections:   a.connections,
		Authenticator: auth.NewAuthenticator(a.validator, cfg.Auth.AllowAnonymousListeners),
		Limiter:       a.limiter,
		ASR:           a.asr,
		Partials:      a.partials,
		Fanout:        a.orch,
		Router:        a.router,
		Lifetime:      a.tracker,
		Hub:           a.hub,
		Health:        health.New(checks...),
		IngestConfig:  cfg.Ingest,
		Metrics:       a.metrics,
	}, logger)
	a.srv.Store(a.server)

	a.closers = append(a.closers, a.orch.Close)
	if pg, ok := a.store.(*postgres.Store); ok {
		a.closers = append(a.closers, pg.Close)
	}
	return a, nil
}

// openStore builds the configured store backend.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		return memory.New(), nil
	case config.StoreDynamo:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Dynamo.Region))
		if err != nil {
			return nil, fmt.Errorf("app: loading aws config: %w", err)
		}
		return dynamo.New(dynamodb.NewFromConfig(awsCfg), dynamo.Config{
			SessionsTable:     cfg.Dynamo.SessionsTable,
			ConnectionsTable:  cfg.Dynamo.ConnectionsTable,
			RateLimitsTable:   cfg.Dynamo.RateLimitsTable,
			TranslationsTable: cfg.Dynamo.TranslationsTable,
		})
	case config.StorePostgres:
		return postgres.New(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("app: unknown store driver %q", cfg.Driver)
	}
}

// WrapFallbacks layers the resilience fallback chain over a primary provider
// set. Fallback providers beyond the primary are registered by main.go based
// on deployment configuration.
func WrapFallbacks(p *Providers, cfg *config.Config) *Providers {
	fb := resilience.FallbackConfig{}
	return &Providers{
		ASR:       resilience.NewASRFallback(p.ASR, cfg.Providers.ASR.Name, fb),
		Translate: resilience.NewTranslateFallback(p.Translate, cfg.Providers.Translate.Name, fb),
		TTS:       resilience.NewTTSFallback(p.TTS, cfg.Providers.TTS.Name, fb),
	}
}

// dynamics exposes the server's per-session emotion measurement to the
// fan-out orchestrator.
func (a *App) dynamics(sessionID string) types.EmotionDynamics {
	srv := a.srv.Load()
	if srv == nil {
		return types.Neutral()
	}
	return srv.Dynamics(sessionID)
}

// Server exposes the HTTP surface, mainly for tests.
func (a *App) Server() *server.Server { return a.server }

// Run serves until ctx is cancelled. The lifetime sweeper and the partial
// buffer sweeper run alongside the HTTP listener; the first hard failure
// stops everything.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.tracker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.partials.Run(ctx, sweepInterval)
		return nil
	})
	g.Go(func() error {
		return a.server.Run(ctx)
	})

	a.logger.Info("service started",
		"listen_addr", a.cfg.Server.ListenAddr,
		"store_driver", string(a.cfg.Store.Driver))
	err := g.Wait()
	a.Shutdown()
	return err
}

// Shutdown tears subsystems down in order. Safe to call more than once.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() {
		for _, c := range a.closers {
			c()
		}
		a.logger.Info("service stopped")
	})
}
