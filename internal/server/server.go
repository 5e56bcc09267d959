// Package server exposes the two client surfaces: the streaming websocket
// plane for speakers and listeners, and the stateless REST plane for
// session CRUD.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polyvox/polyvox/internal/asr"
	"github.com/polyvox/polyvox/internal/auth"
	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/control"
	"github.com/polyvox/polyvox/internal/fanout"
	"github.com/polyvox/polyvox/internal/health"
	"github.com/polyvox/polyvox/internal/ingest"
	"github.com/polyvox/polyvox/internal/lifetime"
	"github.com/polyvox/polyvox/internal/observe"
	"github.com/polyvox/polyvox/internal/partial"
	"github.com/polyvox/polyvox/internal/ratelimit"
	"github.com/polyvox/polyvox/internal/session"
	"github.com/polyvox/polyvox/pkg/types"
)

// Deps are the subsystems the server fronts. All are required except
// Health.
type Deps struct {
	Registry      *session.Registry
	Connections   *session.Connections
	Authenticator *auth.Authenticator
	Limiter       *ratelimit.Limiter
	ASR           *asr.Manager
	Partials      *partial.Handler
	Fanout        *fanout.Orchestrator
	Router        *control.Router
	Lifetime      *lifetime.Tracker
	Hub           *Hub
	Health        *health.Handler
	IngestConfig  config.IngestConfig
	Metrics       *observe.Metrics
}

// Server owns the HTTP listener and the per-connection state of the
// streaming plane.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger *slog.Logger
	http   *http.Server

	// speakerConns maps an active session to its speaker's connection, so
	// listener joins and quality warnings can reach the speaker.
	mu           sync.Mutex
	speakerConns map[string]string

	// ingestors tracks the per-speaker ingestion pipelines for teardown and
	// dynamics lookup.
	ingestors map[string]*ingest.Ingestor
}

// New builds the server and its route table.
func New(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		deps:         deps,
		logger:       logger,
		speakerConns: map[string]string{},
		ingestors:    map[string]*ingest.Ingestor{},
	}

	r := chi.NewRouter()
	r.Use(observe.Middleware(deps.Metrics))

	r.Get("/ws/speaker", s.handleSpeakerWS)
	r.Get("/ws/listener", s.handleListenerWS)

	r.Post("/sessions", s.handleCreateSession)
	r.Get("/sessions/{sessionID}", s.handleGetSession)
	r.Patch("/sessions/{sessionID}", s.handleUpdateSession)
	r.Delete("/sessions/{sessionID}", s.handleDeleteSession)

	if deps.Health != nil {
		deps.Health.Register(r)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains with the configured grace
// period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLS != nil {
			err = s.http.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.http.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	grace := time.Duration(s.cfg.ShutdownGraceSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Dynamics reports the emotion dynamics measured on a session's speaker
// stream, neutral when the session has no live ingestor. Wired into the
// fan-out orchestrator.
func (s *Server) Dynamics(sessionID string) types.EmotionDynamics {
	s.mu.Lock()
	ing, ok := s.ingestors[sessionID]
	s.mu.Unlock()
	if !ok {
		return types.Neutral()
	}
	return ing.Dynamics()
}

// bearerToken extracts the token from the Authorization header or, for
// websocket upgrades where headers are awkward for browsers, the token
// query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// clientIP is the rate-limit identity of unauthenticated requests.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
