// Package asr runs one streaming recognition session per active speaker.
//
// The manager owns the bridge between the ingest buffer and the provider
// stream: a single feed task drains chunks in receipt order, and a result
// task converts provider output into TranscriptResult values for the partial
// handler. Everything shuts down together when the speaker's context ends.
package asr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/ingest"
	"github.com/polyvox/polyvox/internal/observe"
	"github.com/polyvox/polyvox/pkg/audio"
	"github.com/polyvox/polyvox/pkg/provider/asr"
	"github.com/polyvox/polyvox/pkg/types"
)

// ResultHandler receives every partial and final produced by a stream. Calls
// arrive from a single goroutine per session, in provider emission order.
type ResultHandler interface {
	HandleResult(ctx context.Context, r types.TranscriptResult)
}

// Manager opens and supervises the per-speaker recognition streams. One
// stream per session, keyed by session id.
type Manager struct {
	provider asr.Provider
	cfg      config.PartialsConfig
	logger   *slog.Logger
	metrics  *observe.Metrics

	mu      sync.Mutex
	streams map[string]*stream
}

// NewManager builds a stream manager on the given provider. The partials
// configuration only supplies the stabilization level here; gating happens in
// the partial handler.
func NewManager(p asr.Provider, cfg config.PartialsConfig, logger *slog.Logger) *Manager {
	return &Manager{
		provider: p,
		cfg:      cfg,
		logger:   logger,
		metrics:  observe.DefaultMetrics(),
		streams:  map[string]*stream{},
	}
}

// stream is one live speaker pipeline.
type stream struct {
	sessionID string
	handle    asr.SessionHandle
	cancel    context.CancelFunc
	done      chan struct{}
}

// Start opens the recognition stream for a session and begins draining the
// ingestor. Results flow to handler until Stop, ingestor close, or ctx end.
// A session can hold at most one stream; a second Start for the same session
// is an error.
func (m *Manager) Start(ctx context.Context, sessionID, sourceLanguage string, ing *ingest.Ingestor, handler ResultHandler) error {
	m.mu.Lock()
	if _, exists := m.streams[sessionID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("asr: session %s already has a stream", sessionID)
	}
	m.mu.Unlock()

	handle, err := m.provider.StartStream(ctx, asr.StreamConfig{
		SampleRate:                 audio.SampleRate,
		Channels:                   audio.Channels,
		Language:                   sourceLanguage,
		EnablePartialStabilization: true,
		PartialStability:           m.cfg.StabilityLevel,
	})
	if err != nil {
		return fmt.Errorf("asr: starting stream for %s: %w", sessionID, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		sessionID: sessionID,
		handle:    handle,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.streams[sessionID] = s
	m.mu.Unlock()
	m.metrics.ActiveSpeakerStreams.Add(ctx, 1)

	logger := m.logger.With("session_id", sessionID, "source_language", sourceLanguage)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.feedLoop(streamCtx, logger, ing, handle)
	}()
	go func() {
		defer wg.Done()
		m.resultLoop(streamCtx, logger, sessionID, sourceLanguage, handle, handler)
	}()
	go func() {
		wg.Wait()
		close(s.done)
		m.mu.Lock()
		delete(m.streams, sessionID)
		m.mu.Unlock()
		m.metrics.ActiveSpeakerStreams.Add(context.WithoutCancel(ctx), -1)
	}()
	return nil
}

// feedLoop drains the ingest buffer into the provider, strictly in order.
// The single-reader contract on the ingestor is what preserves chunk order
// into ASR.
func (m *Manager) feedLoop(ctx context.Context, logger *slog.Logger, ing *ingest.Ingestor, handle asr.SessionHandle) {
	defer func() {
		if err := handle.Close(); err != nil {
			logger.Debug("closing asr stream", "error", err)
		}
	}()

	for {
		chunk, err := ing.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ingest.ErrBufferClosed) {
				logger.Warn("ingest drain ended", "error", err)
			}
			return
		}
		if err := handle.SendAudio(chunk); err != nil {
			logger.Warn("sending audio to asr", "error", err)
			return
		}
	}
}

// resultLoop forwards provider output to the handler until both channels
// close.
func (m *Manager) resultLoop(ctx context.Context, logger *slog.Logger, sessionID, sourceLanguage string, handle asr.SessionHandle, handler ResultHandler) {
	partials := handle.Partials()
	finals := handle.Finals()

	for partials != nil || finals != nil {
		select {
		case r, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			handler.HandleResult(ctx, convert(r, sessionID, sourceLanguage))
		case r, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			handler.HandleResult(ctx, convert(r, sessionID, sourceLanguage))
		case <-ctx.Done():
			return
		}
	}
	logger.Debug("asr result stream ended")
}

// convert attaches session identity to a provider result.
func convert(r asr.Result, sessionID, sourceLanguage string) types.TranscriptResult {
	return types.TranscriptResult{
		ResultID:          r.ResultID,
		SessionID:         sessionID,
		SourceLanguage:    sourceLanguage,
		Text:              r.Text,
		Timestamp:         r.Timestamp,
		IsFinal:           r.IsFinal,
		StabilityScore:    r.Stability,
		ReplacesResultIDs: r.ReplacesResultIDs,
	}
}

// Stop tears down the session's stream and waits for its tasks to finish.
// Stopping a session without a stream is a no-op.
func (m *Manager) Stop(sessionID string) {
	m.mu.Lock()
	s, ok := m.streams[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
}

// Active reports whether the session currently has a live stream.
func (m *Manager) Active(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[sessionID]
	return ok
}
