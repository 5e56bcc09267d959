// Package ingest is the speaker audio path: per-connection format
// validation, audio-rate limiting, drop-oldest backpressure buffering, and
// the best-effort quality analyzers that produce speaker warnings and the
// emotion measurement used downstream for prosody.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/observe"
	"github.com/polyvox/polyvox/internal/ratelimit"
	"github.com/polyvox/polyvox/pkg/audio"
	"github.com/polyvox/polyvox/pkg/types"
)

// ErrInvalidFormat reports audio that failed first-chunk validation. The
// verdict sticks for the connection's lifetime.
var ErrInvalidFormat = errors.New("ingest: invalid audio format")

// NotifyFunc delivers a quality warning to the speaker connection.
type NotifyFunc func(issue Issue)

// Ingestor is the audio intake for one speaker connection.
//
// Accept is called by the transport for every inbound chunk; Next is called
// by the single ASR feed task. The two sides meet in the drop-oldest buffer,
// so a stalled ASR stream never blocks the connection's read loop.
type Ingestor struct {
	connID    string
	sessionID string
	cfg       config.IngestConfig
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	metrics   *observe.Metrics
	notify    NotifyFunc

	buf      *Buffer
	analyzer *analyzer

	mu          sync.Mutex
	validated   bool
	formatError error
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithClock overrides the analyzer time source. Test-only.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.analyzer.now = now }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(i *Ingestor) { i.metrics = m }
}

// New builds the ingestor for one speaker connection. notify may be nil when
// the caller has no channel back to the speaker.
func New(connID, sessionID string, cfg config.IngestConfig, limiter *ratelimit.Limiter, logger *slog.Logger, notify NotifyFunc, opts ...Option) *Ingestor {
	capacity := cfg.BufferSeconds * 1000 / cfg.ChunkMs
	i := &Ingestor{
		connID:    connID,
		sessionID: sessionID,
		cfg:       cfg,
		limiter:   limiter,
		logger:    logger.With("connection_id", connID, "session_id", sessionID),
		metrics:   observe.DefaultMetrics(),
		notify:    notify,
		buf:       NewBuffer(capacity),
		analyzer:  newAnalyzer(cfg.Quality, time.Now),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Accept takes one raw chunk from the transport. The returned verdict is
// meaningful only alongside a rate-limit error: VerdictWarn means the caller
// should warn the speaker, VerdictClose means it should close the connection.
func (i *Ingestor) Accept(ctx context.Context, chunk []byte) (ratelimit.Verdict, error) {
	if err := i.checkFormat(chunk); err != nil {
		return ratelimit.VerdictAllow, err
	}

	verdict, err := i.limiter.Check(ctx, ratelimit.OpAudioChunk, ratelimit.IDTypeConnection, i.connID)
	if err != nil {
		return verdict, fmt.Errorf("ingest: audio rate limit: %w", err)
	}

	if dropped := i.buf.Push(chunk); dropped {
		i.metrics.BufferOverflows.Add(ctx, 1)
		i.logger.Warn("ingest buffer overflow, oldest chunk dropped", "buffered", i.buf.Len())
	}

	// Analyzers are best-effort and never gate the pipeline.
	for _, issue := range i.analyzer.observe(chunk) {
		i.metrics.QualityWarnings.Add(ctx, 1, metric.WithAttributes(observe.Attr("issue", issue.Kind)))
		i.logger.Info("audio quality issue", "issue", issue.Kind, "detail", issue.Message)
		if i.notify != nil {
			i.notify(issue)
		}
	}
	return ratelimit.VerdictAllow, nil
}

// checkFormat fully validates the first chunk and caches the verdict for the
// rest of the connection.
func (i *Ingestor) checkFormat(chunk []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.validated {
		return i.formatError
	}
	i.validated = true
	if err := audio.ValidateChunk(chunk); err != nil {
		i.formatError = fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		return i.formatError
	}
	return nil
}

// Next returns the oldest buffered chunk, blocking until one arrives. Chunks
// come out strictly in receipt order; this is the only reader feeding ASR.
func (i *Ingestor) Next(ctx context.Context) ([]byte, error) {
	return i.buf.Next(ctx)
}

// Buffered returns the current buffer depth.
func (i *Ingestor) Buffered() int { return i.buf.Len() }

// Dynamics returns the latest emotion measurement for SSML prosody.
func (i *Ingestor) Dynamics() types.EmotionDynamics {
	return i.analyzer.Dynamics()
}

// Close stops intake. Buffered chunks stay readable until drained.
func (i *Ingestor) Close() {
	i.buf.Close()
}
