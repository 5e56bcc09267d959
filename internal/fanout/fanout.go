// Package fanout orchestrates the per-segment pipeline: discover target
// languages, translate, render SSML, synthesize, broadcast.
//
// Segments of one session are processed strictly in order by a per-session
// worker; languages within a segment run in parallel. A language whose
// translate or synthesize fails is skipped for that segment only.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polyvox/polyvox/internal/broadcast"
	"github.com/polyvox/polyvox/internal/observe"
	"github.com/polyvox/polyvox/internal/session"
	"github.com/polyvox/polyvox/internal/ssml"
	"github.com/polyvox/polyvox/internal/synth"
	"github.com/polyvox/polyvox/internal/translate"
	"github.com/polyvox/polyvox/pkg/types"
)

// queueDepth bounds the per-session segment backlog. A session falling this
// far behind is already unlistenable; dropping the newest segment is the
// least bad option.
const queueDepth = 32

// DynamicsFunc returns the current emotion dynamics measured on a session's
// audio stream. Neutral when the session has no measurement.
type DynamicsFunc func(sessionID string) types.EmotionDynamics

// Orchestrator drives the translate-synthesize-broadcast chain for every
// forwarded transcript. It implements the partial handler's Forwarder
// contract.
type Orchestrator struct {
	registry    *session.Registry
	connections *session.Connections
	translator  *translate.Service
	synthesizer *synth.Service
	broadcaster *broadcast.Handler
	dynamics    DynamicsFunc
	logger      *slog.Logger
	metrics     *observe.Metrics
	now         func() time.Time

	mu      sync.Mutex
	queues  map[string]chan types.TranscriptResult
	workers sync.WaitGroup
	closed  bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source. Test-only.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds the orchestrator.
func New(
	registry *session.Registry,
	connections *session.Connections,
	translator *translate.Service,
	synthesizer *synth.Service,
	broadcaster *broadcast.Handler,
	dynamics DynamicsFunc,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		connections: connections,
		translator:  translator,
		synthesizer: synthesizer,
		broadcaster: broadcaster,
		dynamics:    dynamics,
		logger:      logger,
		metrics:     observe.DefaultMetrics(),
		now:         time.Now,
		queues:      map[string]chan types.TranscriptResult{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ForwardTranscript enqueues a segment onto its session's serial worker.
// Never blocks the caller: when the session backlog is full the segment is
// dropped with a warning.
func (o *Orchestrator) ForwardTranscript(ctx context.Context, r types.TranscriptResult) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	q, ok := o.queues[r.SessionID]
	if !ok {
		q = make(chan types.TranscriptResult, queueDepth)
		o.queues[r.SessionID] = q
		o.workers.Add(1)
		go o.worker(q)
	}
	o.mu.Unlock()

	select {
	case q <- r:
	default:
		o.logger.Warn("fanout backlog full, dropping segment",
			"session_id", r.SessionID, "result_id", r.ResultID)
	}
}

// EndSession stops the session's worker once its backlog drains.
func (o *Orchestrator) EndSession(sessionID string) {
	o.mu.Lock()
	q, ok := o.queues[sessionID]
	if ok {
		delete(o.queues, sessionID)
	}
	o.mu.Unlock()
	if ok {
		close(q)
	}
}

// Close stops every worker. ForwardTranscript becomes a no-op.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	for id, q := range o.queues {
		close(q)
		delete(o.queues, id)
	}
	o.mu.Unlock()
	o.workers.Wait()
}

// worker processes one session's segments strictly in order.
func (o *Orchestrator) worker(q <-chan types.TranscriptResult) {
	defer o.workers.Done()
	for r := range q {
		o.process(context.Background(), r)
	}
}

// process runs the full fan-out for one segment.
func (o *Orchestrator) process(ctx context.Context, r types.TranscriptResult) {
	start := o.now()
	defer func() {
		o.metrics.FanoutDuration.Record(ctx, o.now().Sub(start).Seconds())
	}()

	sess, err := o.registry.Get(ctx, r.SessionID)
	if err != nil {
		o.logger.Warn("fanout: session lookup failed",
			"session_id", r.SessionID, "error", err)
		return
	}
	if !sess.Broadcast.Broadcasting() {
		return
	}
	if sess.ListenerCount == 0 {
		return
	}

	languages, err := o.connections.ListTargetLanguages(ctx, r.SessionID)
	if err != nil {
		o.logger.Warn("fanout: language discovery failed",
			"session_id", r.SessionID, "error", err)
		return
	}

	d := o.dynamics(r.SessionID)

	// Translate and render SSML per language in parallel. Failures drop the
	// language for this segment only.
	var (
		mu         sync.Mutex
		ssmlByLang = map[string]string{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, lang := range languages {
		if lang == r.SourceLanguage {
			continue
		}
		g.Go(func() error {
			translated, err := o.translator.Translate(gctx, r.SourceLanguage, lang, r.Text)
			if err != nil {
				o.logger.Warn("fanout: translation failed",
					"session_id", r.SessionID, "language", lang, "error", err)
				return nil
			}
			doc := ssml.Render(translated, d)
			mu.Lock()
			ssmlByLang[lang] = doc
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(ssmlByLang) == 0 {
		return
	}

	audioByLang := o.synthesizer.SynthesizeAll(ctx, r.SessionID, ssmlByLang)

	bg, bctx := errgroup.WithContext(ctx)
	for lang, audio := range audioByLang {
		bg.Go(func() error {
			counts, err := o.broadcaster.Broadcast(bctx, r.SessionID, lang, audio)
			if err != nil {
				o.logger.Warn("fanout: broadcast failed",
					"session_id", r.SessionID, "language", lang, "error", err)
				return nil
			}
			o.logger.Debug("segment broadcast",
				"session_id", r.SessionID, "language", lang,
				"success", counts.Success, "failed", counts.Failed, "stale", counts.Stale)
			return nil
		})
	}
	_ = bg.Wait()
}
