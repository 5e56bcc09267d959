// Package broadcast pushes synthesized audio to the listeners of one
// language bucket.
//
// Listener transports come and go mid-broadcast. Sends to vanished
// connections reap the registration, transient failures get a short retry
// budget, and a semaphore keeps a large bucket from monopolizing the
// process.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/observe"
	"github.com/polyvox/polyvox/internal/resilience"
	"github.com/polyvox/polyvox/internal/session"
)

// ErrGone marks a connection that no longer exists at the transport.
// Senders return it (wrapped or bare) so the handler can reap the
// registration instead of retrying.
var ErrGone = errors.New("broadcast: connection gone")

// Sender delivers one audio frame to a connection. The server's connection
// hub implements this over websockets; tests substitute recording fakes.
type Sender interface {
	Send(ctx context.Context, connID string, audio []byte) error
}

// Counts summarizes one broadcast invocation.
type Counts struct {
	Success int64
	Failed  int64
	Stale   int64
}

// Handler fans audio frames out to a session's listener buckets.
type Handler struct {
	connections *session.Connections
	sender      Sender
	cfg         config.BroadcastConfig
	logger      *slog.Logger
	metrics     *observe.Metrics
	sem         *semaphore.Weighted
	now         func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithClock overrides the time source. Test-only.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler builds a broadcast handler over the given sender.
func NewHandler(conns *session.Connections, sender Sender, cfg config.BroadcastConfig, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		connections: conns,
		sender:      sender,
		cfg:         cfg,
		logger:      logger,
		metrics:     observe.DefaultMetrics(),
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:         time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Broadcast pushes audio to every listener of the language bucket and
// returns the per-connection outcome counts. Individual send failures never
// fail the invocation; only the index query can.
func (h *Handler) Broadcast(ctx context.Context, sessionID, targetLanguage string, audio []byte) (Counts, error) {
	start := h.now()
	defer func() {
		h.metrics.BroadcastDuration.Record(ctx, h.now().Sub(start).Seconds())
	}()

	listeners, err := h.connections.ListListenersByLanguage(ctx, sessionID, targetLanguage)
	if err != nil {
		return Counts{}, err
	}
	if len(listeners) == 0 {
		return Counts{}, nil
	}

	var (
		mu     sync.Mutex
		counts Counts
		wg     sync.WaitGroup
	)
	for i, l := range listeners {
		if err := h.sem.Acquire(ctx, 1); err != nil {
			// Context ended; everything not yet dispatched fails.
			mu.Lock()
			counts.Failed += int64(len(listeners) - i)
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(connID string) {
			defer wg.Done()
			defer h.sem.Release(1)

			switch err := h.sendOne(ctx, connID, audio); {
			case err == nil:
				mu.Lock()
				counts.Success++
				mu.Unlock()
			case errors.Is(err, ErrGone):
				h.reap(ctx, sessionID, connID)
				mu.Lock()
				counts.Stale++
				mu.Unlock()
			default:
				h.logger.Warn("broadcast send failed",
					"session_id", sessionID, "connection_id", connID,
					"language", targetLanguage, "error", err)
				mu.Lock()
				counts.Failed++
				mu.Unlock()
			}
		}(l.ConnectionID)
	}
	wg.Wait()

	h.metrics.RecordBroadcastCounts(ctx, counts.Success, counts.Failed, counts.Stale)
	return counts, nil
}

// sendOne delivers one frame, retrying transient failures. Gone connections
// are never retried.
func (h *Handler) sendOne(ctx context.Context, connID string, audio []byte) error {
	return resilience.Retry(ctx, resilience.RetryConfig{
		Attempts:  h.cfg.MaxRetries + 1,
		BaseDelay: time.Duration(h.cfg.RetryBackoffMs) * time.Millisecond,
		Retryable: func(err error) bool { return !errors.Is(err, ErrGone) },
	}, func(ctx context.Context) error {
		return h.sender.Send(ctx, connID, audio)
	})
}

// reap removes a vanished listener's registration. Idempotent: a concurrent
// reap of the same connection is a no-op.
func (h *Handler) reap(ctx context.Context, sessionID, connID string) {
	if err := h.connections.Remove(ctx, connID); err != nil {
		h.logger.Warn("failed to reap stale connection",
			"session_id", sessionID, "connection_id", connID, "error", err)
		return
	}
	h.logger.Debug("reaped stale connection",
		"session_id", sessionID, "connection_id", connID)
}
