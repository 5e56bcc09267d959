// Package partial mediates between low-latency partial transcripts and
// stable final ones.
//
// Partials emitted too early cause retranslation churn and audible
// duplication downstream; partials emitted too late add nothing over the
// final. The handler holds per-session buffers and forwards a partial only
// once it clears four gates: the percentage rollout, the stability floor, a
// sentence boundary (or buffer timeout), and the dedup cache. Finals bypass
// the first three gates but still deduplicate, which is what makes replaying
// a final idempotent downstream.
package partial

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/observe"
	"github.com/polyvox/polyvox/internal/textnorm"
	"github.com/polyvox/polyvox/pkg/types"
)

// finalClaimWindow is how far back a final claims unattributed partials when
// it carries no explicit replaces list.
const finalClaimWindow = 5 * time.Second

// discrepancyWarnRatio is the normalized edit distance between a forwarded
// partial and its final above which we log the correction. The design does
// not re-broadcast corrections, it only makes them visible.
const discrepancyWarnRatio = 0.2

// maxBufferedPartials caps one session's buffer. An ASR stream that outruns
// the gates loses its oldest partials first; finals are unaffected.
const maxBufferedPartials = 64

// Forwarder receives the transcripts that cleared the gates. Calls for one
// session arrive in forwarding order.
type Forwarder interface {
	ForwardTranscript(ctx context.Context, r types.TranscriptResult)
}

// buffered is one partial waiting in a session buffer.
type buffered struct {
	result    types.TranscriptResult
	addedAt   time.Time
	forwarded bool
}

// sessionState is the per-session buffer plus the configuration snapshot the
// session was admitted under. The snapshot never changes: a rollout flag
// flip mid-broadcast must not toggle a live session's behaviour.
type sessionState struct {
	cfg            config.PartialsConfig
	partialsActive bool
	buffer         []*buffered
	dedup          *dedupCache
}

// Handler implements the partial-result gates over per-session buffers.
type Handler struct {
	cfgSource func() config.PartialsConfig
	forwarder Forwarder
	logger    *slog.Logger
	metrics   *observe.Metrics
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the time source. Test-only.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler builds a Handler. cfgSource is read once per session at
// registration, so pointing it at a hot-reloadable config gives new sessions
// the new flags without disturbing running ones.
func NewHandler(cfgSource func() config.PartialsConfig, f Forwarder, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		cfgSource: cfgSource,
		forwarder: f,
		logger:    logger,
		metrics:   observe.DefaultMetrics(),
		now:       time.Now,
		sessions:  map[string]*sessionState{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// StartSession snapshots the current flag configuration for a new session.
func (h *Handler) StartSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startSessionLocked(sessionID)
}

func (h *Handler) startSessionLocked(sessionID string) *sessionState {
	if st, ok := h.sessions[sessionID]; ok {
		return st
	}
	cfg := h.cfgSource()
	st := &sessionState{
		cfg:            cfg,
		partialsActive: cfg.Enabled && textnorm.Bucket(sessionID) < cfg.RolloutPercentage,
		dedup:          newDedupCache(time.Duration(cfg.DedupTTLSeconds)*time.Second, cfg.DedupMaxEntries),
	}
	h.sessions[sessionID] = st
	h.logger.Debug("partial handler session registered",
		"session_id", sessionID, "partials_active", st.partialsActive)
	return st
}

// EndSession drops all buffered state for a session.
func (h *Handler) EndSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, sessionID)
}

// HandleResult ingests one ASR result. Implements the asr result-handler
// contract.
func (h *Handler) HandleResult(ctx context.Context, r types.TranscriptResult) {
	h.mu.Lock()
	st := h.startSessionLocked(r.SessionID)

	if r.IsFinal {
		h.handleFinalLocked(ctx, st, r)
		h.mu.Unlock()
		return
	}
	h.handlePartialLocked(ctx, st, r)
	h.mu.Unlock()
}

// handlePartialLocked enqueues a partial and forwards every buffered entry
// that now qualifies.
func (h *Handler) handlePartialLocked(ctx context.Context, st *sessionState, r types.TranscriptResult) {
	if !st.partialsActive {
		h.metrics.RecordSuppressed(ctx, "rollout")
		return
	}
	if len(st.buffer) >= maxBufferedPartials {
		st.buffer = st.buffer[1:]
		h.metrics.RecordSuppressed(ctx, "overflow")
		h.logger.Debug("partial buffer full, oldest entry dropped", "session_id", r.SessionID)
	}
	st.buffer = append(st.buffer, &buffered{result: r, addedAt: h.now()})
	h.drainLocked(ctx, st)
}

// drainLocked walks the buffer in order and forwards entries that clear the
// stability, boundary/timeout and dedup gates.
func (h *Handler) drainLocked(ctx context.Context, st *sessionState) {
	now := h.now()
	timeout := time.Duration(st.cfg.MaxBufferTimeoutSeconds) * time.Second

	for _, b := range st.buffer {
		if b.forwarded {
			continue
		}
		if b.result.StabilityScore < st.cfg.MinStability {
			continue
		}
		if !textnorm.EndsAtSentenceBoundary(b.result.Text) && now.Sub(b.addedAt) < timeout {
			continue
		}

		hash := textnorm.Hash(b.result.Text)
		if st.dedup.contains(hash, now) {
			// Same text already entered the fan-out; mark it handled so it
			// is not re-examined every drain.
			b.forwarded = true
			h.metrics.RecordSuppressed(ctx, "dedup")
			continue
		}

		b.forwarded = true
		st.dedup.add(hash, now)
		h.metrics.RecordForwarded(ctx, false)
		h.forwarder.ForwardTranscript(ctx, b.result)
	}
}

// handleFinalLocked retires the partials a final supersedes, surfaces large
// corrections, and forwards the final unless its text already went out.
func (h *Handler) handleFinalLocked(ctx context.Context, st *sessionState, r types.TranscriptResult) {
	removed := h.removeSupersededLocked(st, r)

	for _, b := range removed {
		if !b.forwarded {
			continue
		}
		if ratio := discrepancy(b.result.Text, r.Text); ratio >= discrepancyWarnRatio {
			h.logger.Warn("final corrects forwarded partial beyond threshold",
				"session_id", r.SessionID, "result_id", r.ResultID,
				"discrepancy", ratio,
				"partial_text", b.result.Text, "final_text", r.Text)
		}
	}

	now := h.now()
	hash := textnorm.Hash(r.Text)
	if st.dedup.contains(hash, now) {
		h.metrics.RecordSuppressed(ctx, "dedup")
		return
	}
	st.dedup.add(hash, now)
	h.metrics.RecordForwarded(ctx, true)
	h.forwarder.ForwardTranscript(ctx, r)
}

// removeSupersededLocked takes the partials claimed by a final out of the
// buffer: by explicit replaces list when present, otherwise any partial
// timestamped within the claim window before the final.
func (h *Handler) removeSupersededLocked(st *sessionState, final types.TranscriptResult) []*buffered {
	var removed []*buffered
	keep := st.buffer[:0]

	if len(final.ReplacesResultIDs) > 0 {
		ids := make(map[string]bool, len(final.ReplacesResultIDs))
		for _, id := range final.ReplacesResultIDs {
			ids[id] = true
		}
		for _, b := range st.buffer {
			if ids[b.result.ResultID] {
				removed = append(removed, b)
			} else {
				keep = append(keep, b)
			}
		}
	} else {
		lo := final.Timestamp.Add(-finalClaimWindow)
		for _, b := range st.buffer {
			ts := b.result.Timestamp
			if !ts.Before(lo) && !ts.After(final.Timestamp) {
				removed = append(removed, b)
			} else {
				keep = append(keep, b)
			}
		}
	}

	st.buffer = keep
	return removed
}

// Sweep forwards entries whose buffer timeout elapsed and drops orphans no
// final ever claimed. Run calls it periodically; tests call it directly.
func (h *Handler) Sweep(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for sessionID, st := range h.sessions {
		h.drainLocked(ctx, st)

		orphanAge := time.Duration(st.cfg.OrphanTimeoutSeconds) * time.Second
		keep := st.buffer[:0]
		dropped := 0
		for _, b := range st.buffer {
			if !b.forwarded && now.Sub(b.addedAt) >= orphanAge {
				dropped++
				continue
			}
			if b.forwarded && now.Sub(b.addedAt) >= orphanAge {
				// Forwarded entries this old will never be claimed either.
				continue
			}
			keep = append(keep, b)
		}
		st.buffer = keep
		if dropped > 0 {
			h.metrics.RecordSuppressed(ctx, "orphan")
			h.logger.Debug("dropped orphaned partials", "session_id", sessionID, "count", dropped)
		}
	}
}

// Run sweeps buffers until ctx ends. Interval is the finest granularity at
// which buffer timeouts and orphan drops are honored.
func (h *Handler) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			h.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// discrepancy is the edit distance between two strings normalized by the
// longer length.
func discrepancy(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 0
	}
	return float64(matchr.Levenshtein(a, b)) / float64(longest)
}
