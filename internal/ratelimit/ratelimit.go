// Package ratelimit enforces per-operation sliding-window limits.
//
// Counts live in the shared store as fixed windows keyed by
// (operation, identifierType, identifierValue, windowStart); the effective
// rate is the weighted sum of the current and previous window, which gives a
// sliding window without per-event timestamps. Escalation (warn once, then
// close) is tracked in process per offender.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/observe"
	"github.com/polyvox/polyvox/internal/store"
)

// Rate-limited operations. These are store key components, so renaming one
// invalidates live buckets.
const (
	OpConnectionAttempt = "connection_attempt"
	OpSessionCreate     = "session_create"
	OpListenerJoin      = "listener_join"
	OpHeartbeat         = "heartbeat"
	OpAudioChunk        = "audio_chunk"
	OpControlMessage    = "control_message"
)

// Identifier types a limit can be keyed by.
const (
	IDTypeUser       = "user"
	IDTypeIP         = "ip"
	IDTypeConnection = "connection"
)

// Verdict is the outcome of a limit check.
type Verdict int

const (
	// VerdictAllow admits the operation.
	VerdictAllow Verdict = iota

	// VerdictLimited rejects the operation silently.
	VerdictLimited

	// VerdictWarn rejects the operation and tells the caller to send the
	// offender its one warning.
	VerdictWarn

	// VerdictClose rejects the operation and tells the caller to close the
	// offending connection.
	VerdictClose
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictLimited:
		return "limited"
	case VerdictWarn:
		return "warn"
	case VerdictClose:
		return "close"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// ExceededError reports an over-limit operation and when to retry.
type ExceededError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("ratelimit: %s exceeded, retry after %s", e.Op, e.RetryAfter)
}

// offender tracks escalation state for one (idType, idValue).
type offender struct {
	violations int
	warned     bool
}

// Limiter checks operations against their configured rules.
type Limiter struct {
	store   store.RateStore
	cfg     config.RateLimitsConfig
	logger  *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	mu        sync.Mutex
	offenders map[string]*offender
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Test-only.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New builds a Limiter over the shared rate-bucket store.
func New(st store.RateStore, cfg config.RateLimitsConfig, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:     st,
		cfg:       cfg,
		logger:    logger,
		metrics:   observe.DefaultMetrics(),
		now:       time.Now,
		offenders: map[string]*offender{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// rule returns the configured rule for op. Unknown operations are unlimited.
func (l *Limiter) rule(op string) config.RateLimitRule {
	switch op {
	case OpConnectionAttempt:
		return l.cfg.ConnectionAttempt
	case OpSessionCreate:
		return l.cfg.SessionCreate
	case OpListenerJoin:
		return l.cfg.ListenerJoin
	case OpHeartbeat:
		return l.cfg.Heartbeat
	case OpAudioChunk:
		return l.cfg.AudioChunk
	case OpControlMessage:
		return l.cfg.ControlMessage
	default:
		return config.RateLimitRule{}
	}
}

// Check records one attempt of op by the given identifier and returns the
// verdict. Over-limit attempts also return an *ExceededError carrying the
// retry-after hint.
//
// Store failures fail open: a degraded store must not take down every
// connection, so the attempt is admitted and the failure logged.
func (l *Limiter) Check(ctx context.Context, op, idType, idValue string) (Verdict, error) {
	rule := l.rule(op)
	if rule.Limit <= 0 || rule.WindowSeconds <= 0 {
		return VerdictAllow, nil
	}

	window := time.Duration(rule.WindowSeconds) * time.Second
	now := l.now()
	windowStart := now.Truncate(window)
	prevStart := windowStart.Add(-window)
	ttl := 2 * window

	prev, err := l.store.GetRateBucket(ctx, op, idType, idValue, prevStart)
	if err != nil {
		l.logger.Error("rate bucket read failed, failing open", "operation", op, "error", err)
		return VerdictAllow, nil
	}

	// Weight the previous window by its remaining overlap with the sliding
	// window ending now.
	elapsed := now.Sub(windowStart).Seconds() / window.Seconds()
	curr, err := l.store.GetRateBucket(ctx, op, idType, idValue, windowStart)
	if err != nil {
		l.logger.Error("rate bucket read failed, failing open", "operation", op, "error", err)
		return VerdictAllow, nil
	}
	estimated := float64(curr) + float64(prev)*(1-elapsed)

	if estimated >= float64(rule.Limit) {
		l.metrics.RateLimitViolations.Add(ctx, 1, metric.WithAttributes(observe.Attr("operation", op)))
		retryAfter := windowStart.Add(window).Sub(now)
		verdict := l.escalate(op, idType, idValue)
		return verdict, &ExceededError{Op: op, RetryAfter: retryAfter}
	}

	if _, err := l.store.IncrRateBucket(ctx, op, idType, idValue, windowStart, ttl); err != nil {
		l.logger.Error("rate bucket increment failed, failing open", "operation", op, "error", err)
	}
	return VerdictAllow, nil
}

// escalate bumps the offender's violation count and picks the verdict: a
// single warning at the warn threshold, close at the close threshold, silent
// rejection otherwise.
func (l *Limiter) escalate(op, idType, idValue string) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := idType + ":" + idValue
	off := l.offenders[key]
	if off == nil {
		off = &offender{}
		l.offenders[key] = off
	}
	off.violations++

	if l.cfg.CloseAfterViolations > 0 && off.violations >= l.cfg.CloseAfterViolations {
		l.logger.Warn("closing connection after sustained rate-limit violations",
			"operation", op, "identifier_type", idType, "identifier", idValue,
			"violations", off.violations)
		return VerdictClose
	}
	if l.cfg.WarnAfterViolations > 0 && off.violations >= l.cfg.WarnAfterViolations && !off.warned {
		off.warned = true
		return VerdictWarn
	}
	return VerdictLimited
}

// Forget drops escalation state for an identifier. Called when its
// connection goes away so reconnects start clean.
func (l *Limiter) Forget(idType, idValue string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.offenders, idType+":"+idValue)
}
