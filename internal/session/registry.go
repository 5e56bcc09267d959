// Package session manages the lifecycle of broadcast sessions and the
// connections attached to them.
//
// The Registry owns session rows: creation with collision-free human-readable
// ids, broadcast-state transitions, and the atomic listener counter. The
// Connections registry binds transport connections to sessions and keeps the
// per-language listener index the fan-out path queries.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/observe"
	"github.com/polyvox/polyvox/internal/resilience"
	"github.com/polyvox/polyvox/internal/store"
	"github.com/polyvox/polyvox/pkg/types"
)

// ErrIDExhaustion reports that session creation could not find a free id
// within its retry budgets. Practically unreachable until the id space is
// nearly saturated.
var ErrIDExhaustion = errors.New("session: id space exhausted")

// ErrSessionInactive reports a state change on a session that already ended.
var ErrSessionInactive = errors.New("session: session is inactive")

// ErrSpeakerBusy reports a create for a speaker who already has a live
// broadcast. The existing session must end before a new one can start.
var ErrSpeakerBusy = errors.New("session: speaker already has an active session")

// Registry manages session rows in the shared store.
type Registry struct {
	store   store.SessionStore
	cfg     config.SessionConfig
	logger  *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	genMu sync.Mutex
	gen   *idGenerator
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source. Test-only.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry builds a session Registry.
func NewRegistry(st store.SessionStore, cfg config.SessionConfig, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:   st,
		cfg:     cfg,
		logger:  logger,
		metrics: observe.DefaultMetrics(),
		now:     time.Now,
		gen:     newIDGenerator(cfg.BlacklistWords),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create allocates a new session for the speaker. Id collisions are retried
// inside the generator budget first, then the whole generator run is retried
// with backoff; only full exhaustion surfaces as ErrIDExhaustion.
func (r *Registry) Create(ctx context.Context, speakerID, sourceLanguage string, tier types.QualityTier) (types.Session, error) {
	if !tier.IsValid() {
		return types.Session{}, fmt.Errorf("session: invalid quality tier %q", tier)
	}

	// One live broadcast per speaker. Ended and expired sessions free the
	// slot immediately.
	if existing, err := r.store.ActiveSessionForSpeaker(ctx, speakerID); err == nil {
		r.logger.Info("session create rejected, speaker busy",
			"speaker_id", speakerID, "existing_session_id", existing)
		return types.Session{}, fmt.Errorf("session %s still live: %w", existing, ErrSpeakerBusy)
	} else if !errors.Is(err, store.ErrNotFound) {
		return types.Session{}, fmt.Errorf("session: checking live broadcasts: %w", err)
	}

	s, err := resilience.RetryWithResult(ctx, resilience.RetryConfig{
		Attempts:  r.cfg.CreateRetries,
		BaseDelay: 25 * time.Millisecond,
		Retryable: func(err error) bool { return errors.Is(err, ErrIDExhaustion) },
	}, func(ctx context.Context) (types.Session, error) {
		return r.tryCreate(ctx, speakerID, sourceLanguage, tier)
	})
	if err != nil {
		return types.Session{}, err
	}

	r.metrics.ActiveSessions.Add(ctx, 1)
	r.logger.Info("session created",
		"session_id", s.SessionID, "speaker_id", speakerID,
		"source_language", sourceLanguage, "quality_tier", string(tier))
	return s, nil
}

// tryCreate runs one generator budget worth of conditional creates.
func (r *Registry) tryCreate(ctx context.Context, speakerID, sourceLanguage string, tier types.QualityTier) (types.Session, error) {
	now := r.now()
	for attempt := 0; attempt < r.cfg.IDAttempts; attempt++ {
		r.genMu.Lock()
		id := r.gen.next()
		r.genMu.Unlock()

		s := types.Session{
			SessionID:      id,
			SpeakerID:      speakerID,
			SourceLanguage: sourceLanguage,
			QualityTier:    tier,
			CreatedAt:      now,
			ExpiresAt:      now.Add(time.Duration(r.cfg.MaxDurationMinutes) * time.Minute),
			Broadcast: types.BroadcastState{
				IsActive:        true,
				Volume:          1.0,
				LastStateChange: now,
			},
		}
		err := r.store.CreateSession(ctx, s)
		if err == nil {
			return s, nil
		}
		if errors.Is(err, store.ErrConditionFailed) {
			r.logger.Debug("session id collision", "session_id", id, "attempt", attempt+1)
			continue
		}
		return types.Session{}, fmt.Errorf("session: creating session: %w", err)
	}
	return types.Session{}, ErrIDExhaustion
}

// Get returns the session row.
func (r *Registry) Get(ctx context.Context, sessionID string) (types.Session, error) {
	return r.store.GetSession(ctx, sessionID)
}

// MarkInactive ends the session. Listener state is irrelevant afterwards; no
// further broadcast may be queued. Idempotent.
func (r *Registry) MarkInactive(ctx context.Context, sessionID string) error {
	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("session: marking inactive: %w", err)
	}
	if !s.Broadcast.IsActive {
		return nil
	}

	st := s.Broadcast
	st.IsActive = false
	st.LastStateChange = r.now()
	if err := r.store.UpdateBroadcastState(ctx, sessionID, st); err != nil {
		return fmt.Errorf("session: marking inactive: %w", err)
	}
	r.metrics.ActiveSessions.Add(ctx, -1)
	r.logger.Info("session marked inactive", "session_id", sessionID)
	return nil
}

// Transition is a speaker-issued broadcast-state change.
type Transition func(*types.BroadcastState) error

// Pause suppresses fan-out.
func Pause() Transition {
	return func(st *types.BroadcastState) error { st.IsPaused = true; return nil }
}

// Resume re-enables fan-out after Pause.
func Resume() Transition {
	return func(st *types.BroadcastState) error { st.IsPaused = false; return nil }
}

// Mute suppresses fan-out independently of pause.
func Mute() Transition {
	return func(st *types.BroadcastState) error { st.IsMuted = true; return nil }
}

// Unmute reverses Mute.
func Unmute() Transition {
	return func(st *types.BroadcastState) error { st.IsMuted = false; return nil }
}

// SetVolume sets the playback volume, v in [0, 1].
func SetVolume(v float64) Transition {
	return func(st *types.BroadcastState) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("session: volume %v out of [0, 1]", v)
		}
		st.Volume = v
		return nil
	}
}

// UpdateBroadcastState applies a transition to an active session and returns
// the new state. Transitions on an ended session fail with ErrSessionInactive.
func (r *Registry) UpdateBroadcastState(ctx context.Context, sessionID string, t Transition) (types.BroadcastState, error) {
	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return types.BroadcastState{}, err
	}
	if !s.Broadcast.IsActive {
		return types.BroadcastState{}, ErrSessionInactive
	}

	st := s.Broadcast
	if err := t(&st); err != nil {
		return types.BroadcastState{}, err
	}
	st.LastStateChange = r.now()
	if err := r.store.UpdateBroadcastState(ctx, sessionID, st); err != nil {
		return types.BroadcastState{}, fmt.Errorf("session: updating broadcast state: %w", err)
	}
	return st, nil
}

// IncrementListeners bumps the listener counter and returns the new value.
func (r *Registry) IncrementListeners(ctx context.Context, sessionID string) (int64, error) {
	n, err := r.store.AddListenerCount(ctx, sessionID, 1)
	if err != nil {
		return 0, err
	}
	r.metrics.ActiveListeners.Add(ctx, 1)
	return n, nil
}

// DecrementListeners lowers the listener counter. A decrement that would go
// negative means the connection was already reaped; it is logged and absorbed,
// never retried.
func (r *Registry) DecrementListeners(ctx context.Context, sessionID string) (int64, error) {
	n, err := r.store.AddListenerCount(ctx, sessionID, -1)
	if err != nil {
		if errors.Is(err, store.ErrNegativeCount) {
			r.logger.Warn("listener decrement below zero absorbed", "session_id", sessionID)
			return 0, nil
		}
		return 0, err
	}
	r.metrics.ActiveListeners.Add(ctx, -1)
	return n, nil
}
