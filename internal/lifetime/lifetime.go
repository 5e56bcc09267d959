// Package lifetime tracks connection age and drives the refresh / warn /
// force-close schedule.
//
// Long-lived streaming connections eventually hit infrastructure limits, so
// clients are told to reconnect before being cut off: one refresh notice,
// then repeated warnings with the remaining minutes, then a forced close at
// the hard cap.
package lifetime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/control"
)

// Controller is the transport surface the tracker drives. The server's
// connection hub implements it.
type Controller interface {
	SendEvent(ctx context.Context, connID string, ev control.Event) error
	CloseConnection(ctx context.Context, connID, reason string)
}

// connState is the in-process age record of one tracked connection.
type connState struct {
	connectedAt      time.Time
	refreshSent      bool
	lastWarnedMinute int
}

// Tracker owns the age schedule of all live connections.
type Tracker struct {
	cfg    config.LifetimeConfig
	ctrl   Controller
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	conns map[string]*connState
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source. Test-only.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker builds a connection lifetime tracker.
func NewTracker(cfg config.LifetimeConfig, ctrl Controller, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:    cfg,
		ctrl:   ctrl,
		logger: logger,
		now:    time.Now,
		conns:  map[string]*connState{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Track registers a freshly accepted connection.
func (t *Tracker) Track(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[connID] = &connState{connectedAt: t.now(), lastWarnedMinute: -1}
}

// Forget drops a closed connection from the schedule.
func (t *Tracker) Forget(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, connID)
}

// Heartbeat acks a client liveness probe and runs the age checks for that
// connection immediately, so a refresh notice rides on the next heartbeat
// rather than waiting for the sweep.
func (t *Tracker) Heartbeat(ctx context.Context, connID string) {
	ack := control.NewEvent(control.EventHeartbeatAck, "", nil)
	if err := t.ctrl.SendEvent(ctx, connID, ack); err != nil {
		t.logger.Debug("heartbeat ack failed", "connection_id", connID, "error", err)
	}

	t.mu.Lock()
	st, ok := t.conns[connID]
	t.mu.Unlock()
	if ok {
		t.check(ctx, connID, st)
	}
}

// Sweep runs the age checks on every tracked connection. Run calls it
// periodically; tests call it directly.
func (t *Tracker) Sweep(ctx context.Context) {
	t.mu.Lock()
	snapshot := make(map[string]*connState, len(t.conns))
	for id, st := range t.conns {
		snapshot[id] = st
	}
	t.mu.Unlock()

	for id, st := range snapshot {
		t.check(ctx, id, st)
	}
}

// Run sweeps on the heartbeat cadence until ctx ends.
func (t *Tracker) Run(ctx context.Context) {
	interval := time.Duration(t.cfg.HeartbeatIntervalSeconds) * time.Second
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			t.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// check applies the refresh / warn / close schedule to one connection.
func (t *Tracker) check(ctx context.Context, connID string, st *connState) {
	age := t.now().Sub(st.connectedAt)
	maxAge := time.Duration(t.cfg.MaxMinutes) * time.Minute

	if age >= maxAge {
		t.logger.Info("connection exceeded max lifetime, closing",
			"connection_id", connID, "age", age)
		t.ctrl.CloseConnection(ctx, connID, "max_connection_duration")
		t.Forget(connID)
		return
	}

	if age >= time.Duration(t.cfg.WarningMinutes)*time.Minute {
		remaining := int((maxAge - age).Round(time.Minute) / time.Minute)
		if remaining < 1 {
			remaining = 1
		}
		t.mu.Lock()
		repeat := st.lastWarnedMinute == remaining
		st.lastWarnedMinute = remaining
		t.mu.Unlock()
		if !repeat {
			ev := control.NewEvent(control.EventConnectionWarning, "", control.ConnectionWarningPayload{
				RemainingMinutes: remaining,
			})
			if err := t.ctrl.SendEvent(ctx, connID, ev); err != nil {
				t.logger.Debug("connection warning failed", "connection_id", connID, "error", err)
			}
		}
		return
	}

	if age >= time.Duration(t.cfg.RefreshMinutes)*time.Minute {
		t.mu.Lock()
		sent := st.refreshSent
		st.refreshSent = true
		t.mu.Unlock()
		if !sent {
			expiresIn := (maxAge - age).Round(time.Minute).String()
			ev := control.NewEvent(control.EventConnectionRefresh, "", control.ConnectionRefreshPayload{
				ExpiresIn: expiresIn,
			})
			if err := t.ctrl.SendEvent(ctx, connID, ev); err != nil {
				t.logger.Debug("refresh notice failed", "connection_id", connID, "error", err)
			}
		}
	}
}
