package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polyvox/polyvox/internal/ingest"
	"github.com/polyvox/polyvox/internal/session"
	"github.com/polyvox/polyvox/internal/store"
	"github.com/polyvox/polyvox/pkg/types"
)

// defaultWarnInterval throttles quality warnings per (connection, kind).
const defaultWarnInterval = 60 * time.Second

// Error is a control-plane failure with a stable machine code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// EventSink delivers outbound events to a connection. The server's
// connection hub implements it.
type EventSink interface {
	SendEvent(ctx context.Context, connID string, ev Event) error
}

// Router applies speaker control actions and propagates session-scoped
// events to the affected connections.
type Router struct {
	registry    *session.Registry
	connections *session.Connections
	sink        EventSink
	logger      *slog.Logger
	now         func() time.Time

	warnMu       sync.Mutex
	warnInterval time.Duration
	lastWarn     map[string]time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the time source. Test-only.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithWarnInterval overrides the quality-warning throttle.
func WithWarnInterval(d time.Duration) Option {
	return func(r *Router) { r.warnInterval = d }
}

// NewRouter builds the control router.
func NewRouter(reg *session.Registry, conns *session.Connections, sink EventSink, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		registry:     reg,
		connections:  conns,
		sink:         sink,
		logger:       logger,
		now:          time.Now,
		warnInterval: defaultWarnInterval,
		lastWarn:     map[string]time.Time{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// HandleSpeakerControl applies one speaker-originated control message and
// returns the reply event for the requesting connection. State transitions
// are also propagated to every listener as a broadcastControl event.
func (r *Router) HandleSpeakerControl(ctx context.Context, connID string, msg Message) (Event, error) {
	conn, err := r.connections.Get(ctx, connID)
	if err != nil {
		return Event{}, &Error{Code: CodeConnectionNotFound, Message: "connection is not registered"}
	}
	if conn.Role != types.RoleSpeaker {
		return Event{}, &Error{Code: CodeAuthForbidden, Message: "control actions require the speaker role"}
	}
	return r.Apply(ctx, conn.SessionID, msg)
}

// Apply runs one control action against a session directly. The REST plane
// uses it after its own authorization check; the websocket plane goes through
// HandleSpeakerControl.
func (r *Router) Apply(ctx context.Context, sessionID string, msg Message) (Event, error) {
	var transition session.Transition
	switch msg.Action {
	case ActionPause:
		transition = session.Pause()
	case ActionResume:
		transition = session.Resume()
	case ActionMute:
		transition = session.Mute()
	case ActionUnmute:
		transition = session.Unmute()
	case ActionSetVolume:
		if msg.Volume == nil || *msg.Volume < 0 || *msg.Volume > 1 {
			return Event{}, &Error{Code: CodeValidationBadVolume, Message: "volume must be between 0 and 1"}
		}
		transition = session.SetVolume(*msg.Volume)
	case ActionGetSessionStatus:
		return r.sessionStatus(ctx, sessionID)
	default:
		return Event{}, &Error{Code: CodeValidationBadAction, Message: fmt.Sprintf("unknown action %q", msg.Action)}
	}

	state, err := r.registry.UpdateBroadcastState(ctx, sessionID, transition)
	if err != nil {
		return Event{}, r.mapTransitionError(err)
	}
	payload := BroadcastControlPayload{
		IsPaused: state.IsPaused,
		IsMuted:  state.IsMuted,
		Volume:   state.Volume,
	}
	ev := NewEvent(EventBroadcastControl, sessionID, payload)
	r.broadcastToListeners(ctx, sessionID, ev)
	return ev, nil
}

// SessionStatus answers a status query from either role.
func (r *Router) SessionStatus(ctx context.Context, sessionID string) (Event, error) {
	return r.sessionStatus(ctx, sessionID)
}

func (r *Router) sessionStatus(ctx context.Context, sessionID string) (Event, error) {
	sess, err := r.registry.Get(ctx, sessionID)
	if err != nil {
		return Event{}, r.mapTransitionError(err)
	}
	listeners, err := r.connections.ListListeners(ctx, sessionID)
	if err != nil {
		return Event{}, &Error{Code: CodeInternal, Message: "failed to read session listeners"}
	}
	dist := map[string]int{}
	for _, l := range listeners {
		dist[l.TargetLanguage]++
	}
	return NewEvent(EventSessionStatus, sessionID, SessionStatusPayload{
		IsActive:             sess.Broadcast.IsActive,
		ListenerCount:        sess.ListenerCount,
		LanguageDistribution: dist,
	}), nil
}

// NotifyListenerJoined tells the session's speaker about a new listener.
func (r *Router) NotifyListenerJoined(ctx context.Context, speakerConnID, sessionID, targetLanguage string, listenerCount int64) {
	ev := NewEvent(EventListenerJoined, sessionID, ListenerJoinedPayload{
		ListenerCount:  listenerCount,
		TargetLanguage: targetLanguage,
	})
	if err := r.sink.SendEvent(ctx, speakerConnID, ev); err != nil {
		r.logger.Debug("listenerJoined notification failed",
			"session_id", sessionID, "connection_id", speakerConnID, "error", err)
	}
}

// NotifyQualityIssue forwards an audio quality warning to the speaker,
// throttled per (connection, issue kind).
func (r *Router) NotifyQualityIssue(ctx context.Context, speakerConnID, sessionID string, issue ingest.Issue) {
	key := speakerConnID + "#" + issue.Kind
	now := r.now()

	r.warnMu.Lock()
	if last, ok := r.lastWarn[key]; ok && now.Sub(last) < r.warnInterval {
		r.warnMu.Unlock()
		return
	}
	r.lastWarn[key] = now
	r.warnMu.Unlock()

	ev := NewEvent(EventAudioQualityWarning, sessionID, AudioQualityWarningPayload{
		WarningType:    issue.Kind,
		Severity:       severityFor(issue.Kind),
		Message:        issue.Message,
		Recommendation: recommendationFor(issue.Kind),
	})
	if err := r.sink.SendEvent(ctx, speakerConnID, ev); err != nil {
		r.logger.Debug("quality warning delivery failed",
			"session_id", sessionID, "connection_id", speakerConnID, "error", err)
	}
}

// EndSession marks the session inactive, announces the end to every
// listener, and clears all registrations.
func (r *Router) EndSession(ctx context.Context, sessionID, reason string) error {
	if err := r.registry.MarkInactive(ctx, sessionID); err != nil {
		return fmt.Errorf("control: end session %s: %w", sessionID, err)
	}
	r.broadcastToListeners(ctx, sessionID, NewEvent(EventSessionEnded, sessionID, SessionEndedPayload{Reason: reason}))
	if err := r.connections.RemoveAllForSession(ctx, sessionID); err != nil {
		r.logger.Warn("failed to clear session connections",
			"session_id", sessionID, "error", err)
	}
	return nil
}

// broadcastToListeners sends ev to every listener of the session.
// Best-effort; delivery failures are logged and skipped.
func (r *Router) broadcastToListeners(ctx context.Context, sessionID string, ev Event) {
	listeners, err := r.connections.ListListeners(ctx, sessionID)
	if err != nil {
		r.logger.Warn("control broadcast: listener query failed",
			"session_id", sessionID, "error", err)
		return
	}
	for _, l := range listeners {
		if err := r.sink.SendEvent(ctx, l.ConnectionID, ev); err != nil {
			r.logger.Debug("control event delivery failed",
				"session_id", sessionID, "connection_id", l.ConnectionID, "error", err)
		}
	}
}

// mapTransitionError translates registry failures into control errors.
func (r *Router) mapTransitionError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionInactive):
		return &Error{Code: CodeSessionInactive, Message: "session has ended"}
	case errors.Is(err, store.ErrNotFound):
		return &Error{Code: CodeSessionNotFound, Message: "session does not exist"}
	default:
		return &Error{Code: CodeInternal, Message: "session state change failed"}
	}
}

// severityFor grades a quality issue for the client.
func severityFor(kind string) string {
	switch kind {
	case ingest.IssueClipping, ingest.IssueLowSNR:
		return "warning"
	case ingest.IssueEcho:
		return "warning"
	default:
		return "info"
	}
}

// recommendationFor suggests a remediation per issue kind.
func recommendationFor(kind string) string {
	switch kind {
	case ingest.IssueClipping:
		return "Lower your microphone input gain."
	case ingest.IssueEcho:
		return "Use headphones or move away from reflective surfaces."
	case ingest.IssueSilence:
		return "Check that your microphone is unmuted and connected."
	case ingest.IssueLowSNR:
		return "Reduce background noise or move closer to the microphone."
	default:
		return ""
	}
}
