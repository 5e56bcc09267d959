package control

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/ingest"
	"github.com/polyvox/polyvox/internal/session"
	"github.com/polyvox/polyvox/internal/store/memory"
	"github.com/polyvox/polyvox/pkg/types"
)

// recordingSink captures events per connection.
type recordingSink struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: map[string][]Event{}}
}

func (s *recordingSink) SendEvent(_ context.Context, connID string, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[connID] = append(s.events[connID], ev)
	return nil
}

func (s *recordingSink) eventsFor(connID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events[connID]))
	copy(out, s.events[connID])
	return out
}

type env struct {
	router   *Router
	registry *session.Registry
	conns    *session.Connections
	sink     *recordingSink
	session  types.Session
	now      time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	st := memory.New()
	reg := session.NewRegistry(st, config.Default().Session, logger)
	conns := session.NewConnections(st, reg, logger)

	sess, err := reg.Create(context.Background(), "speaker-1", "en", types.TierStandard)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := conns.RegisterSpeaker(context.Background(), "speaker-conn", sess.SessionID, "speaker-1"); err != nil {
		t.Fatalf("RegisterSpeaker() error = %v", err)
	}

	e := &env{
		registry: reg,
		conns:    conns,
		sink:     newRecordingSink(),
		session:  sess,
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	e.router = NewRouter(reg, conns, e.sink, logger,
		WithClock(func() time.Time { return e.now }))
	return e
}

func (e *env) addListener(t *testing.T, connID, language string) {
	t.Helper()
	if err := e.conns.RegisterListener(context.Background(), connID, e.session.SessionID, language, ""); err != nil {
		t.Fatalf("RegisterListener(%s) error = %v", connID, err)
	}
}

func TestPausePropagatesToListeners(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.addListener(t, "conn-es", "es")
	e.addListener(t, "conn-fr", "fr")

	ev, err := e.router.HandleSpeakerControl(context.Background(), "speaker-conn", Message{Action: ActionPause})
	if err != nil {
		t.Fatalf("HandleSpeakerControl() error = %v", err)
	}
	if ev.Type != EventBroadcastControl {
		t.Fatalf("reply type = %q, want %q", ev.Type, EventBroadcastControl)
	}
	payload, ok := ev.Payload.(BroadcastControlPayload)
	if !ok {
		t.Fatalf("payload type %T", ev.Payload)
	}
	if !payload.IsPaused {
		t.Fatal("reply payload not paused")
	}

	for _, connID := range []string{"conn-es", "conn-fr"} {
		events := e.sink.eventsFor(connID)
		if len(events) != 1 || events[0].Type != EventBroadcastControl {
			t.Fatalf("listener %s events = %+v, want one broadcastControl", connID, events)
		}
	}

	sess, err := e.registry.Get(context.Background(), e.session.SessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Broadcast.Broadcasting() {
		t.Fatal("session still broadcasting after pause")
	}
}

func TestSetVolume(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	v := 0.5
	ev, err := e.router.HandleSpeakerControl(context.Background(), "speaker-conn",
		Message{Action: ActionSetVolume, Volume: &v})
	if err != nil {
		t.Fatalf("HandleSpeakerControl() error = %v", err)
	}
	if got := ev.Payload.(BroadcastControlPayload).Volume; got != 0.5 {
		t.Fatalf("volume = %v, want 0.5", got)
	}

	bad := 1.5
	_, err = e.router.HandleSpeakerControl(context.Background(), "speaker-conn",
		Message{Action: ActionSetVolume, Volume: &bad})
	assertCode(t, err, CodeValidationBadVolume)

	_, err = e.router.HandleSpeakerControl(context.Background(), "speaker-conn",
		Message{Action: ActionSetVolume})
	assertCode(t, err, CodeValidationBadVolume)
}

func TestControlRequiresSpeakerRole(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.addListener(t, "conn-es", "es")

	_, err := e.router.HandleSpeakerControl(context.Background(), "conn-es", Message{Action: ActionPause})
	assertCode(t, err, CodeAuthForbidden)

	_, err = e.router.HandleSpeakerControl(context.Background(), "ghost-conn", Message{Action: ActionPause})
	assertCode(t, err, CodeConnectionNotFound)
}

func TestUnknownActionRejected(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	_, err := e.router.HandleSpeakerControl(context.Background(), "speaker-conn", Message{Action: "selfDestruct"})
	assertCode(t, err, CodeValidationBadAction)
}

func TestTransitionOnEndedSession(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	if err := e.registry.MarkInactive(context.Background(), e.session.SessionID); err != nil {
		t.Fatalf("MarkInactive() error = %v", err)
	}
	_, err := e.router.HandleSpeakerControl(context.Background(), "speaker-conn", Message{Action: ActionPause})
	assertCode(t, err, CodeSessionInactive)
}

func TestSessionStatus(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.addListener(t, "conn-1", "es")
	e.addListener(t, "conn-2", "es")
	e.addListener(t, "conn-3", "fr")

	ev, err := e.router.HandleSpeakerControl(context.Background(), "speaker-conn",
		Message{Action: ActionGetSessionStatus})
	if err != nil {
		t.Fatalf("HandleSpeakerControl() error = %v", err)
	}
	payload := ev.Payload.(SessionStatusPayload)
	if !payload.IsActive {
		t.Fatal("status reports inactive")
	}
	if payload.ListenerCount != 3 {
		t.Fatalf("listener count = %d, want 3", payload.ListenerCount)
	}
	if payload.LanguageDistribution["es"] != 2 || payload.LanguageDistribution["fr"] != 1 {
		t.Fatalf("language distribution = %v", payload.LanguageDistribution)
	}
}

func TestQualityWarningsThrottledPerKind(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	clip := ingest.Issue{Kind: ingest.IssueClipping, Message: "clipping detected"}
	echo := ingest.Issue{Kind: ingest.IssueEcho, Message: "echo detected"}

	e.router.NotifyQualityIssue(ctx, "speaker-conn", e.session.SessionID, clip)
	e.router.NotifyQualityIssue(ctx, "speaker-conn", e.session.SessionID, clip)
	e.router.NotifyQualityIssue(ctx, "speaker-conn", e.session.SessionID, echo)

	events := e.sink.eventsFor("speaker-conn")
	if len(events) != 2 {
		t.Fatalf("%d warnings delivered, want 2 (second clipping throttled)", len(events))
	}

	// After the throttle window the same kind goes through again.
	e.now = e.now.Add(61 * time.Second)
	e.router.NotifyQualityIssue(ctx, "speaker-conn", e.session.SessionID, clip)
	if got := len(e.sink.eventsFor("speaker-conn")); got != 3 {
		t.Fatalf("%d warnings after window, want 3", got)
	}

	payload := events[0].Payload.(AudioQualityWarningPayload)
	if payload.WarningType != ingest.IssueClipping {
		t.Fatalf("warning type = %q", payload.WarningType)
	}
	if payload.Recommendation == "" {
		t.Fatal("warning carries no recommendation")
	}
}

func TestEndSession(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.addListener(t, "conn-es", "es")
	e.addListener(t, "conn-fr", "fr")

	if err := e.router.EndSession(context.Background(), e.session.SessionID, "speaker_disconnected"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	for _, connID := range []string{"conn-es", "conn-fr"} {
		events := e.sink.eventsFor(connID)
		if len(events) != 1 || events[0].Type != EventSessionEnded {
			t.Fatalf("listener %s events = %+v, want one sessionEnded", connID, events)
		}
		if got := events[0].Payload.(SessionEndedPayload).Reason; got != "speaker_disconnected" {
			t.Fatalf("reason = %q", got)
		}
	}

	sess, err := e.registry.Get(context.Background(), e.session.SessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Broadcast.IsActive {
		t.Fatal("session still active")
	}
	listeners, err := e.conns.ListListeners(context.Background(), e.session.SessionID)
	if err != nil {
		t.Fatalf("ListListeners() error = %v", err)
	}
	if len(listeners) != 0 {
		t.Fatalf("%d listeners remain registered", len(listeners))
	}
}

func TestParseMessage(t *testing.T) {
	t.Parallel()

	m, err := ParseMessage([]byte(`{"action":"setVolume","sessionId":"golden-eagle-427","volume":0.25}`))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if m.Action != ActionSetVolume || m.SessionID != "golden-eagle-427" {
		t.Fatalf("parsed = %+v", m)
	}
	if m.Volume == nil || *m.Volume != 0.25 {
		t.Fatalf("volume = %v, want 0.25", m.Volume)
	}

	if _, err := ParseMessage([]byte("not json")); err == nil {
		t.Fatal("malformed frame accepted")
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code string
		want int
	}{
		{CodeAuthInvalidToken, http.StatusUnauthorized},
		{CodeAuthForbidden, http.StatusForbidden},
		{CodeSessionNotFound, http.StatusNotFound},
		{CodeSessionInactive, http.StatusGone},
		{CodeValidationBadTier, http.StatusBadRequest},
		{CodeRateLimitExceeded, http.StatusTooManyRequests},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.code); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want control.Error", err)
	}
	if cerr.Code != code {
		t.Fatalf("code = %q, want %q", cerr.Code, code)
	}
}
