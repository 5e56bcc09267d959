package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/polyvox/polyvox/internal/broadcast"
	"github.com/polyvox/polyvox/internal/control"
)

// fakeWire records frames written to it. When gate is non-nil, Write blocks
// until the gate closes, which lets tests fill the outbound queue.
type fakeWire struct {
	mu     sync.Mutex
	frames []struct {
		typ  websocket.MessageType
		data []byte
	}
	closeCode   websocket.StatusCode
	closeReason string
	closed      bool

	gate chan struct{}
}

func (f *fakeWire) Write(_ context.Context, typ websocket.MessageType, p []byte) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.frames = append(f.frames, struct {
		typ  websocket.MessageType
		data []byte
	}{typ, cp})
	return nil
}

func (f *fakeWire) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeWire) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHubDeliversFramesInOrder(t *testing.T) {
	t.Parallel()

	h := NewHub(slog.New(slog.DiscardHandler))
	w := &fakeWire{}
	h.Add("conn-1", w)
	defer h.Remove("conn-1")

	for _, payload := range []string{"one", "two", "three"} {
		if err := h.Send(context.Background(), "conn-1", []byte(payload)); err != nil {
			t.Fatalf("Send(%q) error = %v", payload, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return w.frameCount() == 3 })
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, want := range []string{"one", "two", "three"} {
		if got := string(w.frames[i].data); got != want {
			t.Errorf("frame[%d] = %q, want %q", i, got, want)
		}
		if w.frames[i].typ != websocket.MessageBinary {
			t.Errorf("frame[%d] type = %v, want binary", i, w.frames[i].typ)
		}
	}
}

func TestHubUnknownConnectionIsGone(t *testing.T) {
	t.Parallel()

	h := NewHub(slog.New(slog.DiscardHandler))
	err := h.Send(context.Background(), "ghost", []byte("audio"))
	if !errors.Is(err, broadcast.ErrGone) {
		t.Fatalf("Send() error = %v, want ErrGone", err)
	}
}

func TestHubSendAfterRemoveIsGone(t *testing.T) {
	t.Parallel()

	h := NewHub(slog.New(slog.DiscardHandler))
	h.Add("conn-1", &fakeWire{})
	h.Remove("conn-1")

	err := h.Send(context.Background(), "conn-1", []byte("audio"))
	if !errors.Is(err, broadcast.ErrGone) {
		t.Fatalf("Send() error = %v, want ErrGone", err)
	}
}

func TestHubSendEventEncodesJSON(t *testing.T) {
	t.Parallel()

	h := NewHub(slog.New(slog.DiscardHandler))
	w := &fakeWire{}
	h.Add("conn-1", w)
	defer h.Remove("conn-1")

	ev := control.NewEvent(control.EventHeartbeatAck, "golden-eagle-427", nil)
	if err := h.SendEvent(context.Background(), "conn-1", ev); err != nil {
		t.Fatalf("SendEvent() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return w.frameCount() == 1 })
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.frames[0].typ != websocket.MessageText {
		t.Fatalf("event frame type = %v, want text", w.frames[0].typ)
	}
	var decoded control.Event
	if err := json.Unmarshal(w.frames[0].data, &decoded); err != nil {
		t.Fatalf("event frame is not JSON: %v", err)
	}
	if decoded.Type != control.EventHeartbeatAck || decoded.SessionID != "golden-eagle-427" {
		t.Fatalf("decoded event = %+v", decoded)
	}
}

func TestHubFullQueueFailsTransiently(t *testing.T) {
	t.Parallel()

	h := NewHub(slog.New(slog.DiscardHandler))
	w := &fakeWire{gate: make(chan struct{})}
	h.Add("conn-1", w)
	defer func() {
		close(w.gate)
		h.Remove("conn-1")
	}()

	// One frame may be held by the blocked writer; the queue takes the rest.
	var err error
	for i := 0; i < sendQueueDepth+2; i++ {
		if err = h.Send(context.Background(), "conn-1", []byte("frame")); err != nil {
			break
		}
	}
	if err == nil {
		t.Fatal("saturated queue accepted every frame")
	}
	if errors.Is(err, broadcast.ErrGone) {
		t.Fatalf("full queue reported the connection gone: %v", err)
	}
}

func TestHubCloseConnection(t *testing.T) {
	t.Parallel()

	h := NewHub(slog.New(slog.DiscardHandler))
	w := &fakeWire{}
	h.Add("conn-1", w)

	h.CloseConnection(context.Background(), "conn-1", "max_connection_duration")

	w.mu.Lock()
	closed, code, reason := w.closed, w.closeCode, w.closeReason
	w.mu.Unlock()
	if !closed {
		t.Fatal("transport was not closed")
	}
	if code != websocket.StatusNormalClosure || reason != "max_connection_duration" {
		t.Fatalf("close = (%v, %q)", code, reason)
	}
	if err := h.Send(context.Background(), "conn-1", []byte("late")); !errors.Is(err, broadcast.ErrGone) {
		t.Fatalf("Send() after close error = %v, want ErrGone", err)
	}
}
