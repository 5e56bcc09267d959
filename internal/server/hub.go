package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/polyvox/polyvox/internal/broadcast"
	"github.com/polyvox/polyvox/internal/control"
)

// sendQueueDepth bounds the per-connection outbound backlog. A listener that
// cannot drain this many frames is effectively stalled; further sends fail
// as transient until the queue drains.
const sendQueueDepth = 64

// wire is the subset of the websocket connection the hub writes to.
// Narrowed to an interface so hub tests run without a network.
type wire interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// frame is one queued outbound message.
type frame struct {
	binary bool
	data   []byte
}

// liveConn is the hub-side state of one accepted connection.
type liveConn struct {
	id       string
	ws       wire
	outbound chan frame
	done     chan struct{}
	once     sync.Once
}

// Hub tracks live websocket connections and serializes writes to each
// through a single writer goroutine, which is what keeps audio frames of
// one language bucket in order on the wire.
//
// Hub implements the broadcast sender, the control event sink, and the
// lifetime controller.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*liveConn
}

// NewHub builds an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		conns:  map[string]*liveConn{},
	}
}

// Add registers an accepted connection and starts its writer.
func (h *Hub) Add(connID string, ws wire) {
	c := &liveConn{
		id:       connID,
		ws:       ws,
		outbound: make(chan frame, sendQueueDepth),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[connID] = c
	h.mu.Unlock()
	go h.writer(c)
}

// Remove drops a connection from the hub and stops its writer. Safe to call
// for unknown ids and more than once.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
	}
	h.mu.Unlock()
	if ok {
		c.once.Do(func() { close(c.done) })
	}
}

// Send queues one binary audio frame. Implements the broadcast sender
// contract: unknown connections fail with the gone sentinel, a saturated
// queue fails transiently.
func (h *Hub) Send(_ context.Context, connID string, audio []byte) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("hub: %s: %w", connID, broadcast.ErrGone)
	}

	select {
	case c.outbound <- frame{binary: true, data: audio}:
		return nil
	case <-c.done:
		return fmt.Errorf("hub: %s: %w", connID, broadcast.ErrGone)
	default:
		return fmt.Errorf("hub: %s: send queue full", connID)
	}
}

// SendEvent queues one JSON control event.
func (h *Hub) SendEvent(_ context.Context, connID string, ev control.Event) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("hub: %s: %w", connID, broadcast.ErrGone)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("hub: encoding %s event: %w", ev.Type, err)
	}
	select {
	case c.outbound <- frame{data: data}:
		return nil
	case <-c.done:
		return fmt.Errorf("hub: %s: %w", connID, broadcast.ErrGone)
	default:
		return fmt.Errorf("hub: %s: send queue full", connID)
	}
}

// CloseConnection closes the transport with a normal status. The read loop
// of the connection observes the closure and runs its teardown.
func (h *Hub) CloseConnection(_ context.Context, connID, reason string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := c.ws.Close(websocket.StatusNormalClosure, reason); err != nil {
		h.logger.Debug("connection close failed", "connection_id", connID, "error", err)
	}
	h.Remove(connID)
}

// Compile-time interface assertions.
var (
	_ broadcast.Sender  = (*Hub)(nil)
	_ control.EventSink = (*Hub)(nil)
)

// writer drains one connection's outbound queue onto the wire in order.
func (h *Hub) writer(c *liveConn) {
	for {
		select {
		case f := <-c.outbound:
			typ := websocket.MessageText
			if f.binary {
				typ = websocket.MessageBinary
			}
			if err := c.ws.Write(context.Background(), typ, f.data); err != nil {
				h.logger.Debug("outbound write failed", "connection_id", c.id, "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}
