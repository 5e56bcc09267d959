package ingest

import (
	"context"
	"errors"
	"sync"
)

// ErrBufferClosed reports reads from a buffer whose producer is gone.
var ErrBufferClosed = errors.New("ingest: buffer closed")

// Buffer is the bounded drop-oldest FIFO between a speaker connection and its
// ASR feed. Push never blocks the producer: when full, the oldest chunk is
// discarded and the push reports the drop so the caller can count it.
type Buffer struct {
	mu     sync.Mutex
	chunks [][]byte
	cap    int
	closed bool

	// signal wakes one waiting reader. Capacity 1: a buffered token is
	// "data may be available", not a per-chunk handoff.
	signal chan struct{}
}

// NewBuffer creates a buffer holding up to capacity chunks.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		cap:    capacity,
		signal: make(chan struct{}, 1),
	}
}

// Push appends a chunk, dropping the oldest when full. Returns true when a
// chunk was dropped. Pushing to a closed buffer is a silent no-op.
func (b *Buffer) Push(chunk []byte) (dropped bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	if len(b.chunks) >= b.cap {
		b.chunks = b.chunks[1:]
		dropped = true
	}
	b.chunks = append(b.chunks, chunk)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until a chunk is available, the buffer is closed and drained,
// or ctx is cancelled. Chunks come out strictly in push order.
func (b *Buffer) Next(ctx context.Context) ([]byte, error) {
	for {
		b.mu.Lock()
		if len(b.chunks) > 0 {
			chunk := b.chunks[0]
			b.chunks = b.chunks[1:]
			remaining := len(b.chunks)
			b.mu.Unlock()
			if remaining > 0 {
				select {
				case b.signal <- struct{}{}:
				default:
				}
			}
			return chunk, nil
		}
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBufferClosed
		}
		b.mu.Unlock()

		select {
		case <-b.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of buffered chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Close marks the producer gone. Buffered chunks remain readable; Next
// returns ErrBufferClosed once drained.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}
