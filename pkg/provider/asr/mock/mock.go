// Package mock provides test doubles for the asr package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Result values and inspect
// which audio chunks were delivered.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/polyvox/polyvox/pkg/provider/asr"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg asr.StreamConfig
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a new default Session with buffered channels.
	Session asr.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

var _ asr.Provider = (*Provider)(nil)

// Session is a mock implementation of asr.SessionHandle. Tests push results
// through EmitPartial/EmitFinal and inspect delivered audio via SendAudioCalls.
type Session struct {
	mu sync.Mutex

	PartialsCh chan asr.Result
	FinalsCh   chan asr.Result

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	closed bool
}

// NewSession returns a Session with buffered result channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan asr.Result, 16),
		FinalsCh:   make(chan asr.Result, 16),
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock asr: session closed")
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan asr.Result { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan asr.Result { return s.FinalsCh }

// EmitPartial pushes a partial result to the consumer.
func (s *Session) EmitPartial(r asr.Result) {
	r.IsFinal = false
	s.PartialsCh <- r
}

// EmitFinal pushes a final result to the consumer.
func (s *Session) EmitFinal(r asr.Result) {
	r.IsFinal = true
	s.FinalsCh <- r
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Close closes both result channels. Calling Close more than once is safe.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.PartialsCh)
	close(s.FinalsCh)
	return nil
}

var _ asr.SessionHandle = (*Session)(nil)
