// Package mock provides a test double for the tts.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/polyvox/polyvox/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	SSML  string
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by every successful Synthesize call. If nil, a
	// short deterministic byte pattern is returned instead.
	Audio []byte

	// Fn, if non-nil, overrides the canned behaviour entirely.
	Fn func(ctx context.Context, ssml string, voice tts.Voice) ([]byte, error)

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// SynthesizeCalls records every call to Synthesize.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns the configured audio.
func (p *Provider) Synthesize(ctx context.Context, ssml string, voice tts.Voice) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{SSML: ssml, Voice: voice})
	err := p.SynthesizeErr
	audio := p.Audio
	fn := p.Fn
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, ssml, voice)
	}
	if err != nil {
		return nil, err
	}
	if audio == nil {
		audio = []byte{0x00, 0x01, 0x02, 0x03}
	}
	out := make([]byte, len(audio))
	copy(out, audio)
	return out, nil
}

// CallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

var _ tts.Provider = (*Provider)(nil)
