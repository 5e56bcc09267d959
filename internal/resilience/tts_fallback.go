package resilience

import (
	"context"

	"github.com/polyvox/polyvox/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple TTS backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	chain *Chain[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		chain: NewChain(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.chain.AddFallback(name, provider)
}

// Synthesize renders the SSML with the first healthy provider. If the
// primary fails, subsequent fallbacks are tried with the same voice; callers
// pairing voices to providers should prefer per-provider voice tables.
func (f *TTSFallback) Synthesize(ctx context.Context, ssml string, voice tts.Voice) ([]byte, error) {
	return First(f.chain, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, ssml, voice)
	})
}
