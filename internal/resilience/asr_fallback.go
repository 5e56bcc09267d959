package resilience

import (
	"context"

	"github.com/polyvox/polyvox/pkg/provider/asr"
)

// ASRFallback implements [asr.Provider] with automatic failover across
// multiple streaming recognition backends. Each backend has its own circuit
// breaker; when the primary fails or its breaker is open, the next healthy
// fallback is tried.
type ASRFallback struct {
	chain *Chain[asr.Provider]
}

// Compile-time interface assertion.
var _ asr.Provider = (*ASRFallback)(nil)

// NewASRFallback creates an [ASRFallback] with primary as the preferred
// backend.
func NewASRFallback(primary asr.Provider, primaryName string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{
		chain: NewChain(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional ASR provider as a fallback.
func (f *ASRFallback) AddFallback(name string, provider asr.Provider) {
	f.chain.AddFallback(name, provider)
}

// StartStream opens a session with the first healthy provider. Only session
// establishment is covered by failover; once a stream is open, mid-stream
// errors are the caller's responsibility.
func (f *ASRFallback) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	return First(f.chain, func(p asr.Provider) (asr.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
