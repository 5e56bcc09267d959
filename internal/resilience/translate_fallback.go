package resilience

import (
	"context"

	"github.com/polyvox/polyvox/pkg/provider/translate"
)

// TranslateFallback implements [translate.Provider] with automatic failover
// across multiple translation backends. Each backend has its own circuit
// breaker; when the primary fails or its breaker is open, the next healthy
// fallback is tried.
type TranslateFallback struct {
	chain *Chain[translate.Provider]
}

// Compile-time interface assertion.
var _ translate.Provider = (*TranslateFallback)(nil)

// NewTranslateFallback creates a [TranslateFallback] with primary as the
// preferred backend.
func NewTranslateFallback(primary translate.Provider, primaryName string, cfg FallbackConfig) *TranslateFallback {
	return &TranslateFallback{
		chain: NewChain(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional translation provider as a fallback.
func (f *TranslateFallback) AddFallback(name string, provider translate.Provider) {
	f.chain.AddFallback(name, provider)
}

// Translate sends the text to the first healthy provider and returns its
// rendering. If the primary fails, subsequent fallbacks are tried.
func (f *TranslateFallback) Translate(ctx context.Context, sourceLang, targetLang, text string) (string, error) {
	return First(f.chain, func(p translate.Provider) (string, error) {
		return p.Translate(ctx, sourceLang, targetLang, text)
	})
}
