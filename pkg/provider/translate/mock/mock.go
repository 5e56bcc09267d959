// Package mock provides a test double for the translate.Provider interface.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/polyvox/polyvox/pkg/provider/translate"
)

// TranslateCall records a single invocation of Provider.Translate.
type TranslateCall struct {
	SourceLang string
	TargetLang string
	Text       string
}

// Provider is a mock implementation of translate.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses maps "src|dst|text" to a fixed translation. Lookups that miss
	// fall back to Fn, then to a deterministic "[dst] text" echo.
	Responses map[string]string

	// Fn, if non-nil, handles calls not covered by Responses.
	Fn func(ctx context.Context, sourceLang, targetLang, text string) (string, error)

	// TranslateErr, if non-nil, is returned by every Translate call.
	TranslateErr error

	// TranslateCalls records every call to Translate.
	TranslateCalls []TranslateCall
}

// Key builds the Responses lookup key for a call.
func Key(sourceLang, targetLang, text string) string {
	return sourceLang + "|" + targetLang + "|" + text
}

// Translate records the call and returns the configured response.
func (p *Provider) Translate(ctx context.Context, sourceLang, targetLang, text string) (string, error) {
	p.mu.Lock()
	p.TranslateCalls = append(p.TranslateCalls, TranslateCall{
		SourceLang: sourceLang,
		TargetLang: targetLang,
		Text:       text,
	})
	err := p.TranslateErr
	resp, ok := p.Responses[Key(sourceLang, targetLang, text)]
	fn := p.Fn
	p.mu.Unlock()

	if err != nil {
		return "", err
	}
	if ok {
		return resp, nil
	}
	if fn != nil {
		return fn(ctx, sourceLang, targetLang, text)
	}
	return fmt.Sprintf("[%s] %s", targetLang, text), nil
}

// CallCount returns the number of Translate calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranslateCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranslateCalls = nil
}

var _ translate.Provider = (*Provider)(nil)
