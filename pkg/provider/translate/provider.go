// Package translate defines the Provider interface for machine-translation
// backends.
//
// A translation provider wraps a request/response translation service. The
// platform calls it once per (source, target, text) cache miss; caching and
// retries live above this interface.
//
// Implementations must be safe for concurrent use.
package translate

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupportedPair reports a language pair the backend cannot translate.
// Not retryable.
var ErrUnsupportedPair = errors.New("translate: unsupported language pair")

// TransientError wraps throttling and availability failures so callers can
// retry within their budgets.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("translate: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable translation failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Provider is the abstraction over any machine-translation backend.
type Provider interface {
	// Translate returns text translated from sourceLang to targetLang, both
	// ISO-639-1 codes. Transient backend failures are wrapped in
	// [TransientError]; an impossible pair returns [ErrUnsupportedPair].
	Translate(ctx context.Context, sourceLang, targetLang, text string) (string, error)
}
