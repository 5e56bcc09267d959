// Package tts defines the Provider interface for speech-synthesis backends.
//
// A TTS provider converts an SSML document into raw PCM audio. The platform
// calls Synthesize once per translated segment per target language; per-call
// deadlines, concurrency limits and prosody markup live above this interface.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupportedVoice reports a voice the backend does not offer. Not
// retryable.
var ErrUnsupportedVoice = errors.New("tts: unsupported voice")

// TransientError wraps throttling and availability failures so callers can
// retry within their budgets.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("tts: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable synthesis failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Voice selects a synthesis voice.
type Voice struct {
	// ID is the provider's voice identifier (e.g., "Lupe").
	ID string

	// LanguageCode is the full locale for the voice (e.g., "es-US").
	LanguageCode string

	// Engine selects the synthesis engine where the backend distinguishes
	// them (e.g., "neural"). Empty means the backend default.
	Engine string
}

// Provider is the abstraction over any speech-synthesis backend.
type Provider interface {
	// Synthesize renders the SSML document with the given voice and returns
	// raw 16 kHz mono 16-bit little-endian PCM. Transient backend failures
	// are wrapped in [TransientError]; an unknown voice returns
	// [ErrUnsupportedVoice].
	Synthesize(ctx context.Context, ssml string, voice Voice) ([]byte, error)
}
