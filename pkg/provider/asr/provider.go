// Package asr defines the Provider interface for streaming speech
// recognition backends.
//
// An ASR provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle: once
// opened, a session accepts raw PCM audio frames and emits two streams of
// Result values — stabilized partials for low-latency forwarding and
// authoritative finals.
//
// Implementations must be safe for concurrent use. Audio input and result
// output channels are goroutine-safe by construction.
package asr

import (
	"context"
	"time"
)

// Stability levels accepted by [StreamConfig.PartialStability].
const (
	StabilityLow    = "low"
	StabilityMedium = "medium"
	StabilityHigh   = "high"
)

// StreamConfig describes the audio format and recognition settings for a new
// ASR session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The platform always streams
	// 16000.
	SampleRate int

	// Channels is the number of audio channels; always 1 here.
	Channels int

	// Language is the ISO-639-1 source language of the speaker (e.g., "en").
	Language string

	// EnablePartialStabilization asks the provider to stabilize partial
	// result prefixes and attach a stability score.
	EnablePartialStabilization bool

	// PartialStability selects the provider's stabilization level. One of
	// [StabilityLow], [StabilityMedium], [StabilityHigh]. Default high.
	PartialStability string
}

// Result is one streaming recognition output. Partials carry a stability
// score; finals are authoritative and may name the partials they replace.
type Result struct {
	// ResultID identifies the utterance this result belongs to. A partial
	// and the final that supersedes it may share or differ in id depending
	// on the provider.
	ResultID string

	Text      string
	IsFinal   bool
	Timestamp time.Time

	// Stability in [0, 1] is the provider-reported probability that this
	// partial's prefix will not be revised. Zero on finals.
	Stability float64

	// ReplacesResultIDs lists partial result ids superseded by this final.
	// May be empty.
	ReplacesResultIDs []string
}

// SessionHandle represents an open streaming recognition session. It is an
// interface so that test code can provide mock implementations without a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider.
	// Chunks must arrive in capture order; the handle preserves that order
	// into the provider. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel emitting stabilized interim
	// results. The channel is closed when the session ends.
	Partials() <-chan Result

	// Finals returns a read-only channel emitting authoritative results.
	// The channel is closed when the session ends.
	Finals() <-chan Result

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any streaming ASR backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously, one per active speaker.
type Provider interface {
	// StartStream opens a new streaming recognition session. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session. The
	// caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
