// Package audio provides PCM validation and signal measurements for the
// ingestion pipeline.
//
// All functions operate on raw little-endian 16-bit mono PCM at 16 kHz, the
// only format the platform accepts from speakers and emits to listeners.
package audio

import (
	"errors"
	"fmt"
	"math"
)

// Format constants for the speaker ingest contract.
const (
	SampleRate    = 16000
	Channels      = 1
	BytesPerSamp  = 2
	BytesPerSecond = SampleRate * Channels * BytesPerSamp
)

// ErrOddByteCount reports PCM data whose length is not sample-aligned.
var ErrOddByteCount = errors.New("audio: PCM16 data has odd byte count")

// ErrEmptyChunk reports a zero-length audio chunk.
var ErrEmptyChunk = errors.New("audio: empty chunk")

// ValidateChunk checks that chunk is plausible PCM16LE mono 16 kHz audio:
// non-empty, sample-aligned, and not a constant DC-offset block (which a
// mis-encoded float or big-endian stream produces). It is cheap enough to
// run on the first chunk of every connection.
func ValidateChunk(chunk []byte) error {
	if len(chunk) == 0 {
		return ErrEmptyChunk
	}
	if len(chunk)%BytesPerSamp != 0 {
		return fmt.Errorf("%w: %d bytes", ErrOddByteCount, len(chunk))
	}

	// Sample-range sanity: a valid speech chunk is not pinned to a single
	// extreme value for its whole duration.
	first := sampleAt(chunk, 0)
	constant := true
	pinned := 0
	n := len(chunk) / BytesPerSamp
	for i := 0; i < n; i++ {
		s := sampleAt(chunk, i)
		if s != first {
			constant = false
		}
		if s == math.MinInt16 || s == math.MaxInt16 {
			pinned++
		}
	}
	if constant && first != 0 {
		return fmt.Errorf("audio: constant non-zero signal (%d), likely wrong encoding", first)
	}
	if n > 0 && pinned == n {
		return errors.New("audio: all samples pinned to full scale, likely wrong encoding")
	}
	return nil
}

// sampleAt decodes the i-th little-endian int16 sample.
func sampleAt(chunk []byte, i int) int16 {
	return int16(uint16(chunk[2*i]) | uint16(chunk[2*i+1])<<8)
}

// RMS returns the root-mean-square amplitude of chunk normalized to [0, 1].
// Returns 0 for empty or misaligned input.
func RMS(chunk []byte) float64 {
	n := len(chunk) / BytesPerSamp
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(sampleAt(chunk, i)) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// DBFS converts a normalized RMS amplitude to decibels relative to full
// scale. Silence maps to -96 dB rather than -Inf.
func DBFS(rms float64) float64 {
	if rms <= 0 {
		return -96
	}
	db := 20 * math.Log10(rms)
	if db < -96 {
		return -96
	}
	return db
}

// ClippingRatio returns the fraction of samples at or within one step of
// full scale.
func ClippingRatio(chunk []byte) float64 {
	n := len(chunk) / BytesPerSamp
	if n == 0 {
		return 0
	}
	clipped := 0
	for i := 0; i < n; i++ {
		s := sampleAt(chunk, i)
		if s >= math.MaxInt16-1 || s <= math.MinInt16+1 {
			clipped++
		}
	}
	return float64(clipped) / float64(n)
}

// EchoScore searches for a delayed copy of the signal via normalized
// autocorrelation over lags in [minDelay, maxDelay] and returns the peak
// correlation in [0, 1] together with the lag (in samples) where it was
// found. The ingestion pipeline flags echo when the peak exceeds the
// configured threshold (-15 dB by default, i.e. ~0.178 linear).
func EchoScore(chunk []byte, minDelay, maxDelay int) (score float64, lag int) {
	n := len(chunk) / BytesPerSamp
	if n == 0 || minDelay <= 0 || maxDelay <= minDelay || maxDelay >= n {
		return 0, 0
	}

	samples := make([]float64, n)
	var energy float64
	for i := 0; i < n; i++ {
		samples[i] = float64(sampleAt(chunk, i)) / 32768.0
		energy += samples[i] * samples[i]
	}
	if energy == 0 {
		return 0, 0
	}

	// Coarse lag stride keeps this O(n·lags/stride); the analyzers run
	// best-effort off the hot path but still should not burn a core.
	const stride = 4
	for d := minDelay; d <= maxDelay; d += stride {
		var corr float64
		for i := 0; i+d < n; i++ {
			corr += samples[i] * samples[i+d]
		}
		corr = math.Abs(corr) / energy
		if corr > score {
			score, lag = corr, d
		}
	}
	return score, lag
}

// OnsetRate estimates syllable onsets per second from short-window energy
// rises. It is a coarse speaking-rate proxy: onsets/s × 60 ÷ ~1.5
// syllables/word approximates words per minute.
func OnsetRate(chunk []byte) float64 {
	n := len(chunk) / BytesPerSamp
	const window = SampleRate / 50 // 20 ms
	if n < 2*window {
		return 0
	}

	var prev float64
	onsets := 0
	rising := false
	for start := 0; start+window <= n; start += window {
		var e float64
		for i := start; i < start+window; i++ {
			s := float64(sampleAt(chunk, i)) / 32768.0
			e += s * s
		}
		e /= float64(window)

		// An onset is a 3x energy rise from a non-silent floor.
		if prev > 1e-6 && e > 3*prev && !rising {
			onsets++
			rising = true
		} else if e < prev {
			rising = false
		}
		prev = e
	}

	seconds := float64(n) / float64(SampleRate)
	return float64(onsets) / seconds
}
