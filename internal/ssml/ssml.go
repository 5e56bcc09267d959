// Package ssml renders translated text into SSML with prosody derived from
// the speaker's measured emotion dynamics.
package ssml

import (
	"strings"

	"github.com/polyvox/polyvox/pkg/types"
)

// Prosody rate classes, slowest to fastest. The order matters: emotion bias
// moves one step along this scale.
var rateClasses = []string{"x-slow", "slow", "medium", "fast", "x-fast"}

// rateClass maps a measured speaking rate to a prosody class by fixed
// thresholds.
func rateClass(wpm int) int {
	switch {
	case wpm < 90:
		return 0 // x-slow
	case wpm < 120:
		return 1 // slow
	case wpm < 160:
		return 2 // medium
	case wpm < 200:
		return 3 // fast
	default:
		return 4 // x-fast
	}
}

// volumeClass maps the coarse measured loudness to the SSML volume attribute.
func volumeClass(v types.VolumeLevel) string {
	switch v {
	case types.VolumeSoft:
		return "soft"
	case types.VolumeLoud:
		return "loud"
	case types.VolumeXLoud:
		return "x-loud"
	default:
		return "medium"
	}
}

// Render builds the SSML document for one translated segment.
//
// Sadness slows delivery one step and inserts pauses at clause boundaries;
// excitement speeds it up one step. Everything else passes straight through
// the measured prosody.
func Render(text string, d types.EmotionDynamics) string {
	rate := rateClass(d.RateWPM)
	switch d.Emotion {
	case types.EmotionSad:
		if rate > 0 {
			rate--
		}
	case types.EmotionExcited:
		if rate < len(rateClasses)-1 {
			rate++
		}
	}

	body := escape(text)
	if d.Emotion == types.EmotionSad {
		body = insertClauseBreaks(body)
	}

	var b strings.Builder
	b.WriteString(`<speak><prosody rate="`)
	b.WriteString(rateClasses[rate])
	b.WriteString(`" volume="`)
	b.WriteString(volumeClass(d.VolumeLevel))
	b.WriteString(`">`)
	b.WriteString(body)
	b.WriteString(`</prosody></speak>`)
	return b.String()
}

// escape replaces the five XML special characters. Applied before any markup
// is added, so breaks inserted later are not escaped themselves.
func escape(s string) string {
	return xmlEscaper.Replace(s)
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// insertClauseBreaks adds a 300 ms pause after clause punctuation. The text
// is already escaped, so punctuation is matched literally.
func insertClauseBreaks(escaped string) string {
	var b strings.Builder
	b.Grow(len(escaped))
	runes := []rune(escaped)
	for i, r := range runes {
		b.WriteRune(r)
		if r != ',' && r != ';' && r != ':' {
			continue
		}
		// Only break at a real clause edge, i.e. before following whitespace.
		if i+1 < len(runes) && runes[i+1] == ' ' {
			b.WriteString(`<break time="300ms"/>`)
		}
	}
	return b.String()
}
