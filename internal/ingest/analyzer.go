package ingest

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/pkg/audio"
	"github.com/polyvox/polyvox/pkg/types"
)

// Quality issue kinds reported to speakers. Part of the wire contract on
// qualityWarning messages.
const (
	IssueClipping = "clipping"
	IssueEcho     = "echo"
	IssueSilence  = "silence"
	IssueLowSNR   = "low_snr"
)

// Issue is one speaker-visible quality finding.
type Issue struct {
	Kind    string
	Message string
}

// Echo search range: delayed copies between 10 ms and 500 ms.
const (
	echoMinDelaySamples = audio.SampleRate / 100
	echoMaxDelaySamples = audio.SampleRate / 2
)

// analyzer keeps the per-connection signal state behind the best-effort
// quality checks and the emotion measurement. It never gates the pipeline:
// observe returns findings, the caller decides what to do with them.
type analyzer struct {
	cfg config.QualityConfig
	now func() time.Time

	mu sync.Mutex

	// Silence hysteresis: enter below SilenceEnterDB, leave above
	// SilenceExitDB, warn only after SilenceSeconds inside.
	inSilence     bool
	silenceSince  time.Time
	silenceWarned bool

	// Level tracking. noiseFloor chases the quietest recent chunks,
	// signalLevel the loudest, both as EMAs; their ratio estimates SNR.
	noiseFloor  float64
	signalLevel float64

	// Speaking-rate EMA in onsets per second.
	onsetEMA float64

	lastNotify map[string]time.Time
	dynamics   types.EmotionDynamics
	chunks     int
}

func newAnalyzer(cfg config.QualityConfig, now func() time.Time) *analyzer {
	return &analyzer{
		cfg:        cfg,
		now:        now,
		lastNotify: map[string]time.Time{},
		dynamics:   types.Neutral(),
	}
}

// observe ingests one chunk and returns the issues that are both detected
// and due for notification under the per-kind rate limit.
func (a *analyzer) observe(chunk []byte) []Issue {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.chunks++
	rms := audio.RMS(chunk)
	db := audio.DBFS(rms)

	a.trackLevels(rms)
	a.trackRate(chunk)
	a.updateDynamics(db)

	var found []Issue
	if issue, ok := a.checkSilence(db); ok {
		found = append(found, issue)
	}
	if ratio := audio.ClippingRatio(chunk); ratio > a.cfg.ClippingWarnRatio {
		found = append(found, Issue{
			Kind:    IssueClipping,
			Message: fmt.Sprintf("input is clipping (%.1f%% of samples at full scale); lower the microphone gain", ratio*100),
		})
	}
	// Echo autocorrelation is the most expensive check; every 10th chunk
	// (one per second at 100 ms chunks) is plenty for a human-visible hint.
	if a.chunks%10 == 0 {
		threshold := math.Pow(10, a.cfg.EchoThresholdDB/20)
		if score, lag := audio.EchoScore(chunk, echoMinDelaySamples, echoMaxDelaySamples); score > threshold {
			found = append(found, Issue{
				Kind:    IssueEcho,
				Message: fmt.Sprintf("echo detected (%.0f ms delay); use headphones or move the microphone", float64(lag)/audio.SampleRate*1000),
			})
		}
	}
	if issue, ok := a.checkSNR(db); ok {
		found = append(found, issue)
	}

	due := found[:0]
	for _, is := range found {
		if a.shouldNotifyLocked(is.Kind) {
			due = append(due, is)
		}
	}
	return due
}

// trackLevels maintains the noise-floor and signal-level EMAs.
func (a *analyzer) trackLevels(rms float64) {
	const alpha = 0.05
	if a.noiseFloor == 0 {
		a.noiseFloor = rms
	}
	if rms < a.noiseFloor || a.noiseFloor == 0 {
		a.noiseFloor = a.noiseFloor*(1-alpha) + rms*alpha
	} else {
		// Let the floor creep up slowly so it can recover from a quiet start.
		a.noiseFloor += (rms - a.noiseFloor) * alpha / 20
	}
	if rms > a.signalLevel {
		a.signalLevel = a.signalLevel*(1-alpha) + rms*alpha
	} else {
		a.signalLevel += (rms - a.signalLevel) * alpha / 4
	}
}

func (a *analyzer) trackRate(chunk []byte) {
	const alpha = 0.2
	if rate := audio.OnsetRate(chunk); rate > 0 {
		if a.onsetEMA == 0 {
			a.onsetEMA = rate
		} else {
			a.onsetEMA = a.onsetEMA*(1-alpha) + rate*alpha
		}
	}
}

// checkSilence runs the two-threshold hysteresis and warns once per silent
// stretch.
func (a *analyzer) checkSilence(db float64) (Issue, bool) {
	switch {
	case !a.inSilence && db < a.cfg.SilenceEnterDB:
		a.inSilence = true
		a.silenceSince = a.now()
		a.silenceWarned = false
	case a.inSilence && db > a.cfg.SilenceExitDB:
		a.inSilence = false
	}

	if a.inSilence && !a.silenceWarned &&
		a.now().Sub(a.silenceSince) >= time.Duration(a.cfg.SilenceSeconds)*time.Second {
		a.silenceWarned = true
		return Issue{
			Kind:    IssueSilence,
			Message: fmt.Sprintf("no audio detected for %ds; check that the microphone is unmuted", a.cfg.SilenceSeconds),
		}, true
	}
	return Issue{}, false
}

// checkSNR estimates signal-to-noise from the tracked levels. Skipped while
// silent or before both EMAs have settled.
func (a *analyzer) checkSNR(db float64) (Issue, bool) {
	if a.inSilence || a.noiseFloor <= 0 || a.signalLevel <= 0 || a.chunks < 50 {
		return Issue{}, false
	}
	snr := 20 * math.Log10(a.signalLevel/a.noiseFloor)
	if snr < a.cfg.MinSNRDB {
		return Issue{
			Kind:    IssueLowSNR,
			Message: fmt.Sprintf("high background noise (SNR %.0f dB); move to a quieter spot", snr),
		}, true
	}
	return Issue{}, false
}

// shouldNotifyLocked rate-limits speaker-visible warnings per issue kind.
func (a *analyzer) shouldNotifyLocked(kind string) bool {
	interval := time.Duration(a.cfg.NotifyIntervalSeconds) * time.Second
	now := a.now()
	if last, ok := a.lastNotify[kind]; ok && now.Sub(last) < interval {
		return false
	}
	a.lastNotify[kind] = now
	return true
}

// updateDynamics derives the prosody measurement from the level and rate
// trackers. The classification is deliberately coarse: it drives SSML
// prosody, not analytics.
func (a *analyzer) updateDynamics(db float64) {
	d := types.EmotionDynamics{}

	switch {
	case db > -10:
		d.VolumeLevel = types.VolumeXLoud
	case db > -20:
		d.VolumeLevel = types.VolumeLoud
	case db > -35:
		d.VolumeLevel = types.VolumeNormal
	default:
		d.VolumeLevel = types.VolumeSoft
	}

	// onsets/s x 60 / ~1.5 syllables per word.
	wpm := int(a.onsetEMA * 60 / 1.5)
	if wpm < 60 {
		wpm = 60
	}
	if wpm > 240 {
		wpm = 240
	}
	d.RateWPM = wpm

	intensity := (db + 60) / 60
	if intensity < 0 {
		intensity = 0
	}
	if intensity > 1 {
		intensity = 1
	}
	d.Intensity = intensity

	loud := d.VolumeLevel == types.VolumeLoud || d.VolumeLevel == types.VolumeXLoud
	switch {
	case loud && wpm >= 180:
		d.Emotion = types.EmotionExcited
	case loud && intensity > 0.8:
		d.Emotion = types.EmotionAngry
	case d.VolumeLevel == types.VolumeSoft && wpm <= 100 && a.chunks > 20:
		d.Emotion = types.EmotionSad
	default:
		d.Emotion = types.EmotionNeutral
	}

	a.dynamics = d
}

// Dynamics returns the latest prosody measurement.
func (a *analyzer) Dynamics() types.EmotionDynamics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dynamics
}
