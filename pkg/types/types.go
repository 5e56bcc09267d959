// Package types defines the shared types used across all polyvox packages.
//
// These types form the lingua franca between the store, the registries, the
// ingestion pipeline, and the fan-out stages. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import "time"

// Role distinguishes the two kinds of connections a session can hold.
type Role string

const (
	// RoleSpeaker is the single authenticated audio producer of a session.
	RoleSpeaker Role = "speaker"

	// RoleListener is an audio consumer subscribed to one target language.
	RoleListener Role = "listener"
)

// IsValid reports whether r is a recognised connection role.
func (r Role) IsValid() bool {
	return r == RoleSpeaker || r == RoleListener
}

// QualityTier selects the service tier for a session.
type QualityTier string

const (
	TierStandard QualityTier = "standard"
	TierPremium  QualityTier = "premium"
)

// IsValid reports whether q is a recognised quality tier.
func (q QualityTier) IsValid() bool {
	return q == TierStandard || q == TierPremium
}

// BroadcastState holds the speaker-controlled toggles of a session.
type BroadcastState struct {
	// IsActive is false once the session has ended; no further broadcast
	// may be queued after that.
	IsActive bool `json:"isActive" dynamodbav:"isActive"`

	// IsPaused suppresses audio fan-out while true.
	IsPaused bool `json:"isPaused" dynamodbav:"isPaused"`

	// IsMuted suppresses audio fan-out while true, independently of pause.
	IsMuted bool `json:"isMuted" dynamodbav:"isMuted"`

	// Volume is the speaker-requested playback volume in [0, 1].
	Volume float64 `json:"volume" dynamodbav:"volume"`

	// LastStateChange records the most recent transition.
	LastStateChange time.Time `json:"lastStateChange" dynamodbav:"lastStateChange"`
}

// Broadcasting reports whether audio should currently flow to listeners.
func (b BroadcastState) Broadcasting() bool {
	return b.IsActive && !b.IsPaused && !b.IsMuted
}

// Session is a speaker-owned broadcast instance identified by a
// human-readable adjective-noun-NNN id.
type Session struct {
	SessionID      string         `json:"sessionId" dynamodbav:"sessionId"`
	SpeakerID      string         `json:"speakerId" dynamodbav:"speakerId"`
	SourceLanguage string         `json:"sourceLanguage" dynamodbav:"sourceLanguage"`
	QualityTier    QualityTier    `json:"qualityTier" dynamodbav:"qualityTier"`
	CreatedAt      time.Time      `json:"createdAt" dynamodbav:"createdAt"`
	ExpiresAt      time.Time      `json:"expiresAt" dynamodbav:"expiresAt,unixtime"`
	ListenerCount  int64          `json:"listenerCount" dynamodbav:"listenerCount"`
	Broadcast      BroadcastState `json:"broadcastState" dynamodbav:"broadcastState"`
}

// Connection binds a transport connection to a session and role.
type Connection struct {
	ConnectionID string `json:"connectionId" dynamodbav:"connectionId"`
	SessionID    string `json:"sessionId" dynamodbav:"sessionId"`
	Role         Role   `json:"role" dynamodbav:"role"`

	// TargetLanguage is set for listeners only, exactly one per connection.
	TargetLanguage string `json:"targetLanguage,omitempty" dynamodbav:"targetLanguage,omitempty"`

	// UserID is the verified identity for speakers, or an anonymous id for
	// listeners.
	UserID string `json:"userId" dynamodbav:"userId"`

	ConnectedAt time.Time `json:"connectedAt" dynamodbav:"connectedAt"`
	ExpiresAt   time.Time `json:"expiresAt" dynamodbav:"expiresAt,unixtime"`
}

// TranscriptResult is a streaming ASR output. Partials carry a stability
// score; finals are authoritative and may name the partials they replace.
type TranscriptResult struct {
	ResultID       string
	SessionID      string
	SourceLanguage string
	Text           string
	Timestamp      time.Time
	IsFinal        bool

	// StabilityScore in [0, 1] is the ASR-reported probability that a
	// partial's prefix will not be revised. Meaningless on finals.
	StabilityScore float64

	// ReplacesResultIDs lists partial result ids superseded by this final.
	// Optional; empty on partials.
	ReplacesResultIDs []string
}

// Emotion classifies the speaker's measured affect.
type Emotion string

const (
	EmotionHappy   Emotion = "happy"
	EmotionSad     Emotion = "sad"
	EmotionAngry   Emotion = "angry"
	EmotionExcited Emotion = "excited"
	EmotionNeutral Emotion = "neutral"
	EmotionFearful Emotion = "fearful"
)

// VolumeLevel is a coarse loudness class derived from the speaker's stream.
type VolumeLevel string

const (
	VolumeSoft   VolumeLevel = "soft"
	VolumeNormal VolumeLevel = "normal"
	VolumeLoud   VolumeLevel = "loud"
	VolumeXLoud  VolumeLevel = "x-loud"
)

// EmotionDynamics carries the prosody measurements taken on the speaker's
// audio, used to inflect synthesized speech.
type EmotionDynamics struct {
	Emotion Emotion

	// Intensity in [0, 1].
	Intensity float64

	// RateWPM is the measured speaking rate, clamped to [60, 240].
	RateWPM int

	VolumeLevel VolumeLevel
}

// Neutral returns the passthrough dynamics used when no measurement is
// available yet.
func Neutral() EmotionDynamics {
	return EmotionDynamics{
		Emotion:     EmotionNeutral,
		Intensity:   0.5,
		RateWPM:     150,
		VolumeLevel: VolumeNormal,
	}
}
