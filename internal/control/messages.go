// Package control implements the session control plane: speaker-originated
// state transitions, session-scoped outbound events, and the stable error
// code namespace shared by the streaming and REST surfaces.
package control

import (
	"encoding/json"
	"time"
)

// Inbound actions accepted on the streaming connection.
const (
	ActionCreateSession    = "createSession"
	ActionSendAudio        = "sendAudio"
	ActionPause            = "pause"
	ActionResume           = "resume"
	ActionMute             = "mute"
	ActionUnmute           = "unmute"
	ActionSetVolume        = "setVolume"
	ActionGetSessionStatus = "getSessionStatus"
	ActionHeartbeat        = "heartbeat"
	ActionJoinSession      = "joinSession"
)

// Message is the inbound client envelope. Fields beyond Action are
// populated per action.
type Message struct {
	Action string `json:"action"`

	SessionID      string `json:"sessionId,omitempty"`
	SourceLanguage string `json:"sourceLanguage,omitempty"`
	QualityTier    string `json:"qualityTier,omitempty"`
	TargetLanguage string `json:"targetLanguage,omitempty"`

	// Volume accompanies setVolume. Pointer so an absent field is
	// distinguishable from zero.
	Volume *float64 `json:"volume,omitempty"`

	// Data carries base64 PCM on sendAudio when the client cannot use
	// binary frames.
	Data string `json:"data,omitempty"`
}

// ParseMessage decodes one inbound text frame.
func ParseMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Outbound event types.
const (
	EventSessionCreated      = "sessionCreated"
	EventListenerJoined      = "listenerJoined"
	EventSessionStatus       = "sessionStatus"
	EventBroadcastControl    = "broadcastControl"
	EventAudioQualityWarning = "audioQualityWarning"
	EventConnectionRefresh   = "connectionRefresh"
	EventConnectionWarning   = "connectionWarning"
	EventHeartbeatAck        = "heartbeatAck"
	EventSessionEnded        = "sessionEnded"
	EventError               = "error"
)

// Event is the outbound server envelope.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// SessionCreatedPayload acknowledges session creation to the speaker.
type SessionCreatedPayload struct {
	SessionID   string    `json:"sessionId"`
	ExpiresAt   time.Time `json:"expiresAt"`
	QualityTier string    `json:"qualityTier"`
}

// ListenerJoinedPayload notifies the speaker of a new listener.
type ListenerJoinedPayload struct {
	ListenerCount  int64  `json:"listenerCount"`
	TargetLanguage string `json:"targetLanguage"`
}

// SessionStatusPayload answers getSessionStatus.
type SessionStatusPayload struct {
	IsActive             bool           `json:"isActive"`
	ListenerCount        int64          `json:"listenerCount"`
	LanguageDistribution map[string]int `json:"languageDistribution"`
}

// BroadcastControlPayload mirrors the session's control toggles to
// listeners.
type BroadcastControlPayload struct {
	IsPaused bool    `json:"isPaused"`
	IsMuted  bool    `json:"isMuted"`
	Volume   float64 `json:"volume"`
}

// AudioQualityWarningPayload tells the speaker about a detected input
// problem.
type AudioQualityWarningPayload struct {
	WarningType    string `json:"warningType"`
	Severity       string `json:"severity"`
	Message        string `json:"message"`
	Recommendation string `json:"recommendation"`
}

// ConnectionRefreshPayload asks the client to reconnect before the hard
// lifetime limit.
type ConnectionRefreshPayload struct {
	ExpiresIn string `json:"expiresIn"`
}

// ConnectionWarningPayload warns of imminent forced closure.
type ConnectionWarningPayload struct {
	RemainingMinutes int `json:"remainingMinutes"`
}

// SessionEndedPayload announces the end of a session to its listeners.
type SessionEndedPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload is the uniform error shape. Details never contain internal
// identifiers or stack traces.
type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Details       string `json:"details,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// NewEvent stamps an outbound envelope.
func NewEvent(eventType, sessionID string, payload any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
