package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Event is one journal entry describing something the bot did for a user.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	UserID    string    `json:"user_id,omitempty"`
	UserName  string    `json:"user_name,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Voice     string    `json:"voice,omitempty"`
	Speed     int       `json:"speed,omitempty"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	KindSessionEnabled  = "session.enabled"
	KindSessionDisabled = "session.disabled"
	KindSessionVoice    = "session.voice"
	KindSessionSpeed    = "session.speed"
	KindUtteranceSpoken = "utterance.spoken"
	KindUtteranceFailed = "utterance.failed"
	KindVoiceJoined     = "voice.joined"
	KindVoiceLeft       = "voice.left"
)

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(kind string) Event {
	return Event{ID: uuid.NewString(), Kind: kind, Timestamp: time.Now().UTC()}
}

// Subject is the bus subject an event is published on.
func Subject(prefix string, evt Event) string {
	if prefix == "" {
		return evt.Kind
	}
	return prefix + "." + evt.Kind
}
