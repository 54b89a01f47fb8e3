package domain

import (
	"fmt"
	"time"
)

// Status is the conversation state shown to viewers.
type Status int

const (
	StatusIdle Status = iota
	StatusThinking
	StatusSpeaking
	StatusError
)

// Activity labels shown alongside StatusThinking.
const (
	ActivityTranscribing = "Transcribing speech..."
	ActivityWaiting      = "Waiting for response..."
)

// StandbySentinel is returned to an assistant whose standby wait timed out.
const StandbySentinel = "[Standby]: No voice input received. Still listening."

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusThinking:
		return "thinking"
	case StatusSpeaking:
		return "speaking"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusUpdate is a status transition for one session.
type StatusUpdate struct {
	SessionID string    `json:"session_id"`
	Status    Status    `json:"state"`
	Activity  string    `json:"activity,omitempty"`
	At        time.Time `json:"at"`
}
