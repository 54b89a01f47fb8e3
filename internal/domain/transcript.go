package domain

import "time"

// Speakers for transcript entries.
const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
	SpeakerCode      = "code"
)

// TranscriptEntry is one line of the visible conversation.
type TranscriptEntry struct {
	SessionID string    `json:"session_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Caller    string    `json:"caller,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Language  string    `json:"language,omitempty"`
	At        time.Time `json:"timestamp"`
}
