package domain

import "time"

// SessionMetadata holds viewer-editable settings persisted per session.
type SessionMetadata struct {
	SessionID   string    `json:"session_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Hue         *int      `json:"hue,omitempty"`
	AutoListen  bool      `json:"auto_listen"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DefaultMetadata returns the metadata used when nothing is stored.
func DefaultMetadata(sessionID string) SessionMetadata {
	return SessionMetadata{SessionID: sessionID, AutoListen: true}
}
