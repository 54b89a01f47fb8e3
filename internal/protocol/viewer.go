package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/voice-relay/internal/domain"
)

// Viewer event kinds.
const (
	KindConnectSession    Kind = "connect_session"
	KindDisconnectSession Kind = "disconnect_session"
	KindTextInput         Kind = "text_input"
	KindListSessions      Kind = "list_sessions"
	KindPing              Kind = "ping"
	KindPong              Kind = "pong"
	KindSessions          Kind = "sessions"
	KindSessionConnected  Kind = "session_connected"
	KindSessionNotFound   Kind = "session_not_found"
	KindStatus            Kind = "status"
	KindTranscript        Kind = "transcript"
	KindHint              Kind = "hint"
	KindControl           Kind = "control"
)

// ViewerEvent is an event sent by a viewer.
type ViewerEvent interface {
	viewerEvent()
}

// ConnectSession attaches the viewer to a session.
type ConnectSession struct {
	SessionID string `json:"session_id"`
}

// DisconnectSession detaches the viewer from its session.
type DisconnectSession struct{}

// TextInput is typed text for the attached session.
type TextInput struct {
	Text string `json:"text"`
}

// ListSessions asks for the current session list.
type ListSessions struct{}

// Ping is a keepalive.
type Ping struct{}

func (ConnectSession) viewerEvent()    {}
func (DisconnectSession) viewerEvent() {}
func (TextInput) viewerEvent()         {}
func (ListSessions) viewerEvent()      {}
func (Ping) viewerEvent()              {}
func (Unknown) viewerEvent()           {}

// DecodeViewer parses one viewer event.
func DecodeViewer(data []byte) (ViewerEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case KindConnectSession:
		return decodeInto[ConnectSession](data)
	case KindDisconnectSession:
		return DisconnectSession{}, nil
	case KindTextInput:
		return decodeInto[TextInput](data)
	case KindListSessions:
		return ListSessions{}, nil
	case KindPing:
		return Ping{}, nil
	default:
		return Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// Outbound is any event sent to a viewer.
type Outbound interface {
	Kind() Kind
}

// SessionSummary is one row of a Sessions event.
type SessionSummary struct {
	SessionID   string `json:"session_id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	DirName     string `json:"dir_name"`
	Cwd         string `json:"cwd"`
	Room        string `json:"room"`
	Hue         *int   `json:"hue,omitempty"`
	AutoListen  bool   `json:"auto_listen"`
	Viewers     int    `json:"viewers"`
}

// Sessions lists live sessions.
type Sessions struct {
	Type     Kind             `json:"type"`
	Sessions []SessionSummary `json:"sessions"`
}

// SessionConnected confirms a ConnectSession.
type SessionConnected struct {
	Type      Kind   `json:"type"`
	SessionID string `json:"session_id"`
}

// SessionNotFound rejects a ConnectSession.
type SessionNotFound struct {
	Type      Kind   `json:"type"`
	SessionID string `json:"session_id"`
}

// Status carries a conversation state change.
type Status struct {
	Type      Kind   `json:"type"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Activity  string `json:"activity,omitempty"`
}

// Transcript carries one conversation line.
type Transcript struct {
	Type      Kind    `json:"type"`
	SessionID string  `json:"session_id"`
	Speaker   string  `json:"speaker"`
	Text      string  `json:"text"`
	Filename  string  `json:"filename,omitempty"`
	Language  string  `json:"language,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// Hint tells viewers why an utterance was dropped.
type Hint struct {
	Type                     Kind   `json:"type"`
	SessionID                string `json:"session_id"`
	Reason                   string `json:"reason"`
	SuggestDisableAutoListen bool   `json:"suggest_disable_auto_listen"`
}

// Control asks viewers to perform a local action.
type Control struct {
	Type      Kind   `json:"type"`
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
}

// Pong answers a Ping.
type Pong struct {
	Type Kind `json:"type"`
}

func (e Sessions) Kind() Kind         { return KindSessions }
func (e SessionConnected) Kind() Kind { return KindSessionConnected }
func (e SessionNotFound) Kind() Kind  { return KindSessionNotFound }
func (e Status) Kind() Kind           { return KindStatus }
func (e Transcript) Kind() Kind       { return KindTranscript }
func (e Hint) Kind() Kind             { return KindHint }
func (e Control) Kind() Kind          { return KindControl }
func (e Pong) Kind() Kind             { return KindPong }
func (e ErrorEvent) Kind() Kind       { return KindError }

// NewStatus builds a status event from an update.
func NewStatus(u domain.StatusUpdate) Status {
	return Status{Type: KindStatus, SessionID: u.SessionID, State: u.Status.String(), Activity: u.Activity}
}

// NewTranscript builds a transcript event from an entry.
func NewTranscript(e domain.TranscriptEntry) Transcript {
	return Transcript{
		Type:      KindTranscript,
		SessionID: e.SessionID,
		Speaker:   e.Speaker,
		Text:      e.Text,
		Filename:  e.Filename,
		Language:  e.Language,
		Timestamp: float64(e.At.UnixMilli()) / 1000,
	}
}
