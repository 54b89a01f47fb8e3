// Package protocol defines the JSON events exchanged with assistants and viewers.
//
// Inbound events decode into closed sets of concrete types. Every decoder
// returns an explicit Unknown value for unrecognized kinds instead of an error,
// so callers handle them in their type switch.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the "type" discriminator of a wire event.
type Kind string

// Assistant event kinds.
const (
	KindRegister     Kind = "register"
	KindRegistered   Kind = "registered"
	KindHeartbeat    Kind = "heartbeat"
	KindResponse     Kind = "response"
	KindListening    Kind = "listening"
	KindActivity     Kind = "activity"
	KindCodeBlock    Kind = "code_block"
	KindDisconnect   Kind = "disconnect"
	KindVoiceMessage Kind = "voice_message"
	KindError        Kind = "error"
	KindStandby      Kind = "standby"
)

type envelope struct {
	Type Kind `json:"type"`
}

// AssistantEvent is an event sent by an assistant session.
type AssistantEvent interface {
	assistantEvent()
}

// Register announces (or re-announces) a session.
type Register struct {
	SessionID string `json:"session_id,omitempty"`
	Name      string `json:"name"`
	Cwd       string `json:"cwd"`
}

// Heartbeat keeps a session from going stale.
type Heartbeat struct{}

// Response is reply text to be spoken to the caller.
type Response struct {
	Text string `json:"text"`
}

// Listening signals the assistant is ready for the next turn.
type Listening struct{}

// Activity is a free-text label of what the assistant is doing.
type Activity struct {
	Activity string `json:"activity"`
}

// CodeBlock is code shown to viewers but never spoken.
type CodeBlock struct {
	Code     string `json:"code"`
	Filename string `json:"filename,omitempty"`
	Language string `json:"language,omitempty"`
}

// Disconnect is an explicit unregister.
type Disconnect struct{}

// Unknown is any event whose kind is not recognized.
type Unknown struct {
	Type Kind
	Raw  json.RawMessage
}

func (Register) assistantEvent()   {}
func (Heartbeat) assistantEvent()  {}
func (Response) assistantEvent()   {}
func (Listening) assistantEvent()  {}
func (Activity) assistantEvent()   {}
func (CodeBlock) assistantEvent()  {}
func (Disconnect) assistantEvent() {}
func (Unknown) assistantEvent()    {}

// DecodeAssistant parses one assistant event.
func DecodeAssistant(data []byte) (AssistantEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case KindRegister:
		return decodeInto[Register](data)
	case KindHeartbeat:
		return Heartbeat{}, nil
	case KindResponse:
		return decodeInto[Response](data)
	case KindListening:
		return Listening{}, nil
	case KindActivity:
		return decodeInto[Activity](data)
	case KindCodeBlock:
		return decodeInto[CodeBlock](data)
	case KindDisconnect:
		return Disconnect{}, nil
	default:
		return Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

func decodeInto[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// VoiceMessage is caller input forwarded to an assistant.
type VoiceMessage struct {
	Type      Kind    `json:"type"`
	Text      string  `json:"text"`
	Caller    string  `json:"caller"`
	Timestamp float64 `json:"timestamp"`
}

// NewVoiceMessage builds a voice_message event stamped with at (unix seconds).
func NewVoiceMessage(text, caller string, at time.Time) VoiceMessage {
	return VoiceMessage{
		Type:      KindVoiceMessage,
		Text:      text,
		Caller:    caller,
		Timestamp: float64(at.UnixMilli()) / 1000,
	}
}

// Registered acknowledges a Register.
type Registered struct {
	Type        Kind   `json:"type"`
	SessionID   string `json:"session_id"`
	Room        string `json:"room"`
	IsReconnect bool   `json:"is_reconnect"`
}

// NewRegistered builds a registered event.
func NewRegistered(sessionID, room string, reconnect bool) Registered {
	return Registered{Type: KindRegistered, SessionID: sessionID, Room: room, IsReconnect: reconnect}
}

// ErrorEvent reports a rejected request to either peer.
type ErrorEvent struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
}

// NewError builds an error event.
func NewError(message string) ErrorEvent {
	return ErrorEvent{Type: KindError, Message: message}
}

// StandbyResult answers a long-poll standby wait: either a voice message or
// the no-input sentinel.
type StandbyResult struct {
	Type      Kind    `json:"type"`
	Text      string  `json:"text"`
	Caller    string  `json:"caller,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// NewStandbyResult wraps a delivered voice message.
func NewStandbyResult(msg VoiceMessage) StandbyResult {
	return StandbyResult{Type: KindVoiceMessage, Text: msg.Text, Caller: msg.Caller, Timestamp: msg.Timestamp}
}

// NewStandbyTimeout builds the result for a wait that saw no input.
func NewStandbyTimeout(sentinel string) StandbyResult {
	return StandbyResult{Type: KindStandby, Text: sentinel}
}
