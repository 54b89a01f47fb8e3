package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ashureev/voice-relay/internal/domain"
)

func TestDecodeAssistant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want AssistantEvent
	}{
		{`{"type":"register","name":"proj","cwd":"/p"}`, Register{Name: "proj", Cwd: "/p"}},
		{`{"type":"heartbeat"}`, Heartbeat{}},
		{`{"type":"response","text":"done"}`, Response{Text: "done"}},
		{`{"type":"listening"}`, Listening{}},
		{`{"type":"activity","activity":"Running tests"}`, Activity{Activity: "Running tests"}},
		{`{"type":"code_block","code":"x := 1","language":"go"}`, CodeBlock{Code: "x := 1", Language: "go"}},
		{`{"type":"disconnect"}`, Disconnect{}},
	}
	for _, tt := range tests {
		got, err := DecodeAssistant([]byte(tt.in))
		if err != nil {
			t.Fatalf("DecodeAssistant(%s) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("DecodeAssistant(%s) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestDecodeUnknownIsExplicit(t *testing.T) {
	t.Parallel()

	ev, err := DecodeAssistant([]byte(`{"type":"teleport"}`))
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	u, ok := ev.(Unknown)
	if !ok || u.Type != "teleport" {
		t.Fatalf("got %#v, want Unknown{teleport}", ev)
	}

	vev, err := DecodeViewer([]byte(`{"no_type":true}`))
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if _, ok := vev.(Unknown); !ok {
		t.Fatalf("got %#v, want Unknown", vev)
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	if _, err := DecodeAssistant([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed envelope")
	}
	if _, err := DecodeViewer([]byte(`{"type":"text_input","text":5}`)); err == nil {
		t.Error("expected error for mistyped field")
	}
}

func TestDecodeViewer(t *testing.T) {
	t.Parallel()

	ev, err := DecodeViewer([]byte(`{"type":"connect_session","session_id":"abc123"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev != (ConnectSession{SessionID: "abc123"}) {
		t.Errorf("got %#v", ev)
	}
	ev, err = DecodeViewer([]byte(`{"type":"text_input","text":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev != (TextInput{Text: "hi"}) {
		t.Errorf("got %#v", ev)
	}
}

func TestVoiceMessageWire(t *testing.T) {
	t.Parallel()

	at := time.UnixMilli(1700000000500)
	data, err := json.Marshal(NewVoiceMessage("hello", "phone", at))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"voice_message","text":"hello","caller":"phone","timestamp":1700000000.5}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}

func TestStatusEvent(t *testing.T) {
	t.Parallel()

	ev := NewStatus(domain.StatusUpdate{SessionID: "s1", Status: domain.StatusThinking, Activity: "Reading"})
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"status","session_id":"s1","state":"thinking","activity":"Reading"}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
	if ev.Kind() != KindStatus {
		t.Errorf("Kind = %q", ev.Kind())
	}
}
