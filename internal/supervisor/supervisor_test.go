package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/voice-relay/internal/conversation"
	"github.com/ashureev/voice-relay/internal/domain"
	"github.com/ashureev/voice-relay/internal/protocol"
	"github.com/ashureev/voice-relay/internal/room"
)

type recorder struct {
	mu     sync.Mutex
	events map[string][]protocol.Outbound
}

func (r *recorder) Notify(sessionID string, ev protocol.Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(map[string][]protocol.Outbound)
	}
	r.events[sessionID] = append(r.events[sessionID], ev)
}

func (r *recorder) count(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[sessionID])
}

type fakeForwarder struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (f *fakeForwarder) Send(_ context.Context, sessionID string, msg protocol.VoiceMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string][]string)
	}
	f.sent[sessionID] = append(f.sent[sessionID], msg.Text)
	return nil
}

func newSupervisor(t *testing.T) (*Supervisor, *room.Hub, *recorder, *fakeForwarder) {
	t.Helper()
	hub := room.NewHub(room.DefaultConfig(), nil)
	rec := &recorder{}
	fwd := &fakeForwarder{}
	s := New(hub, conversation.DefaultConfig(), conversation.Deps{Forwarder: fwd, Notifier: rec}, nil)
	t.Cleanup(s.Shutdown)
	return s, hub, rec, fwd
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAddIsIdempotent(t *testing.T) {
	t.Parallel()
	s, hub, _, _ := newSupervisor(t)

	if !s.Add("abc123") {
		t.Fatal("first Add should create a machine")
	}
	if s.Add("abc123") {
		t.Error("second Add should be a no-op")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
	if _, ok := hub.Get(domain.RoomName("abc123")); !ok {
		t.Error("room was not opened")
	}
}

func TestRemoveClosesRoomAndIsIdempotent(t *testing.T) {
	t.Parallel()
	s, hub, _, _ := newSupervisor(t)

	s.Add("abc123")
	s.Remove("abc123")
	s.Remove("abc123")

	if s.Has("abc123") {
		t.Error("machine still present after Remove")
	}
	if _, ok := hub.Get(domain.RoomName("abc123")); ok {
		t.Error("room still open after Remove")
	}
}

func TestRoutesByID(t *testing.T) {
	t.Parallel()
	s, _, rec, fwd := newSupervisor(t)
	s.Add("one")
	s.Add("two")

	s.Utterance("two", "hello", "laptop")
	waitUntil(t, "forward to two", func() bool {
		fwd.mu.Lock()
		defer fwd.mu.Unlock()
		return len(fwd.sent["two"]) == 1
	})
	if rec.count("one") != 0 {
		t.Error("session one received events routed to two")
	}

	snap, ok := s.Snapshot("two")
	if !ok || snap.Status != domain.StatusThinking {
		t.Errorf("Snapshot(two) = %+v, %v", snap, ok)
	}
}

func TestMissingSessionIsIgnored(t *testing.T) {
	t.Parallel()
	s, _, rec, _ := newSupervisor(t)

	s.Reply("ghost", "hi")
	s.Listening("ghost")
	s.Activity("ghost", "Reading")
	s.Utterance("ghost", "hi", "laptop")
	s.AttachStream("ghost", "phone", make(chan room.Frame))

	if _, ok := s.Snapshot("ghost"); ok {
		t.Error("Snapshot of a missing session should report false")
	}
	if rec.count("ghost") != 0 {
		t.Error("events were emitted for a missing session")
	}
}

func TestShutdownRemovesAll(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newSupervisor(t)
	s.Add("a")
	s.Add("b")

	s.Shutdown()
	if s.Len() != 0 {
		t.Errorf("Len after Shutdown = %d", s.Len())
	}
}
