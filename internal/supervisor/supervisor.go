// Package supervisor owns the conversation machine of every live session.
package supervisor

import (
	"log/slog"
	"sync"

	"github.com/ashureev/voice-relay/internal/conversation"
	"github.com/ashureev/voice-relay/internal/domain"
	"github.com/ashureev/voice-relay/internal/room"
)

// Supervisor maps session IDs to conversation machines and their rooms.
// Events for unknown sessions are dropped: the session was already torn down.
type Supervisor struct {
	hub    *room.Hub
	cfg    conversation.Config
	deps   conversation.Deps
	logger *slog.Logger

	mu       sync.Mutex
	machines map[string]*conversation.Machine
}

// New creates a supervisor. deps is the template for every machine; its
// Source is replaced by the session room's audio source.
func New(hub *room.Hub, cfg conversation.Config, deps conversation.Deps, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &Supervisor{
		hub:      hub,
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		machines: make(map[string]*conversation.Machine),
	}
}

// Add starts a machine for id and opens its room. It reports whether a new
// machine was created; adding a present id is a no-op.
func (s *Supervisor) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.machines[id]; ok {
		return false
	}

	name := domain.RoomName(id)
	rm := s.hub.Open(name, nil)
	deps := s.deps
	deps.Source = rm.Source()
	m := conversation.New(id, s.cfg, deps)
	s.hub.Open(name, m.AttachStream)

	s.machines[id] = m
	s.logger.Info("Conversation started", "session_id", id, "room", name)
	return true
}

// Remove stops the machine for id and closes its room.
func (s *Supervisor) Remove(id string) {
	s.mu.Lock()
	m, ok := s.machines[id]
	delete(s.machines, id)
	s.mu.Unlock()

	if !ok {
		return
	}
	m.Close()
	s.hub.Close(domain.RoomName(id))
	s.logger.Info("Conversation stopped", "session_id", id)
}

func (s *Supervisor) get(id string) (*conversation.Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	return m, ok
}

// Utterance submits caller text to the session.
func (s *Supervisor) Utterance(id, text, caller string) {
	if m, ok := s.get(id); ok {
		m.SubmitText(text, caller)
	}
}

// Reply queues assistant text for playback.
func (s *Supervisor) Reply(id, text string) {
	if m, ok := s.get(id); ok {
		m.Reply(text)
	}
}

// Listening signals that the assistant is ready for the next turn.
func (s *Supervisor) Listening(id string) {
	if m, ok := s.get(id); ok {
		m.Listening()
	}
}

// Activity shows the assistant's current work.
func (s *Supervisor) Activity(id, label string) {
	if m, ok := s.get(id); ok {
		m.Activity(label)
	}
}

// AttachStream routes a participant's inbound audio to the session.
func (s *Supervisor) AttachStream(id, identity string, frames <-chan room.Frame) {
	if m, ok := s.get(id); ok {
		m.AttachStream(identity, frames)
	}
}

// Snapshot returns the session's current status.
func (s *Supervisor) Snapshot(id string) (domain.StatusUpdate, bool) {
	m, ok := s.get(id)
	if !ok {
		return domain.StatusUpdate{}, false
	}
	return m.Snapshot(), true
}

// Has reports whether a machine is running for id.
func (s *Supervisor) Has(id string) bool {
	_, ok := s.get(id)
	return ok
}

// Len returns the number of running machines.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.machines)
}

// Shutdown removes every session.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.machines))
	for id := range s.machines {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Remove(id)
	}
}
