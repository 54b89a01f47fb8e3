package relay

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/voice-relay/internal/convlog"
	"github.com/ashureev/voice-relay/internal/domain"
	"github.com/ashureev/voice-relay/internal/protocol"
)

const defaultHistorySize = 200

// Sink receives events for one viewer connection. Send must not block.
type Sink interface {
	Send(ev protocol.Outbound) error
}

// Entry is one numbered event in a session's history.
type Entry struct {
	EventID   int64
	SessionID string
	Event     protocol.Outbound
	At        time.Time
}

type sinkEntry struct {
	viewerID  string
	sessionID string
	sink      Sink
}

// Broadcaster fans session events out to attached viewer connections and SSE
// subscribers, and keeps a bounded per-session history for replay.
type Broadcaster struct {
	conv        convlog.Logger
	logger      *slog.Logger
	historySize int

	mu      sync.RWMutex
	nextID  int64
	history map[string]*list.List
	sinks   map[string]*sinkEntry
	subSeq  int64
	subs    map[string]map[int64]chan Entry
}

// NewBroadcaster creates a broadcaster keeping historySize events per session.
func NewBroadcaster(historySize int, conv convlog.Logger, logger *slog.Logger) *Broadcaster {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	if conv == nil {
		conv = convlog.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		conv:        conv,
		logger:      logger,
		historySize: historySize,
		history:     make(map[string]*list.List),
		sinks:       make(map[string]*sinkEntry),
		subs:        make(map[string]map[int64]chan Entry),
	}
}

// Notify records ev in the session's history and delivers it to the
// session's viewers. It implements conversation.Notifier.
func (b *Broadcaster) Notify(sessionID string, ev protocol.Outbound) {
	b.mu.Lock()
	b.nextID++
	entry := Entry{EventID: b.nextID, SessionID: sessionID, Event: ev, At: time.Now()}
	l, ok := b.history[sessionID]
	if !ok {
		l = list.New()
		b.history[sessionID] = l
	}
	l.PushBack(entry)
	for l.Len() > b.historySize {
		l.Remove(l.Front())
	}

	var targets []Sink
	for _, s := range b.sinks {
		if s.sessionID == sessionID {
			targets = append(targets, s.sink)
		}
	}
	for _, ch := range b.subs[sessionID] {
		select {
		case ch <- entry:
		default:
			b.logger.Warn("SSE subscriber too slow, dropping event", "session_id", sessionID, "event_id", entry.EventID)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		if err := s.Send(ev); err != nil {
			b.logger.Debug("Viewer send failed", "session_id", sessionID, "error", err)
		}
	}
	b.record(sessionID, ev)
}

// NotifyAll sends ev to every viewer connection regardless of session.
func (b *Broadcaster) NotifyAll(ev protocol.Outbound) {
	b.mu.RLock()
	targets := make([]Sink, 0, len(b.sinks))
	for _, s := range b.sinks {
		targets = append(targets, s.sink)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(ev); err != nil {
			b.logger.Debug("Viewer send failed", "error", err)
		}
	}
}

// AddSink registers a viewer connection with no session attached.
func (b *Broadcaster) AddSink(connID, viewerID string, s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks[connID] = &sinkEntry{viewerID: viewerID, sink: s}
}

// RemoveSink forgets a viewer connection.
func (b *Broadcaster) RemoveSink(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sinks, connID)
}

// Attach points a viewer connection at sessionID; "" detaches it.
func (b *Broadcaster) Attach(connID, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sinks[connID]; ok {
		s.sessionID = sessionID
	}
}

// ViewerAttached reports whether any connection of viewerID is attached to sessionID.
func (b *Broadcaster) ViewerAttached(viewerID, sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sinks {
		if s.viewerID == viewerID && s.sessionID == sessionID {
			return true
		}
	}
	return false
}

// Subscribe returns the history after eventID and a channel of later events.
// Taking both under one lock means no event is missed or repeated.
func (b *Broadcaster) Subscribe(sessionID string, after int64, buffer int) ([]Entry, <-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)

	b.mu.Lock()
	backlog := b.backlogLocked(sessionID, after)
	b.subSeq++
	id := b.subSeq
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int64]chan Entry)
	}
	b.subs[sessionID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subs[sessionID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subs, sessionID)
				}
			}
		})
	}
	return backlog, ch, cancel
}

// Backlog returns the session's history after eventID.
func (b *Broadcaster) Backlog(sessionID string, after int64) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.backlogLocked(sessionID, after)
}

func (b *Broadcaster) backlogLocked(sessionID string, after int64) []Entry {
	l, ok := b.history[sessionID]
	if !ok {
		return nil
	}
	var out []Entry
	for e := l.Front(); e != nil; e = e.Next() {
		entry := e.Value.(Entry)
		if entry.EventID > after {
			out = append(out, entry)
		}
	}
	return out
}

// Forget drops a session's history and detaches its viewer connections.
// Open SSE subscriptions stay until their requests end.
func (b *Broadcaster) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, sessionID)
	for _, s := range b.sinks {
		if s.sessionID == sessionID {
			s.sessionID = ""
		}
	}
}

// record writes transcripts and spoken commands to the conversation log.
func (b *Broadcaster) record(sessionID string, ev protocol.Outbound) {
	switch ev := ev.(type) {
	case protocol.Transcript:
		dir := "inbound"
		if ev.Speaker != domain.SpeakerUser {
			dir = "outbound"
		}
		var meta map[string]any
		if ev.Filename != "" || ev.Language != "" {
			meta = map[string]any{"filename": ev.Filename, "language": ev.Language}
		}
		b.conv.Log(convlog.Event{
			SessionID:  sessionID,
			Channel:    "voice",
			Direction:  dir,
			EventType:  "transcript",
			Speaker:    ev.Speaker,
			ContentRaw: ev.Text,
			Meta:       meta,
		})
	case protocol.Control:
		b.conv.Log(convlog.Event{
			SessionID:  sessionID,
			Channel:    "voice",
			Direction:  "inbound",
			EventType:  "control",
			ContentRaw: ev.Action,
		})
	}
}
