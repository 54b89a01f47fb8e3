// Package relay connects assistant processes and viewers to the conversation core.
//
// Assistants attach over a websocket or the standby long-poll API; viewers
// attach over a websocket or a read-only SSE stream. Everything here refers to
// sessions by ID and reaches conversation state only through Sessions.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/voice-relay/internal/domain"
	"github.com/ashureev/voice-relay/internal/protocol"
	"github.com/ashureev/voice-relay/internal/registry"
	"github.com/go-chi/chi/v5"
)

// ErrTransportClosed is returned when sending on a closed assistant transport.
var ErrTransportClosed = errors.New("transport closed")

// Sessions routes events to per-session conversation machines.
type Sessions interface {
	Add(id string) bool
	Remove(id string)
	Utterance(id, text, caller string)
	Reply(id, text string)
	Listening(id string)
	Activity(id, label string)
	Snapshot(id string) (domain.StatusUpdate, bool)
}

// SessionLister produces the viewer-facing session list.
type SessionLister interface {
	Summaries(ctx context.Context) []protocol.SessionSummary
}

// Options configures the relay's transports.
type Options struct {
	OriginPatterns    []string
	StandbyMaxWait    time.Duration
	HeartbeatInterval time.Duration
	QueueSize         int
	TextRateLimit     int
	TextRateWindow    time.Duration
	SSEKeepalive      time.Duration
	SSERetry          time.Duration
	MaxBodyBytes      int64
}

// DefaultOptions returns production settings.
func DefaultOptions() Options {
	return Options{
		OriginPatterns:    []string{"*"},
		StandbyMaxWait:    24 * time.Hour,
		HeartbeatInterval: 30 * time.Second,
		QueueSize:         32,
		TextRateLimit:     10,
		TextRateWindow:    time.Minute,
		SSEKeepalive:      15 * time.Second,
		SSERetry:          5 * time.Second,
		MaxBodyBytes:      1 << 20,
	}
}

// Relay wires the assistant and viewer transports to the registry and sessions.
type Relay struct {
	registry    *registry.Registry
	sessions    Sessions
	broadcaster *Broadcaster
	lister      SessionLister
	limiter     *RateLimiter
	opts        Options
	logger      *slog.Logger

	standbyMu sync.Mutex
	standby   map[string]*queueTransport

	// lifecycle serializes register and teardown per session ID.
	lifecycle keyedMutex
	// viewers serializes attach and detach per viewer device.
	viewers keyedMutex
}

// New creates a relay.
func New(reg *registry.Registry, sessions Sessions, b *Broadcaster, lister SessionLister, opts Options, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if len(opts.OriginPatterns) == 0 {
		opts.OriginPatterns = def.OriginPatterns
	}
	if opts.StandbyMaxWait <= 0 {
		opts.StandbyMaxWait = def.StandbyMaxWait
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.TextRateLimit <= 0 {
		opts.TextRateLimit = def.TextRateLimit
	}
	if opts.TextRateWindow <= 0 {
		opts.TextRateWindow = def.TextRateWindow
	}
	if opts.SSEKeepalive <= 0 {
		opts.SSEKeepalive = def.SSEKeepalive
	}
	if opts.SSERetry <= 0 {
		opts.SSERetry = def.SSERetry
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = def.MaxBodyBytes
	}
	return &Relay{
		registry:    reg,
		sessions:    sessions,
		broadcaster: b,
		lister:      lister,
		limiter:     NewRateLimiter(opts.TextRateLimit, opts.TextRateWindow),
		opts:        opts,
		logger:      logger,
		standby:     make(map[string]*queueTransport),
	}
}

// RegisterRoutes registers every relay route.
func (rl *Relay) RegisterRoutes(r chi.Router) {
	r.Get("/ws/session", rl.ServeAssistant)
	r.Get("/ws/client", rl.ServeViewer)
	r.Get("/api/sessions/{id}/events", rl.ServeEvents)
	r.Route("/api/assistant", func(r chi.Router) {
		r.Post("/register", rl.handleStandbyRegister)
		r.Post("/{id}/heartbeat", rl.handleStandbyHeartbeat)
		r.Get("/{id}/standby", rl.handleStandbyWait)
		r.Post("/{id}/respond", rl.handleStandbyRespond)
		r.Post("/{id}/activity", rl.handleStandbyActivity)
		r.Post("/{id}/code", rl.handleStandbyCode)
		r.Delete("/{id}", rl.handleStandbyDelete)
	})
}

// Close stops background work.
func (rl *Relay) Close() {
	rl.limiter.Close()
}

var errMissingCwd = errors.New("register requires session_id or cwd")

// register records a session and starts its conversation.
func (rl *Relay) register(ev protocol.Register, t registry.Transport) (domain.Session, bool, error) {
	id := strings.TrimSpace(ev.SessionID)
	if id == "" {
		if strings.TrimSpace(ev.Cwd) == "" {
			return domain.Session{}, false, errMissingCwd
		}
		id = domain.SessionIDFromCwd(ev.Cwd)
	}
	name := strings.TrimSpace(ev.Name)
	if name == "" {
		name = domain.DirName(ev.Cwd)
	}

	unlock := rl.lifecycle.lock(id)
	sess, reconnect := rl.registry.Register(id, name, ev.Cwd, t)
	rl.sessions.Add(id)
	unlock()

	rl.PushSessions()
	return sess, reconnect, nil
}

// release tears the session down if t is still its transport.
func (rl *Relay) release(id string, t registry.Transport) {
	if !rl.registry.Release(id, t) {
		return
	}
	if rl.endSession(id) {
		rl.PushSessions()
	}
}

// endSession stops the conversation of a session removed from the registry.
// It does nothing if the session has been registered again since, so a
// late teardown never strands a live registration without its machine.
func (rl *Relay) endSession(id string) bool {
	unlock := rl.lifecycle.lock(id)
	defer unlock()

	if _, ok := rl.registry.Get(id); ok {
		rl.logger.Debug("Session re-registered, keeping conversation", "session_id", id)
		return false
	}
	rl.standbyMu.Lock()
	delete(rl.standby, id)
	rl.standbyMu.Unlock()
	rl.sessions.Remove(id)
	rl.broadcaster.Forget(id)
	return true
}

// Evicted tears down a session the registry dropped as stale. It is meant
// for registry.OnEvict, which runs inside a listing, so the list push is
// deferred to its own goroutine.
func (rl *Relay) Evicted(sess domain.Session) {
	if rl.endSession(sess.ID) {
		go rl.PushSessions()
	}
}

// dispatch applies a post-registration assistant event.
func (rl *Relay) dispatch(id string, ev protocol.AssistantEvent) {
	switch ev := ev.(type) {
	case protocol.Heartbeat:
		rl.registry.Heartbeat(id)
	case protocol.Response:
		rl.registry.Heartbeat(id)
		rl.sessions.Reply(id, ev.Text)
	case protocol.Listening:
		rl.registry.Heartbeat(id)
		rl.sessions.Listening(id)
	case protocol.Activity:
		rl.registry.Heartbeat(id)
		rl.sessions.Activity(id, ev.Activity)
	case protocol.CodeBlock:
		rl.registry.Heartbeat(id)
		rl.broadcaster.Notify(id, protocol.NewTranscript(domain.TranscriptEntry{
			SessionID: id,
			Speaker:   domain.SpeakerCode,
			Text:      ev.Code,
			Filename:  ev.Filename,
			Language:  ev.Language,
			At:        time.Now(),
		}))
	}
}

// PushSessions sends the current session list to every viewer.
func (rl *Relay) PushSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rl.broadcaster.NotifyAll(rl.sessionList(ctx))
}

func (rl *Relay) sessionList(ctx context.Context) protocol.Sessions {
	var list []protocol.SessionSummary
	if rl.lister != nil {
		list = rl.lister.Summaries(ctx)
	}
	if list == nil {
		list = []protocol.SessionSummary{}
	}
	return protocol.Sessions{Type: protocol.KindSessions, Sessions: list}
}
