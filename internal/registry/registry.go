// Package registry tracks live assistant sessions, their transports, and attached viewers.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/voice-relay/internal/domain"
	"github.com/ashureev/voice-relay/internal/protocol"
)

// ErrNotFound is returned when a session is not registered.
var ErrNotFound = errors.New("session not found")

// AllViewers passed to DetachViewer removes every viewer of the session.
const AllViewers = ""

// Transport is the live channel to an assistant process.
type Transport interface {
	Send(ctx context.Context, msg protocol.VoiceMessage) error
	Close() error
}

type entry struct {
	session   domain.Session
	viewers   map[string]string
	transport Transport
}

// Registry is the authoritative map of session ID to session record.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	timeout  time.Duration
	now      func() time.Time
	onEvict  func(domain.Session)
	logger   *slog.Logger
}

// New creates a registry that treats sessions as stale after timeout without a heartbeat.
func New(timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*entry),
		timeout:  timeout,
		now:      time.Now,
		logger:   logger,
	}
}

// OnEvict sets a callback invoked, outside the lock, for each session List evicts as stale.
func (r *Registry) OnEvict(fn func(domain.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

// Register adds a session or, if the ID exists, reconnects it: the old transport
// is closed, viewers are kept, and timestamps are reset.
func (r *Registry) Register(id, name, cwd string, t Transport) (domain.Session, bool) {
	now := r.now()

	r.mu.Lock()
	e, exists := r.sessions[id]
	var old Transport
	if exists {
		if e.transport != t {
			old = e.transport
		}
		e.session.Name = name
		e.session.Cwd = cwd
		e.session.DirName = domain.DirName(cwd)
		e.session.CreatedAt = now
		e.session.LastHeartbeat = now
		e.transport = t
	} else {
		e = &entry{
			session: domain.Session{
				ID:            id,
				Name:          name,
				Cwd:           cwd,
				DirName:       domain.DirName(cwd),
				Room:          domain.RoomName(id),
				CreatedAt:     now,
				LastHeartbeat: now,
			},
			viewers:   make(map[string]string),
			transport: t,
		}
		r.sessions[id] = e
	}
	snap := e.snapshot()
	r.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			r.logger.Debug("Closing replaced transport failed", "session_id", id, "error", err)
		}
	}

	if exists {
		r.logger.Info("Session reconnected", "session_id", id, "name", name, "viewers", len(snap.Viewers))
	} else {
		r.logger.Info("Session registered", "session_id", id, "name", name, "cwd", cwd)
	}
	return snap, exists
}

// Unregister removes a session and closes its transport. Absent IDs are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if e.transport != nil {
		_ = e.transport.Close()
	}
	r.logger.Info("Session unregistered", "session_id", id)
}

// Release removes the session only if t is still its active transport.
// A connection replaced by a reconnect therefore cannot tear down its successor.
func (r *Registry) Release(id string, t Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok || e.transport != t {
		return false
	}
	delete(r.sessions, id)
	r.logger.Info("Session released", "session_id", id)
	return true
}

// Heartbeat bumps the session's heartbeat. It reports false if the session is absent.
func (r *Registry) Heartbeat(id string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return false
	}
	e.session.LastHeartbeat = now
	return true
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	return e.snapshot(), true
}

// List evicts stale sessions and returns the rest ordered by name, then ID.
func (r *Registry) List() []domain.Session {
	now := r.now()

	r.mu.Lock()
	var evicted []*entry
	out := make([]domain.Session, 0, len(r.sessions))
	for id, e := range r.sessions {
		if e.session.IsStale(now, r.timeout) {
			delete(r.sessions, id)
			evicted = append(evicted, e)
			continue
		}
		out = append(out, e.snapshot())
	}
	onEvict := r.onEvict
	r.mu.Unlock()

	for _, e := range evicted {
		r.logger.Info("Evicting stale session",
			"session_id", e.session.ID,
			"last_heartbeat_age", now.Sub(e.session.LastHeartbeat).Round(time.Second))
		if e.transport != nil {
			_ = e.transport.Close()
		}
		if onEvict != nil {
			onEvict(e.snapshot())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Send delivers msg on the session's current transport. The lock is not held during I/O.
func (r *Registry) Send(ctx context.Context, id string, msg protocol.VoiceMessage) error {
	r.mu.RLock()
	e, ok := r.sessions[id]
	var t Transport
	if ok {
		t = e.transport
	}
	r.mu.RUnlock()

	if t == nil {
		return ErrNotFound
	}
	return t.Send(ctx, msg)
}

// AttachViewer records viewerID as watching the session. It reports false if the session is absent.
func (r *Registry) AttachViewer(id, viewerID, label string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return false
	}
	e.viewers[viewerID] = label
	return true
}

// DetachViewer removes viewerID from the session, or all viewers when viewerID is AllViewers.
func (r *Registry) DetachViewer(id, viewerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return
	}
	if viewerID == AllViewers {
		clear(e.viewers)
		return
	}
	delete(e.viewers, viewerID)
}

// Viewers returns the IDs of viewers attached to the session.
func (r *Registry) Viewers(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(e.viewers))
	for v := range e.viewers {
		ids = append(ids, v)
	}
	sort.Strings(ids)
	return ids
}

// SessionsForViewer returns the IDs of sessions viewerID is attached to.
func (r *Registry) SessionsForViewer(viewerID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.sessions {
		if _, ok := e.viewers[viewerID]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (e *entry) snapshot() domain.Session {
	s := e.session
	s.Viewers = make(map[string]string, len(e.viewers))
	for k, v := range e.viewers {
		s.Viewers[k] = v
	}
	return s
}
