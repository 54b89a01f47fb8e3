package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ashureev/voice-relay/internal/identity"
	"github.com/ashureev/voice-relay/internal/protocol"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var errViewerBacklogged = errors.New("viewer outbound queue full")

// viewerConn is one viewer websocket. Writes go through a single goroutine.
type viewerConn struct {
	id       string
	viewerID string
	label    string
	out      chan protocol.Outbound
	done     chan struct{}
	once     sync.Once

	mu        sync.Mutex
	sessionID string
}

// Send implements Sink. A viewer that cannot keep up loses events rather than
// stalling the session.
func (c *viewerConn) Send(ev protocol.Outbound) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}
	select {
	case c.out <- ev:
		return nil
	default:
		return errViewerBacklogged
	}
}

func (c *viewerConn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *viewerConn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *viewerConn) setSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// ServeViewer handles the /ws/client websocket.
func (rl *Relay) ServeViewer(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: rl.opts.OriginPatterns,
	})
	if err != nil {
		rl.logger.Error("Failed to accept viewer websocket", "error", err)
		return
	}
	ws.SetReadLimit(rl.opts.MaxBodyBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "viewer disconnected"); closeErr != nil {
			rl.logger.Debug("Failed to close viewer websocket", "error", closeErr)
		}
	}()

	c := &viewerConn{
		id:       uuid.NewString(),
		viewerID: identity.ViewerIDFromContext(r.Context()),
		label:    identity.LabelFromContext(r.Context()),
		out:      make(chan protocol.Outbound, 256),
		done:     make(chan struct{}),
	}
	if c.viewerID == "" {
		c.viewerID = "anon_" + c.id
	}
	logger := rl.logger.With("viewer_id", c.viewerID, "conn_id", c.id)
	logger.Info("Viewer connected", "label", c.label)

	rl.broadcaster.AddSink(c.id, c.viewerID, c)
	defer rl.dropViewer(c, logger)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		writeLoop(ctx, ws, c, logger)
	}()

	_ = c.Send(rl.sessionList(ctx))
	rl.viewerReadLoop(ctx, ws, c, logger)
	cancel()
	wg.Wait()
}

func writeLoop(ctx context.Context, ws *websocket.Conn, c *viewerConn, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev := <-c.out:
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error("Failed to encode viewer event", "kind", ev.Kind(), "error", err)
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				logger.Debug("Viewer write failed", "error", err)
				return
			}
		}
	}
}

func (rl *Relay) viewerReadLoop(ctx context.Context, ws *websocket.Conn, c *viewerConn, logger *slog.Logger) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Debug("Viewer websocket closed")
			} else {
				logger.Warn("Viewer websocket read error", "error", err)
			}
			return
		}

		ev, err := protocol.DecodeViewer(data)
		if err != nil {
			_ = c.Send(protocol.NewError("malformed event"))
			continue
		}
		switch ev := ev.(type) {
		case protocol.ConnectSession:
			rl.connectViewer(c, ev.SessionID, logger)
		case protocol.DisconnectSession:
			rl.disconnectViewer(c)
		case protocol.TextInput:
			rl.viewerText(c, ev.Text, logger)
		case protocol.ListSessions:
			_ = c.Send(rl.sessionList(ctx))
		case protocol.Ping:
			_ = c.Send(protocol.Pong{Type: protocol.KindPong})
		case protocol.Unknown:
			_ = c.Send(protocol.NewError(fmt.Sprintf("unknown event type %q", ev.Type)))
		}
	}
}

// dropViewer forgets a closed viewer connection.
func (rl *Relay) dropViewer(c *viewerConn, logger *slog.Logger) {
	rl.broadcaster.RemoveSink(c.id)
	if id := c.session(); id != "" {
		rl.detachConn(c, id)
		rl.PushSessions()
	}
	c.close()
	logger.Info("Viewer disconnected")
}

// connectViewer moves the connection to sessionID and replays its state.
func (rl *Relay) connectViewer(c *viewerConn, sessionID string, logger *slog.Logger) {
	if prev := c.session(); prev != "" && prev != sessionID {
		rl.detachConn(c, prev)
		c.setSession("")
	}
	unlock := rl.viewers.lock(c.viewerID)
	attached := rl.registry.AttachViewer(sessionID, c.viewerID, c.label)
	if attached {
		c.setSession(sessionID)
		rl.broadcaster.Attach(c.id, sessionID)
	}
	unlock()
	if !attached {
		_ = c.Send(protocol.SessionNotFound{Type: protocol.KindSessionNotFound, SessionID: sessionID})
		return
	}
	logger.Info("Viewer attached", "session_id", sessionID)

	_ = c.Send(protocol.SessionConnected{Type: protocol.KindSessionConnected, SessionID: sessionID})
	if snap, ok := rl.sessions.Snapshot(sessionID); ok {
		_ = c.Send(protocol.NewStatus(snap))
	}
	for _, e := range rl.broadcaster.Backlog(sessionID, 0) {
		if e.Event.Kind() == protocol.KindTranscript {
			_ = c.Send(e.Event)
		}
	}
	rl.PushSessions()
}

func (rl *Relay) disconnectViewer(c *viewerConn) {
	id := c.session()
	if id == "" {
		return
	}
	rl.detachConn(c, id)
	c.setSession("")
	rl.PushSessions()
}

// detachConn points c away from sessionID. The device leaves the session's
// viewers only when none of its other connections is still attached there.
func (rl *Relay) detachConn(c *viewerConn, sessionID string) {
	unlock := rl.viewers.lock(c.viewerID)
	defer unlock()
	rl.broadcaster.Attach(c.id, "")
	if !rl.broadcaster.ViewerAttached(c.viewerID, sessionID) {
		rl.registry.DetachViewer(sessionID, c.viewerID)
	}
}

func (rl *Relay) viewerText(c *viewerConn, text string, logger *slog.Logger) {
	id := c.session()
	if id == "" {
		_ = c.Send(protocol.NewError("not connected to a session"))
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if !rl.limiter.Allow(c.viewerID) {
		logger.Warn("Viewer text rate limited", "session_id", id)
		_ = c.Send(protocol.NewError("rate limit exceeded"))
		return
	}
	caller := c.label
	if caller == "" {
		caller = "viewer"
	}
	rl.sessions.Utterance(id, text, caller)
}
