package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/voice-relay/internal/protocol"
	"github.com/coder/websocket"
)

const registerTimeout = 10 * time.Second

// wsTransport is an assistant transport over a websocket.
type wsTransport struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// Send implements registry.Transport.
func (t *wsTransport) Send(ctx context.Context, msg protocol.VoiceMessage) error {
	return t.write(ctx, msg)
}

// Close implements registry.Transport. It is called when a reconnect replaces this connection.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close(websocket.StatusNormalClosure, "session replaced")
}

func (t *wsTransport) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// ServeAssistant handles the /ws/session websocket. The first message must be
// a register event; the session lives until the socket closes.
func (rl *Relay) ServeAssistant(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: rl.opts.OriginPatterns,
	})
	if err != nil {
		rl.logger.Error("Failed to accept session websocket", "error", err)
		return
	}
	ws.SetReadLimit(rl.opts.MaxBodyBytes)
	t := &wsTransport{conn: ws}
	defer func() {
		if closeErr := t.Close(); closeErr != nil {
			rl.logger.Debug("Failed to close session websocket", "error", closeErr)
		}
	}()

	ctx := r.Context()
	id, ok := rl.awaitRegister(ctx, t)
	if !ok {
		return
	}
	defer rl.release(id, t)
	logger := rl.logger.With("session_id", id)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Info("Session websocket closed")
			} else {
				logger.Warn("Session websocket read error", "error", err)
			}
			return
		}

		ev, err := protocol.DecodeAssistant(data)
		if err != nil {
			logger.Warn("Malformed session event", "error", err)
			rl.writeError(ctx, t, "malformed event")
			continue
		}
		switch ev := ev.(type) {
		case protocol.Disconnect:
			logger.Info("Session requested disconnect")
			return
		case protocol.Register:
			rl.writeError(ctx, t, "already registered")
		case protocol.Unknown:
			rl.writeError(ctx, t, fmt.Sprintf("unknown event type %q", ev.Type))
		default:
			rl.dispatch(id, ev)
		}
	}
}

func (rl *Relay) awaitRegister(ctx context.Context, t *wsTransport) (string, bool) {
	readCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	_, data, err := t.conn.Read(readCtx)
	if err != nil {
		rl.logger.Debug("Session websocket closed before register", "error", err)
		return "", false
	}
	ev, err := protocol.DecodeAssistant(data)
	if err != nil {
		rl.writeError(ctx, t, "malformed event")
		return "", false
	}
	reg, ok := ev.(protocol.Register)
	if !ok {
		rl.writeError(ctx, t, "first message must be register")
		return "", false
	}

	sess, reconnect, err := rl.register(reg, t)
	if err != nil {
		rl.writeError(ctx, t, err.Error())
		return "", false
	}
	if err := t.write(ctx, protocol.NewRegistered(sess.ID, sess.Room, reconnect)); err != nil {
		rl.logger.Warn("Failed to acknowledge register", "session_id", sess.ID, "error", err)
		rl.release(sess.ID, t)
		return "", false
	}
	return sess.ID, true
}

func (rl *Relay) writeError(ctx context.Context, t *wsTransport, msg string) {
	if err := t.write(ctx, protocol.NewError(msg)); err != nil {
		rl.logger.Debug("Failed to send error event", "error", err)
	}
}
