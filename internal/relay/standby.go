package relay

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/voice-relay/internal/api"
	"github.com/ashureev/voice-relay/internal/domain"
	"github.com/ashureev/voice-relay/internal/protocol"
	"github.com/go-chi/chi/v5"
)

var errStandbyTimeout = errors.New("standby timed out")

// queueTransport is an assistant transport for clients that long-poll for
// voice input instead of holding a websocket. Messages sent while nobody is
// waiting stay queued for the next wait.
type queueTransport struct {
	msgs chan protocol.VoiceMessage
	done chan struct{}
	once sync.Once
}

func newQueueTransport(size int) *queueTransport {
	return &queueTransport{
		msgs: make(chan protocol.VoiceMessage, size),
		done: make(chan struct{}),
	}
}

// Send implements registry.Transport.
func (q *queueTransport) Send(ctx context.Context, msg protocol.VoiceMessage) error {
	select {
	case <-q.done:
		return ErrTransportClosed
	default:
	}
	select {
	case q.msgs <- msg:
		return nil
	case <-q.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements registry.Transport and wakes any waiter.
func (q *queueTransport) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

func (q *queueTransport) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Wait blocks for the next message, up to timeout.
func (q *queueTransport) Wait(ctx context.Context, timeout time.Duration) (protocol.VoiceMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-q.msgs:
		return msg, nil
	case <-q.done:
		return protocol.VoiceMessage{}, ErrTransportClosed
	case <-ctx.Done():
		return protocol.VoiceMessage{}, ctx.Err()
	case <-timer.C:
		return protocol.VoiceMessage{}, errStandbyTimeout
	}
}

type respondRequest struct {
	Text string `json:"text"`
}

type activityRequest struct {
	Activity string `json:"activity"`
}

func (rl *Relay) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	return api.Decode(w, r, rl.opts.MaxBodyBytes, v)
}

// standbyFor returns the live queue transport of a session.
func (rl *Relay) standbyFor(id string) (*queueTransport, bool) {
	rl.standbyMu.Lock()
	defer rl.standbyMu.Unlock()
	q, ok := rl.standby[id]
	if !ok {
		return nil, false
	}
	if q.isClosed() {
		delete(rl.standby, id)
		return nil, false
	}
	return q, true
}

func (rl *Relay) dropStandby(id string, q *queueTransport) {
	rl.standbyMu.Lock()
	defer rl.standbyMu.Unlock()
	if rl.standby[id] == q {
		delete(rl.standby, id)
	}
}

func (rl *Relay) handleStandbyRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.Register
	if !rl.decodeBody(w, r, &req) {
		return
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" && strings.TrimSpace(req.Cwd) != "" {
		id = domain.SessionIDFromCwd(req.Cwd)
	}

	// A standby client re-registering keeps its queue so pending input survives.
	rl.standbyMu.Lock()
	q, ok := rl.standby[id]
	if !ok || q.isClosed() {
		q = newQueueTransport(rl.opts.QueueSize)
	}
	rl.standbyMu.Unlock()

	sess, reconnect, err := rl.register(req, q)
	if err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	rl.standbyMu.Lock()
	rl.standby[sess.ID] = q
	rl.standbyMu.Unlock()

	api.JSON(w, http.StatusOK, protocol.NewRegistered(sess.ID, sess.Room, reconnect))
}

func (rl *Relay) handleStandbyHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !rl.registry.Heartbeat(id) {
		api.Error(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStandbyWait marks the session as listening and blocks until voice
// input arrives, the timeout passes, or the session goes away.
func (rl *Relay) handleStandbyWait(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q, ok := rl.standbyFor(id)
	if !ok {
		api.Error(w, http.StatusNotFound, "session not found")
		return
	}
	timeout := rl.opts.StandbyMaxWait
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			api.Error(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		if d := time.Duration(secs * float64(time.Second)); d < timeout {
			timeout = d
		}
	}

	rl.registry.Heartbeat(id)
	rl.sessions.Listening(id)

	// A waiting client cannot send heartbeats, so keep the session fresh for it.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		ticker := time.NewTicker(rl.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.registry.Heartbeat(id)
			}
		}
	}()

	msg, err := q.Wait(ctx, timeout)
	switch {
	case err == nil:
		api.JSON(w, http.StatusOK, protocol.NewStandbyResult(msg))
	case errors.Is(err, errStandbyTimeout):
		api.JSON(w, http.StatusOK, protocol.NewStandbyTimeout(domain.StandbySentinel))
	case errors.Is(err, ErrTransportClosed):
		api.Error(w, http.StatusGone, "session closed")
	default:
		rl.logger.Debug("Standby wait ended", "session_id", id, "error", err)
	}
}

func (rl *Relay) handleStandbyRespond(w http.ResponseWriter, r *http.Request) {
	id, ok := rl.requireStandby(w, r)
	if !ok {
		return
	}
	var req respondRequest
	if !rl.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		api.Error(w, http.StatusBadRequest, "text is required")
		return
	}
	rl.dispatch(id, protocol.Response{Text: req.Text})
	w.WriteHeader(http.StatusAccepted)
}

func (rl *Relay) handleStandbyActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := rl.requireStandby(w, r)
	if !ok {
		return
	}
	var req activityRequest
	if !rl.decodeBody(w, r, &req) {
		return
	}
	rl.dispatch(id, protocol.Activity{Activity: req.Activity})
	w.WriteHeader(http.StatusAccepted)
}

func (rl *Relay) handleStandbyCode(w http.ResponseWriter, r *http.Request) {
	id, ok := rl.requireStandby(w, r)
	if !ok {
		return
	}
	var req protocol.CodeBlock
	if !rl.decodeBody(w, r, &req) {
		return
	}
	if req.Code == "" {
		api.Error(w, http.StatusBadRequest, "code is required")
		return
	}
	rl.dispatch(id, req)
	w.WriteHeader(http.StatusAccepted)
}

func (rl *Relay) handleStandbyDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q, ok := rl.standbyFor(id)
	if !ok {
		api.Error(w, http.StatusNotFound, "session not found")
		return
	}
	rl.dropStandby(id, q)
	rl.release(id, q)
	_ = q.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (rl *Relay) requireStandby(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, ok := rl.standbyFor(id); !ok {
		api.Error(w, http.StatusNotFound, "session not found")
		return "", false
	}
	return id, true
}
