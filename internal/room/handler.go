package room

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/voice-relay/internal/identity"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Handler upgrades /ws/audio/{room} requests into room participants.
type Handler struct {
	hub            *Hub
	originPatterns []string
	logger         *slog.Logger
}

// NewHandler creates a join handler for hub.
func NewHandler(hub *Hub, originPatterns []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &Handler{hub: hub, originPatterns: originPatterns, logger: logger}
}

// RegisterRoutes registers the audio websocket route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/audio/{room}", h.ServeHTTP)
}

// ServeHTTP implements http.Handler for the audio websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "room")
	rm, ok := h.hub.Get(name)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	id := r.URL.Query().Get("identity")
	if id == "" {
		id = identity.ViewerIDFromContext(r.Context())
	}
	if id == "" {
		id = "participant-" + uuid.NewString()
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept audio websocket", "error", err, "room", name)
		return
	}
	ws.SetReadLimit(1 << 20)

	p := newParticipant(r.Context(), id, ws, rm.cfg, rm.logger)
	if err := rm.join(p); err != nil {
		_ = ws.Close(websocket.StatusGoingAway, "room closed")
		return
	}
	defer func() {
		rm.leave(p)
		p.stop("participant left")
		close(p.frames)
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer p.cancel()
		h.readLoop(p, rm)
	}()

	go func() {
		defer wg.Done()
		defer p.cancel()
		p.writeLoop()
	}()

	wg.Wait()
}

func (h *Handler) readLoop(p *participant, rm *Room) {
	f := newFramer(rm.cfg)
	for {
		typ, data, err := p.conn.Read(p.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || p.ctx.Err() != nil {
				p.logger.Debug("Audio websocket closed")
			} else {
				p.logger.Warn("Audio websocket read error", "error", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		for _, frame := range f.push(data) {
			p.deliver(Frame{Participant: p.id, PCM: frame, SampleRate: rm.cfg.InputSampleRate})
		}
	}
}
