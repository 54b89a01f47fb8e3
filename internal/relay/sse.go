package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/voice-relay/internal/api"
	"github.com/go-chi/chi/v5"
)

// ServeEvents streams one session's viewer events as server-sent events.
// Clients resume with Last-Event-ID (or ?lastEventId=) and get the missed
// events from the session history first.
func (rl *Relay) ServeEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, ok := rl.registry.Get(sessionID); !ok {
		api.Error(w, http.StatusNotFound, "session not found")
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	logger := rl.logger.With("session_id", sessionID)
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", rl.opts.SSERetry.Milliseconds()); err != nil {
		logger.Warn("Failed to write SSE retry header", "error", err)
		return
	}
	flusher.Flush()

	backlog, events, cancel := rl.broadcaster.Subscribe(sessionID, lastEventID, 0)
	defer cancel()

	if lastEventID > 0 && len(backlog) > 0 {
		logger.Info("Replaying missed events", "count", len(backlog), "last_event_id", lastEventID)
	}
	for _, e := range backlog {
		if err := writeEntry(w, e); err != nil {
			return
		}
	}
	if err := writeSSE(w, "connected", fmt.Sprintf(`{"session_id":%q}`, sessionID)); err != nil {
		return
	}
	flusher.Flush()
	logger.Info("SSE stream connected", "reconnect", lastEventID > 0)

	keepalive := time.NewTicker(rl.opts.SSEKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Info("SSE stream disconnected")
			return
		case e := <-events:
			if err := writeEntry(w, e); err != nil {
				logger.Warn("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				logger.Debug("Failed to write SSE keepalive", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEntry(w io.Writer, e Entry) error {
	data, err := json.Marshal(e.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return writeSSEWithID(w, e.EventID, string(e.Event.Kind()), string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
