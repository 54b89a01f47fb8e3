package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/voice-relay/internal/domain"
	"github.com/ashureev/voice-relay/internal/protocol"
	"github.com/ashureev/voice-relay/internal/registry"
	"github.com/ashureev/voice-relay/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	maxDisplayName = 64
	maxHue         = 359
)

// SessionHandler serves live sessions merged with their stored metadata.
type SessionHandler struct {
	reg      *registry.Registry
	repo     store.Repository
	onChange func()
	logger   *slog.Logger
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(reg *registry.Registry, repo store.Repository, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{reg: reg, repo: repo, logger: logger}
}

// OnChange sets a callback run after metadata is updated.
func (h *SessionHandler) OnChange(fn func()) {
	h.onChange = fn
}

// RegisterRoutes registers the session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/sessions", h.List)
	r.Get("/api/sessions/{id}", h.Get)
	r.Get("/api/sessions/{id}/metadata", h.GetMetadata)
	r.Put("/api/sessions/{id}/metadata", h.PutMetadata)
}

// Summaries returns every live session merged with its metadata, in registry order.
func (h *SessionHandler) Summaries(ctx context.Context) []protocol.SessionSummary {
	sessions := h.reg.List()
	meta, err := h.repo.ListMetadata(ctx)
	if err != nil {
		h.logger.Warn("Failed to load session metadata", "error", err)
		meta = nil
	}
	out := make([]protocol.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		m, ok := meta[s.ID]
		if !ok {
			m = domain.DefaultMetadata(s.ID)
		}
		out = append(out, summarize(s, m))
	}
	return out
}

func summarize(s domain.Session, m domain.SessionMetadata) protocol.SessionSummary {
	return protocol.SessionSummary{
		SessionID:   s.ID,
		Name:        s.Name,
		DisplayName: m.DisplayName,
		DirName:     s.DirName,
		Cwd:         s.Cwd,
		Room:        s.Room,
		Hue:         m.Hue,
		AutoListen:  m.AutoListen,
		Viewers:     len(s.Viewers),
	}
}

// List returns all live sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"sessions": h.Summaries(r.Context())})
}

// Get returns one live session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, ok := h.reg.Get(id)
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	m, err := h.metadata(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load session metadata", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load metadata")
		return
	}
	JSON(w, http.StatusOK, summarize(s, m))
}

// GetMetadata returns a session's stored metadata, or the defaults.
// Metadata outlives the session so it is served for any ID.
func (h *SessionHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := h.metadata(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load session metadata", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load metadata")
		return
	}
	JSON(w, http.StatusOK, m)
}

type metadataUpdate struct {
	DisplayName *string         `json:"display_name"`
	Hue         json.RawMessage `json:"hue"`
	AutoListen  *bool           `json:"auto_listen"`
}

// PutMetadata applies a partial update. A null hue clears it.
func (h *SessionHandler) PutMetadata(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req metadataUpdate
	if !Decode(w, r, 64<<10, &req) {
		return
	}

	m, err := h.metadata(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load session metadata", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load metadata")
		return
	}
	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		if utf8.RuneCountInString(name) > maxDisplayName {
			Error(w, http.StatusBadRequest, "display_name too long")
			return
		}
		m.DisplayName = name
	}
	if len(req.Hue) > 0 {
		if string(req.Hue) == "null" {
			m.Hue = nil
		} else {
			var hue int
			if err := json.Unmarshal(req.Hue, &hue); err != nil || hue < 0 || hue > maxHue {
				Error(w, http.StatusBadRequest, "hue must be an integer between 0 and 359")
				return
			}
			m.Hue = &hue
		}
	}
	if req.AutoListen != nil {
		m.AutoListen = *req.AutoListen
	}
	m.UpdatedAt = time.Now()

	if err := h.repo.UpsertMetadata(r.Context(), m); err != nil {
		h.logger.Error("Failed to save session metadata", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save metadata")
		return
	}
	h.logger.Info("Session metadata updated", "session_id", id)
	if h.onChange != nil {
		h.onChange()
	}
	JSON(w, http.StatusOK, m)
}

func (h *SessionHandler) metadata(ctx context.Context, id string) (domain.SessionMetadata, error) {
	m, err := h.repo.GetMetadata(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.DefaultMetadata(id), nil
	}
	return m, err
}
