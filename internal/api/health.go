package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/voice-relay/internal/container"
	"github.com/go-chi/chi/v5"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker is a dependency with a readiness check.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db         Pinger
	speech     HealthChecker
	containers container.Checker
	timeout    time.Duration
	logger     *slog.Logger
}

// NewHealthHandler creates a health handler. speech and containers may be nil.
func NewHealthHandler(db Pinger, speech HealthChecker, containers container.Checker, timeout time.Duration, logger *slog.Logger) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{db: db, speech: speech, containers: containers, timeout: timeout, logger: logger}
}

// Health returns the health status of the relay and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK
	degrade := func() {
		status["status"] = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "check", "database", "error", err)
		checks["database"] = "unreachable"
		degrade()
	} else {
		checks["database"] = "ok"
	}

	if h.speech != nil {
		if err := h.speech.Health(ctx); err != nil {
			h.logger.Warn("Health check failed", "check", "speech", "error", err)
			checks["speech"] = "unreachable"
			degrade()
		} else {
			checks["speech"] = "ok"
		}
	}

	if h.containers != nil {
		states := h.containers.States(ctx)
		for name, state := range states {
			if state != container.StateRunning {
				degrade()
				h.logger.Warn("Health check failed", "check", "container", "container", name, "state", state)
			}
		}
		status["containers"] = states
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
