// Package identity provides anonymous per-device viewer identity.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ViewerCookieName = "vmux_viewer_id"
	LabelHeaderName  = "X-Viewer-Label"
	viewerIDPrefix   = "viewer_"
	viewerCookieAge  = 30 * 24 * time.Hour
)

type contextKey int

const (
	viewerIDKey contextKey = iota
	viewerLabelKey
)

var labelPattern = regexp.MustCompile(`^[\p{L}\p{N} ._:'-]{1,64}$`)

// ViewerIDFromContext extracts the viewer ID from the request context.
func ViewerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(viewerIDKey).(string); ok {
		return v
	}
	return ""
}

// LabelFromContext extracts the viewer's display label from the request context.
func LabelFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(viewerLabelKey).(string); ok {
		return v
	}
	return ""
}

// WithViewer returns ctx carrying the given viewer identity.
func WithViewer(ctx context.Context, viewerID, label string) context.Context {
	ctx = context.WithValue(ctx, viewerIDKey, viewerID)
	return context.WithValue(ctx, viewerLabelKey, label)
}

func generateViewerID() string {
	return viewerIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func isValidViewerID(id string) bool {
	rest, ok := strings.CutPrefix(id, viewerIDPrefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

func deriveLabel(viewerID string) string {
	if len(viewerID) > 13 {
		return "viewer-" + viewerID[len(viewerID)-6:]
	}
	return "viewer"
}

func sanitizeLabel(label, viewerID string) string {
	label = strings.TrimSpace(label)
	if label == "" || !labelPattern.MatchString(label) {
		return deriveLabel(viewerID)
	}
	return label
}

func getOrCreateViewerID(w http.ResponseWriter, r *http.Request, isDev bool) string {
	id := ""
	if c, err := r.Cookie(ViewerCookieName); err == nil && isValidViewerID(c.Value) {
		id = c.Value
	} else {
		id = generateViewerID()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     ViewerCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(viewerCookieAge.Seconds()),
		Expires:  time.Now().Add(viewerCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id
}

func labelFromRequest(r *http.Request) string {
	label := r.Header.Get(LabelHeaderName)
	if label == "" {
		label = r.URL.Query().Get("label")
	}
	return label
}

// Middleware injects an anonymous per-device viewer ID and display label.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			viewerID := getOrCreateViewerID(w, r, isDev)
			label := sanitizeLabel(labelFromRequest(r), viewerID)
			next.ServeHTTP(w, r.WithContext(WithViewer(r.Context(), viewerID, label)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
