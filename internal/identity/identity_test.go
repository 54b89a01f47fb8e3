package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareIssuesAndReusesCookie(t *testing.T) {
	t.Parallel()

	var gotID, gotLabel string
	h := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = ViewerIDFromContext(r.Context())
		gotLabel = LabelFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !isValidViewerID(gotID) {
		t.Fatalf("issued id %q is invalid", gotID)
	}
	if !strings.HasPrefix(gotLabel, "viewer-") {
		t.Errorf("default label = %q", gotLabel)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != gotID {
		t.Fatalf("cookie not set to viewer id: %+v", cookies)
	}

	first := gotID
	req := httptest.NewRequest(http.MethodGet, "/?label=Kitchen+phone", nil)
	req.AddCookie(cookies[0])
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotID != first {
		t.Errorf("id changed across requests: %q vs %q", gotID, first)
	}
	if gotLabel != "Kitchen phone" {
		t.Errorf("label = %q, want Kitchen phone", gotLabel)
	}
}

func TestMiddlewareRejectsForgedCookie(t *testing.T) {
	t.Parallel()

	var gotID string
	h := Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = ViewerIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: ViewerCookieName, Value: "viewer_../../etc"})
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotID == "viewer_../../etc" || !isValidViewerID(gotID) {
		t.Errorf("forged cookie accepted or bad replacement: %q", gotID)
	}
}

func TestSanitizeLabel(t *testing.T) {
	t.Parallel()

	id := generateViewerID()
	tests := map[string]string{
		"Laptop":             "Laptop",
		"  spaced  ":         "spaced",
		"<script>":           deriveLabel(id),
		"":                   deriveLabel(id),
		strings.Repeat("a", 65): deriveLabel(id),
	}
	for in, want := range tests {
		if got := sanitizeLabel(in, id); got != want {
			t.Errorf("sanitizeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIPFromRequest(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	if got := IPFromRequest(req); got != "10.0.0.7" {
		t.Errorf("IPFromRequest = %q", got)
	}
}
