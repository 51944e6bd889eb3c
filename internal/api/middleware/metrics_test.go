package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health/live", "/health/live"},
		{"/metrics", "/metrics"},
		{"/api/v1/users/42/connectors/jira/sync", "/api/v1/users/{userID}/connectors/jira/sync"},
		{"/api/v1/users/u-1/objects", "/api/v1/users/{userID}/objects"},
		{"/api/v1/users/u-1", "/api/v1/users/{userID}"},
		{"/api/v1/users/", "/api/v1/users/"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, ожидается %q", tt.path, got, tt.want)
		}
	}
}

func TestRequestLogger_LevelByStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("nope"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	out := buf.String()
	for _, want := range []string{"level=WARN", "status=404", "bytes=4"} {
		if !strings.Contains(out, want) {
			t.Errorf("в логе нет %q: %s", want, out)
		}
	}
}

func TestRequestLogger_RouteAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r := chi.NewRouter()
	r.Use(RequestLogger(logger))
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {})
	r.Route("/api/v1/users/{userID}", func(r chi.Router) {
		r.Post("/connectors/{connector}/sync", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/users/u1/connectors/jira/sync", nil))
	out := buf.String()
	for _, want := range []string{"level=INFO", "status=202", "user_id=u1", "connector=jira"} {
		if !strings.Contains(out, want) {
			t.Errorf("в логе нет %q: %s", want, out)
		}
	}

	buf.Reset()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))
	out = buf.String()
	if !strings.Contains(out, "level=DEBUG") || strings.Contains(out, "user_id=") {
		t.Errorf("проба должна логироваться на DEBUG без пользователя: %s", out)
	}
}
