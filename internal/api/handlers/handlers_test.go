package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/connector-sync/internal/domain/model"
	"github.com/bigkaa/connector-sync/internal/service"
	"github.com/bigkaa/connector-sync/internal/taskqueue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSync запоминает вызовы и возвращает заданную ошибку.
type fakeSync struct {
	err     error
	started []string
	purged  []string
	status  model.SyncStatus
}

func (f *fakeSync) StartSynchronization(_ context.Context, userID string, c model.Connector) error {
	f.started = append(f.started, userID+"/"+string(c))
	return f.err
}

func (f *fakeSync) SyncStatus(context.Context, string, model.Connector) (model.SyncStatus, error) {
	return f.status, f.err
}

func (f *fakeSync) RequestPurge(_ context.Context, userID string) error {
	f.purged = append(f.purged, userID)
	return f.err
}

func newRouter(svc SyncService) http.Handler {
	h := NewSyncHandler(svc, testLogger())
	r := chi.NewRouter()
	r.Post("/api/v1/users/{userID}/connectors/{connector}/sync", h.StartSync)
	r.Get("/api/v1/users/{userID}/connectors/{connector}/status", h.GetStatus)
	r.Delete("/api/v1/users/{userID}/objects", h.PurgeUser)
	return r
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("тело ошибки не JSON: %s", rec.Body.String())
	}
	return body.Error.Code
}

func TestStartSync(t *testing.T) {
	svc := &fakeSync{}
	rec := do(t, newRouter(svc), http.MethodPost, "/api/v1/users/u1/connectors/jira/sync")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("статус %d, ожидается 202: %s", rec.Code, rec.Body.String())
	}
	if len(svc.started) != 1 || svc.started[0] != "u1/jira" {
		t.Errorf("started = %v", svc.started)
	}
}

func TestStartSync_UnknownConnectorTag(t *testing.T) {
	svc := &fakeSync{}
	rec := do(t, newRouter(svc), http.MethodPost, "/api/v1/users/u1/connectors/slack/sync")

	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "VALIDATION_ERROR" {
		t.Errorf("статус %d, тело %s", rec.Code, rec.Body.String())
	}
	if len(svc.started) != 0 {
		t.Error("оркестратор не должен вызываться для неизвестного тега")
	}
}

func TestServiceErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		body string
	}{
		{"коннектор выключен", fmt.Errorf("%w: github", service.ErrUnknownConnector), http.StatusNotFound, "NOT_FOUND"},
		{"нет учётных данных", service.ErrNoCredential, http.StatusNotFound, "NOT_FOUND"},
		{"очередь закрыта", taskqueue.ErrClosed, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE"},
		{"прочее", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(&fakeSync{err: tt.err})
			for _, req := range []struct{ method, path string }{
				{http.MethodPost, "/api/v1/users/u1/connectors/github/sync"},
				{http.MethodGet, "/api/v1/users/u1/connectors/github/status"},
			} {
				rec := do(t, router, req.method, req.path)
				if rec.Code != tt.code || errorCode(t, rec) != tt.body {
					t.Errorf("%s %s: статус %d, тело %s", req.method, req.path, rec.Code, rec.Body.String())
				}
			}
		})
	}
}

func TestGetStatus(t *testing.T) {
	svc := &fakeSync{status: model.SyncStatus{Count: 3, ReadyCount: 1, InProgress: true, HasStarted: true}}
	rec := do(t, newRouter(svc), http.MethodGet, "/api/v1/users/u1/connectors/trello/status")

	if rec.Code != http.StatusOK {
		t.Fatalf("статус %d", rec.Code)
	}
	var got syncStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Count != 3 || got.ReadyCount != 1 || !got.InProgress || !got.HasStarted {
		t.Errorf("ответ = %+v", got)
	}
	if !strings.Contains(rec.Body.String(), `"ready_count":1`) {
		t.Errorf("ожидается snake_case в JSON: %s", rec.Body.String())
	}
}

func TestPurgeUser(t *testing.T) {
	svc := &fakeSync{}
	rec := do(t, newRouter(svc), http.MethodDelete, "/api/v1/users/u9/objects")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("статус %d", rec.Code)
	}
	if len(svc.purged) != 1 || svc.purged[0] != "u9" {
		t.Errorf("purged = %v", svc.purged)
	}
}

// fixedChecker возвращает заданный статус.
type fixedChecker string

func (c fixedChecker) CheckReady() (string, string) { return string(c), "" }

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name     string
		checkers map[string]ReadinessChecker
		code     int
		status   string
	}{
		{"без зависимостей", nil, http.StatusOK, "ok"},
		{"все ok", map[string]ReadinessChecker{"postgresql": fixedChecker("ok"), "redis": fixedChecker("ok")}, http.StatusOK, "ok"},
		{"degraded", map[string]ReadinessChecker{"postgresql": fixedChecker("ok"), "redis": fixedChecker("degraded")}, http.StatusOK, "degraded"},
		{"fail", map[string]ReadinessChecker{"postgresql": fixedChecker("fail"), "redis": fixedChecker("ok")}, http.StatusServiceUnavailable, "fail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.checkers)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rec.Code != tt.code {
				t.Errorf("статус %d, ожидается %d", rec.Code, tt.code)
			}
			var body healthReadyResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tt.status || len(body.Checks) != len(tt.checkers) {
				t.Errorf("ответ = %+v", body)
			}
		})
	}
}

func TestHealthLive(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(nil).HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"service":"connector-sync"`) {
		t.Errorf("статус %d, тело %s", rec.Code, rec.Body.String())
	}
}
