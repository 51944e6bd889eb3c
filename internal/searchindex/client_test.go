package searchindex

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/bigkaa/connector-sync/internal/domain/model"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupMockIndex создаёт mock HTTP-сервер индекса.
func setupMockIndex(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestClient_Upsert(t *testing.T) {
	var got Document
	server := setupMockIndex(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("метод = %s, ожидается PUT", r.Method)
		}
		if r.URL.Path != "/1/indexes/objects/obj-1" {
			t.Errorf("путь = %s", r.URL.Path)
		}
		if r.Header.Get("X-Algolia-API-Key") != "key" || r.Header.Get("X-Algolia-Application-Id") != "app" {
			t.Error("не переданы заголовки авторизации индекса")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("декодирование тела: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})

	c := NewClient(server.URL+"/", "objects", "app", "key", testLogger())
	team := "team-1"
	doc := FromObject(&model.SyncedObject{
		ID: "obj-1", Connector: model.ConnectorGitHub, UserID: "u1", TeamID: &team,
		Title: "repo", Status: model.StatusReady, Content: json.RawMessage(`{"readme":"<p>hi</p>"}`),
	})

	if err := c.Upsert(context.Background(), doc); err != nil {
		t.Fatalf("Upsert() ошибка: %v", err)
	}
	if got.ObjectID != "obj-1" || got.TeamID != "team-1" || got.Status != "ready" {
		t.Errorf("получен документ %+v", got)
	}
	if string(got.Content) != `{"readme":"<p>hi</p>"}` {
		t.Errorf("content = %s", got.Content)
	}
}

func TestClient_DeleteNotFoundIsOK(t *testing.T) {
	server := setupMockIndex(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("метод = %s, ожидается DELETE", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	})

	c := NewClient(server.URL, "objects", "app", "key", testLogger())
	if err := c.Delete(context.Background(), "missing"); err != nil {
		t.Errorf("Delete() отсутствующего объекта: ожидался nil, получено %v", err)
	}
}

func TestClient_ServerError(t *testing.T) {
	server := setupMockIndex(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"internal"}`))
	})

	c := NewClient(server.URL, "objects", "app", "key", testLogger())
	if err := c.Upsert(context.Background(), Document{ObjectID: "x"}); err == nil {
		t.Error("ожидалась ошибка при 500")
	}
	if err := c.Delete(context.Background(), "x"); err == nil {
		t.Error("ожидалась ошибка при 500")
	}
}

func TestMemoryIndex(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	_ = idx.Upsert(ctx, Document{ObjectID: "a"})
	_ = idx.Upsert(ctx, Document{ObjectID: "a", Title: "v2"})
	_ = idx.Delete(ctx, "missing")

	upserts, deletes := idx.Counts()
	if upserts != 2 || deletes != 1 {
		t.Errorf("Counts() = %d, %d; ожидается 2, 1", upserts, deletes)
	}
	if doc, ok := idx.Get("a"); !ok || doc.Title != "v2" {
		t.Errorf("Get(a) = %+v, %v", doc, ok)
	}
	if idx.Len() != 1 {
		t.Errorf("Len() = %d, ожидается 1", idx.Len())
	}
}
