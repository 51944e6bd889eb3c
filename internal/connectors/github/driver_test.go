package github

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bigkaa/connector-sync/internal/connector/connectortest"
	"github.com/bigkaa/connector-sync/internal/domain/model"
	"github.com/bigkaa/connector-sync/internal/ratelimit"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func githubHandler(t *testing.T, remaining string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user/repos", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if remaining != "" {
			w.Header().Set(QuotaHeader, remaining)
		}
		if r.URL.Query().Get("page") != "1" {
			writeJSON(w, []repo{})
			return
		}
		writeJSON(w, []repo{
			{
				ID: 1, Name: "engine", FullName: "acme/engine", Description: "Sync engine",
				HTMLURL: "https://github.com/acme/engine", Owner: owner{Login: "acme"},
				UpdatedAt: "2024-01-01T00:00:00Z", PushedAt: "2024-02-01T00:00:00Z",
			},
			{ID: 2, Name: "old", FullName: "acme/old", UpdatedAt: "2023-01-01T00:00:00Z"},
			{ID: 3, Name: "frozen", FullName: "acme/frozen", Disabled: true},
		})
	})
	mux.HandleFunc("GET /repos/acme/engine/contributors", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("per_page") != "10" {
			t.Errorf("per_page = %s, ожидается 10", r.URL.Query().Get("per_page"))
		}
		writeJSON(w, []owner{{Login: "dev", HTMLURL: "https://github.com/dev"}})
	})
	mux.HandleFunc("GET /repos/acme/old/contributors", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /repos/acme/engine/readme", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, readme{
			Name:     "README.md",
			Encoding: "base64",
			Content:  base64.StdEncoding.EncodeToString([]byte("# Engine\n\n**fast** sync")),
		})
	})
	mux.HandleFunc("GET /repos/acme/engine/commits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []commitRef{{
			SHA:     "abc123",
			HTMLURL: "https://github.com/acme/engine/commit/abc123",
			Commit:  commitInfo{Message: "Fix cursor\n\nlong body", Author: commitAuthor{Name: "dev", Date: "2024-02-01T00:00:00Z"}},
		}})
	})
	mux.HandleFunc("GET /repos/acme/engine/commits/abc123", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"sha":    "abc123",
			"commit": commitInfo{Message: "Fix cursor\n\nlong body", Author: commitAuthor{Name: "dev"}},
			"files":  []commitFile{{Filename: "cursor.go", Status: "modified", Additions: 3, Deletions: 1}},
		})
	})
	mux.HandleFunc("GET /repos/acme/engine/issues", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []issue{
			{ID: 77, Number: 5, Title: "Crash", Body: "Stack *trace*", State: "open", UpdatedAt: "2024-02-02T00:00:00Z", Labels: []label{{Name: "bug"}}},
			{ID: 78, Number: 6, Title: "PR", PullRequest: &pullRequest{URL: "https://api.github.com/pulls/6"}},
		})
	})
	return mux
}

func TestDriver_ReposAndFetch(t *testing.T) {
	server := httptest.NewServer(githubHandler(t, ""))
	t.Cleanup(server.Close)

	d := New(Options{BaseURL: server.URL, QuotaThreshold: 10}, connectortest.Logger())
	h := connectortest.New(t)
	cred := h.Credential(t, model.ConnectorGitHub, "tok", nil)

	run := h.MustSync(t, d, cred, true)
	if run.Result.Created != 2 || run.Result.Fetches != 2 {
		t.Errorf("Result = %+v, ожидается 2 репозитория и 2 загрузки", run.Result)
	}
	engine := h.Object(t, model.ConnectorGitHub, "repo:1")
	if engine.Title != "Repo: engine" || engine.UpdatedTS != 1706745600 {
		t.Errorf("repo:1: %q, маркер %d, ожидается время push", engine.Title, engine.UpdatedTS)
	}

	// Репозитории, коммит порождается загрузкой репозитория
	if n := h.Fetches(t, d, cred); n != 3 {
		t.Fatalf("загрузок %d, ожидается 3", n)
	}

	objs := h.Objects(t, model.ConnectorGitHub)
	keys := make(map[string]bool, len(objs))
	for _, o := range objs {
		keys[o.Key] = true
	}
	if keys["repo:2"] {
		t.Error("репозиторий с 404 на участниках должен быть удалён")
	}
	if !keys["commit:abc123"] || !keys["issue:77"] || keys["issue:78"] {
		t.Errorf("ключи объектов: %v", keys)
	}

	var content Repo
	if err := json.Unmarshal(h.Object(t, model.ConnectorGitHub, "repo:1").Content, &content); err != nil {
		t.Fatalf("содержимое репозитория: %v", err)
	}
	if !strings.Contains(content.HTML, "<h1>Engine</h1>") || !strings.Contains(content.HTML, "<strong>fast</strong>") {
		t.Errorf("README: %q", content.HTML)
	}
	if len(content.Contributors) != 1 || content.Contributors[0].Name != "dev" {
		t.Errorf("участники: %+v", content.Contributors)
	}

	commit := h.Object(t, model.ConnectorGitHub, "commit:abc123")
	if commit.Title != "Commit: Fix cursor" || commit.ParentKey != "repo:1" {
		t.Errorf("коммит: %q, родитель %q", commit.Title, commit.ParentKey)
	}
	var c Commit
	if err := json.Unmarshal(commit.Content, &c); err != nil {
		t.Fatalf("содержимое коммита: %v", err)
	}
	if len(c.Files) != 1 || c.Files[0].Name != "cursor.go" {
		t.Errorf("файлы коммита: %+v", c.Files)
	}

	var is Issue
	if err := json.Unmarshal(h.Object(t, model.ConnectorGitHub, "issue:77").Content, &is); err != nil {
		t.Fatalf("содержимое задачи: %v", err)
	}
	if !strings.Contains(is.HTML, "<b>trace</b>") || len(is.Labels) != 1 {
		t.Errorf("задача: %+v", is)
	}
}

func TestDriver_QuotaExhausted(t *testing.T) {
	server := httptest.NewServer(githubHandler(t, "5"))
	t.Cleanup(server.Close)

	d := New(Options{BaseURL: server.URL, QuotaThreshold: 10}, connectortest.Logger())
	h := connectortest.New(t)
	cred := h.Credential(t, model.ConnectorGitHub, "tok", nil)

	_, err := h.Sync(t, d, cred, true)
	if !errors.Is(err, ratelimit.ErrQuotaExhausted) {
		t.Fatalf("Sync() ошибка = %v, ожидается ErrQuotaExhausted", err)
	}
	if n := len(h.Objects(t, model.ConnectorGitHub)); n != 0 {
		t.Errorf("объектов %d, обработка должна остановиться до первого репозитория", n)
	}
}

func TestRepo_Budget(t *testing.T) {
	r := &Repo{HTML: strings.Repeat("я", 8000)}
	for i := 0; i < 10; i++ {
		r.Contributors = append(r.Contributors, Contributor{Name: "dev", Avatar: "https://avatars/x"})
	}
	if !r.DropOptional() || r.Contributors[0].Avatar != "" {
		t.Error("сначала отбрасываются аватары")
	}
	if !r.HalveLargest() || len([]rune(r.HTML)) > 4000 {
		t.Errorf("HTML после сокращения: %d символов", len([]rune(r.HTML)))
	}
}
