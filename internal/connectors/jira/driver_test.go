package jira

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/bigkaa/connector-sync/internal/connector/connectortest"
	"github.com/bigkaa/connector-sync/internal/domain/budget"
	"github.com/bigkaa/connector-sync/internal/domain/model"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// mockJira отдаёт один проект с заданным числом задач.
type mockJira struct {
	mu      sync.Mutex
	issues  []issue
	jqls    []string
	updated string
}

func (m *mockJira) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/2/project", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []project{{Key: "PRJ", Name: "Project"}})
	})
	mux.HandleFunc("GET /rest/api/2/search", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		q := r.URL.Query()
		m.jqls = append(m.jqls, q.Get("jql"))
		if q.Get("maxResults") != "25" {
			t.Errorf("maxResults = %s, ожидается 25", q.Get("maxResults"))
		}
		start, _ := strconv.Atoi(q.Get("startAt"))
		end := min(start+25, len(m.issues))
		page := m.issues[min(start, len(m.issues)):end]
		writeJSON(w, searchResult{StartAt: start, Total: len(m.issues), Issues: page})
	})
	mux.HandleFunc("GET /rest/api/2/issue/{key}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, issue{Key: r.PathValue("key"), Fields: issueFields{
			Summary: "fetched", Updated: m.updated, Project: &project{Key: "PRJ", Name: "Project"},
		}})
	})
	mux.HandleFunc("GET /rest/api/2/issue/{key}/comment", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"comments": []map[string]any{
			{"author": map[string]string{"displayName": "Bob"}, "body": "looks good", "created": m.updated},
		}})
	})
	return mux
}

func makeIssues(n int, updated string) []issue {
	out := make([]issue, n)
	for i := range out {
		out[i] = issue{Key: "PRJ-" + strconv.Itoa(i+1), Fields: issueFields{
			Summary:     "task " + strconv.Itoa(i+1),
			Updated:     updated,
			Description: strings.Repeat("я", 6000),
			Status:      &named{Name: "Open"},
			Priority:    &named{Name: "High"},
			IssueType:   &named{Name: "Bug"},
			Creator:     &user{DisplayName: "Ann"},
		}}
	}
	return out
}

func setupJira(t *testing.T, m *mockJira) (*Driver, string) {
	t.Helper()
	server := httptest.NewServer(m.handler(t))
	t.Cleanup(server.Close)
	return New(Options{}, connectortest.Logger()), server.URL
}

func TestDriver_PagingAndUpdate(t *testing.T) {
	const updated = "2024-03-01T10:00:00.000+0000"
	m := &mockJira{issues: makeIssues(30, updated), updated: updated}
	d, serverURL := setupJira(t, m)
	h := connectortest.New(t)
	cred := h.Credential(t, model.ConnectorJira, "tok", map[string]string{"server": serverURL})

	run := h.MustSync(t, d, cred, true)
	if run.Result.Created != 30 || run.Result.Fetches != 30 {
		t.Errorf("Result = %+v, ожидается 30 созданных и 30 загрузок", run.Result)
	}
	if len(m.jqls) != 2 || m.jqls[0] != "project=PRJ" {
		t.Errorf("запросы JQL: %v", m.jqls)
	}

	obj := h.Object(t, model.ConnectorJira, "PRJ-1")
	if obj.Title != "PRJ-1: task 1" || obj.WebLink != serverURL+"/browse/PRJ-1" {
		t.Errorf("PRJ-1: %q, %q", obj.Title, obj.WebLink)
	}
	if len(obj.Content) > budget.MaxRecordBytes {
		t.Errorf("содержимое %d байт превышает бюджет", len(obj.Content))
	}
	var content Content
	if err := json.Unmarshal(obj.Content, &content); err != nil {
		t.Fatalf("содержимое: %v", err)
	}
	if content.Reporter == nil || content.Reporter.Name != "Ann" || content.Priority != "High" {
		t.Errorf("содержимое: %+v", content)
	}

	if n := h.Fetches(t, d, cred); n != 30 {
		t.Errorf("загрузок %d, ожидается 30", n)
	}
	if err := json.Unmarshal(h.Object(t, model.ConnectorJira, "PRJ-2").Content, &content); err != nil {
		t.Fatalf("содержимое после загрузки: %v", err)
	}
	if len(content.Comments) != 1 || content.Comments[0].Author != "Bob" {
		t.Errorf("комментарии: %+v", content.Comments)
	}

	// Обновление: фильтр по сроку, неизменённые задачи пропускаются
	m.jqls = nil
	run = h.MustSync(t, d, cred, false)
	if len(m.jqls) == 0 || m.jqls[0] != "project=PRJ and updated > '-1d'" {
		t.Errorf("JQL обновления: %v", m.jqls)
	}
	if run.Result.Unchanged != 30 || run.Result.Fetches != 0 {
		t.Errorf("обновление: %+v", run.Result)
	}
}

func TestDriver_MissingServer(t *testing.T) {
	h := connectortest.New(t)
	cred := h.Credential(t, model.ConnectorJira, "tok", nil)
	if _, err := h.Sync(t, New(Options{}, connectortest.Logger()), cred, true); err == nil {
		t.Error("ожидалась ошибка без адреса сервера")
	}
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{"2024-03-01T10:00:00.000+0000", "2024-03-01T10:00:00Z"} {
		if ts, ok := parseTime(s); !ok || ts.Unix() != 1709287200 {
			t.Errorf("parseTime(%s) = %v, %v", s, ts, ok)
		}
	}
	if _, ok := parseTime("yesterday"); ok {
		t.Error("parseTime(yesterday) должен вернуть false")
	}
}
