package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bigkaa/connector-sync/internal/admission"
	"github.com/bigkaa/connector-sync/internal/api/handlers"
	"github.com/bigkaa/connector-sync/internal/api/middleware"
	"github.com/bigkaa/connector-sync/internal/connector"
	"github.com/bigkaa/connector-sync/internal/connectors/jira"
	"github.com/bigkaa/connector-sync/internal/domain/model"
	"github.com/bigkaa/connector-sync/internal/memstore"
	"github.com/bigkaa/connector-sync/internal/searchindex"
	"github.com/bigkaa/connector-sync/internal/service"
	"github.com/bigkaa/connector-sync/internal/taskqueue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	store *memstore.Store
	queue *taskqueue.MemoryQueue
	key   *rsa.PrivateKey
	srv   *httptest.Server
}

// newTestEnv поднимает маршруты поверх оркестратора в памяти.
// withAuth включает JWT с ключом key.
func newTestEnv(t *testing.T, withAuth bool) *testEnv {
	t.Helper()
	logger := testLogger()
	e := &testEnv{store: memstore.New(), queue: taskqueue.NewMemoryQueue()}
	t.Cleanup(func() { _ = e.queue.Close() })

	index := searchindex.NewMemoryIndex()
	leases := admission.NewMemoryLeases()
	runtime := connector.NewRuntime(e.store.Objects(), e.store.States(), index, e.queue, logger)
	orch := service.NewOrchestrator(
		connector.NewRegistry(jira.New(jira.Options{}, logger)),
		runtime,
		service.NewCredentialCache(e.store.Credentials(), 10, time.Minute),
		e.store.Objects(), e.store.States(), index, e.queue,
		admission.NewController(e.queue, 100, logger),
		leases, time.Hour, 1, logger,
	)

	var auth *middleware.JWTAuth
	if withAuth {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatal(err)
		}
		e.key = key
		jwks, _ := json.Marshal(map[string]any{"keys": []map[string]any{{
			"kty": "RSA", "kid": "k1", "use": "sig", "alg": "RS256",
			"n": base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}})
		kf, err := keyfunc.NewJWKSetJSON(jwks)
		if err != nil {
			t.Fatal(err)
		}
		auth = middleware.NewJWTAuthWithKeyfunc(kf, "", time.Second, logger)
	}

	router := NewRouter(
		handlers.NewHealthHandler(nil),
		handlers.NewSyncHandler(orch, logger),
		auth,
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(),
	)
	e.srv = httptest.NewServer(router)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *testEnv) token(t *testing.T, scope string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "web-backend",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ScopeString: scope,
	})
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(e.key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (e *testEnv) do(t *testing.T, method, path, token string) int {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, e.srv.URL+path, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestRouter_WithoutAuth(t *testing.T) {
	e := newTestEnv(t, false)
	cred := &model.Credential{UserID: "u1", Connector: model.ConnectorJira, AccessToken: "t"}
	if err := e.store.Credentials().Create(context.Background(), cred); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"live", http.MethodGet, "/health/live", http.StatusOK},
		{"ready", http.MethodGet, "/health/ready", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"старт", http.MethodPost, "/api/v1/users/u1/connectors/jira/sync", http.StatusAccepted},
		{"коннектор выключен", http.MethodPost, "/api/v1/users/u1/connectors/github/sync", http.StatusNotFound},
		{"нет учётных данных", http.MethodPost, "/api/v1/users/u2/connectors/jira/sync", http.StatusNotFound},
		{"статус", http.MethodGet, "/api/v1/users/u1/connectors/jira/status", http.StatusOK},
		{"удаление", http.MethodDelete, "/api/v1/users/u1/objects", http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.do(t, tt.method, tt.path, ""); got != tt.want {
				t.Errorf("%s %s = %d, ожидается %d", tt.method, tt.path, got, tt.want)
			}
		})
	}

	// старт и удаление поставили по задаче
	jiraDepth, _ := e.queue.Depth(context.Background(), "jira")
	defaultDepth, _ := e.queue.Depth(context.Background(), taskqueue.DefaultQueue)
	if jiraDepth != 1 || defaultDepth != 1 {
		t.Errorf("глубина очередей jira=%d default=%d, ожидается 1/1", jiraDepth, defaultDepth)
	}
}

func TestRouter_WithAuth(t *testing.T) {
	e := newTestEnv(t, true)
	read := e.token(t, "sync:read")
	write := e.token(t, "sync:read sync:write")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"health без токена", http.MethodGet, "/health/live", "", http.StatusOK},
		{"metrics без токена", http.MethodGet, "/metrics", "", http.StatusOK},
		{"API без токена", http.MethodGet, "/api/v1/users/u1/connectors/jira/status", "", http.StatusUnauthorized},
		{"чтение со scope read", http.MethodGet, "/api/v1/users/u1/connectors/jira/status", read, http.StatusOK},
		{"запись со scope read", http.MethodDelete, "/api/v1/users/u1/objects", read, http.StatusForbidden},
		{"запись со scope write", http.MethodDelete, "/api/v1/users/u1/objects", write, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.do(t, tt.method, tt.path, tt.token); got != tt.want {
				t.Errorf("%s %s = %d, ожидается %d", tt.method, tt.path, got, tt.want)
			}
		})
	}
}

func TestJWTAuthWithExclusions(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := JWTAuthWithExclusions(deny, "/health/", "/metrics")(ok)

	for path, want := range map[string]int{
		"/health/ready": http.StatusOK,
		"/metrics":      http.StatusOK,
		"/api/v1/users": http.StatusUnauthorized,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("%s = %d, ожидается %d", path, rec.Code, want)
		}
	}
}
