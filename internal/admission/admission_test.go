package admission

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/connector-sync/internal/domain/model"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeDepths возвращает заданные глубины или ошибку.
type fakeDepths struct {
	depths map[string]int
	err    error
}

func (f *fakeDepths) Depth(_ context.Context, queue string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.depths[queue], nil
}

func TestAdmit(t *testing.T) {
	tests := []struct {
		name   string
		depths map[string]int
		err    error
		want   bool
	}{
		{"пустые очереди", map[string]int{}, nil, true},
		{"ровно порог", map[string]int{"gdrive": 100}, nil, true},
		{"выше порога", map[string]int{"gdrive": 101}, nil, false},
		{"перегружена общая очередь", map[string]int{"gdrive": 5, "default": 500}, nil, false},
		{"ошибка глубины: fail open", nil, errors.New("redis недоступен"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(&fakeDepths{depths: tt.depths, err: tt.err}, 100, testLogger())
			if got := c.Admit(context.Background(), "gdrive", "default"); got != tt.want {
				t.Errorf("Admit() = %v, ожидается %v", got, tt.want)
			}
		})
	}
}

func TestMemoryLeases(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLeases()
	now := time.Now()
	l.now = func() time.Time { return now }

	cred := &model.Credential{Connector: model.ConnectorJira, AccessToken: "secret"}
	key := LeaseKey(cred)

	token, ok, err := l.Acquire(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("первый Acquire() = %v, %v", ok, err)
	}
	if _, ok, _ := l.Acquire(ctx, key, time.Minute); ok {
		t.Error("повторный Acquire() должен вернуть ok=false")
	}
	if held, _ := l.Held(ctx, key); !held {
		t.Error("аренда должна быть занята")
	}

	// Чужой токен не освобождает аренду
	_ = l.Release(ctx, key, "чужой")
	if held, _ := l.Held(ctx, key); !held {
		t.Error("аренда не должна освобождаться чужим токеном")
	}

	_ = l.Release(ctx, key, token)
	if held, _ := l.Held(ctx, key); held {
		t.Error("аренда должна быть свободна после Release")
	}

	// Истёкшая аренда захватывается заново
	_, _, _ = l.Acquire(ctx, key, time.Second)
	now = now.Add(2 * time.Second)
	if _, ok, _ := l.Acquire(ctx, key, time.Second); !ok {
		t.Error("истёкшая аренда должна захватываться")
	}
}

func TestLeaseKey_HidesToken(t *testing.T) {
	cred := &model.Credential{Connector: model.ConnectorGitHub, AccessToken: "ghp_secret"}
	key := LeaseKey(cred)
	if key == "" || strings.Contains(key, "ghp_secret") {
		t.Errorf("ключ аренды не должен содержать токен: %s", key)
	}
}

