package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/connector-sync/internal/domain/model"
)

// Leases: аренда пары (коннектор, учётные данные) одним запуском.
// Аренда рекомендательная: дубли при гонке всё равно схлопываются
// хранилищем.
type Leases interface {
	// Acquire берёт аренду на ttl. ok=false, если аренда уже занята.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release освобождает аренду, только если token совпадает.
	Release(ctx context.Context, key, token string) error
	// Held сообщает, занята ли аренда.
	Held(ctx context.Context, key string) (bool, error)
}

// LeaseKey возвращает ключ аренды для учётных данных.
func LeaseKey(cred *model.Credential) string {
	return fmt.Sprintf("cs:lease:%s:%s", cred.Connector, cred.Fingerprint())
}

// --- Redis ---

// releaseScript удаляет ключ, только если значение совпадает с токеном.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeases: аренды на SET NX PX.
type RedisLeases struct {
	rdb redis.UniversalClient
}

// NewRedisLeases создаёт аренды поверх клиента Redis.
func NewRedisLeases(rdb redis.UniversalClient) *RedisLeases {
	return &RedisLeases{rdb: rdb}
}

func (l *RedisLeases) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("захват аренды %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLeases) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("освобождение аренды %s: %w", key, err)
	}
	return nil
}

func (l *RedisLeases) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("проверка аренды %s: %w", key, err)
	}
	return n > 0, nil
}

// --- In-memory ---

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// MemoryLeases: in-memory аренды для одного процесса.
type MemoryLeases struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

// NewMemoryLeases создаёт in-memory аренды.
func NewMemoryLeases() *MemoryLeases {
	return &MemoryLeases{leases: make(map[string]memoryLease), now: time.Now}
}

func (l *MemoryLeases) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[key]; ok && l.now().Before(cur.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.leases[key] = memoryLease{token: token, expiresAt: l.now().Add(ttl)}
	return token, true, nil
}

func (l *MemoryLeases) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[key]; ok && cur.token == token {
		delete(l.leases, key)
	}
	return nil
}

func (l *MemoryLeases) Held(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[key]
	return ok && l.now().Before(cur.expiresAt), nil
}
