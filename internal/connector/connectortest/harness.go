// Пакет connectortest: окружение для тестов драйверов коннекторов.
// Хранилище и индекс в памяти, вторичные загрузки перехватываются
// и выполняются синхронно без ожидания NotBefore.
package connectortest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/bigkaa/connector-sync/internal/connector"
	"github.com/bigkaa/connector-sync/internal/domain/model"
	"github.com/bigkaa/connector-sync/internal/memstore"
	"github.com/bigkaa/connector-sync/internal/repository"
	"github.com/bigkaa/connector-sync/internal/searchindex"
	"github.com/bigkaa/connector-sync/internal/taskqueue"
)

// Logger создаёт logger для тестов.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Recorder: Enqueuer, запоминающий поставленные задачи.
type Recorder struct {
	mu    sync.Mutex
	tasks []taskqueue.Task
}

// Enqueue реализует taskqueue.Enqueuer.
func (r *Recorder) Enqueue(_ context.Context, task taskqueue.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return nil
}

// Take извлекает все задачи с именем name.
func (r *Recorder) Take(name string) []taskqueue.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var taken, rest []taskqueue.Task
	for _, t := range r.tasks {
		if t.Name == name {
			taken = append(taken, t)
		} else {
			rest = append(rest, t)
		}
	}
	r.tasks = rest
	return taken
}

// Harness: хранилище, индекс и Runtime для одного теста.
type Harness struct {
	Store   *memstore.Store
	Index   *searchindex.MemoryIndex
	Tasks   *Recorder
	Runtime *connector.Runtime
}

// New создаёт окружение.
func New(t testing.TB) *Harness {
	t.Helper()
	store := memstore.New()
	index := searchindex.NewMemoryIndex()
	tasks := &Recorder{}
	return &Harness{
		Store:   store,
		Index:   index,
		Tasks:   tasks,
		Runtime: connector.NewRuntime(store.Objects(), store.States(), index, tasks, Logger()),
	}
}

// Credential сохраняет учётные данные коннектора для пользователя u1.
func (h *Harness) Credential(t testing.TB, c model.Connector, token string, extra map[string]string) *model.Credential {
	t.Helper()
	cred := &model.Credential{UserID: "u1", Connector: c, AccessToken: token, Extra: extra}
	if err := h.Store.Credentials().Create(context.Background(), cred); err != nil {
		t.Fatalf("создание учётных данных: %v", err)
	}
	return cred
}

// Sync выполняет запуск драйвера и возвращает его.
func (h *Harness) Sync(t testing.TB, d connector.Driver, cred *model.Credential, full bool) (*connector.Run, error) {
	t.Helper()
	ctx := context.Background()

	state, err := h.Store.States().Get(ctx, cred.UserID, cred.Connector)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("чтение состояния: %v", err)
	}
	run := h.Runtime.NewRun(cred, state, full)
	return run, h.Runtime.Execute(ctx, d, run)
}

// MustSync выполняет запуск и падает при ошибке.
func (h *Harness) MustSync(t testing.TB, d connector.Driver, cred *model.Credential, full bool) *connector.Run {
	t.Helper()
	run, err := h.Sync(t, d, cred, full)
	if err != nil {
		t.Fatalf("Sync() ошибка: %v", err)
	}
	return run
}

// Fetches выполняет все поставленные вторичные загрузки и
// возвращает их количество.
func (h *Harness) Fetches(t testing.TB, d connector.Driver, cred *model.Credential) int {
	t.Helper()
	ctx := context.Background()

	n := 0
	for {
		tasks := h.Tasks.Take(taskqueue.TaskFetch)
		if len(tasks) == 0 {
			return n
		}
		for _, task := range tasks {
			run := h.Runtime.NewRun(cred, nil, false)
			if err := h.Runtime.HandleFetch(ctx, d, run, task.Arg("object_id")); err != nil {
				t.Fatalf("HandleFetch() ошибка: %v", err)
			}
			n++
		}
	}
}

// Objects возвращает все объекты коннектора.
func (h *Harness) Objects(t testing.TB, c model.Connector) []*model.SyncedObject {
	t.Helper()
	list, err := h.Store.Objects().List(context.Background(), repository.ObjectFilter{Connector: &c}, 0)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	return list
}

// Object возвращает объект по natural key или падает.
func (h *Harness) Object(t testing.TB, c model.Connector, key string) *model.SyncedObject {
	t.Helper()
	list, err := h.Store.Objects().List(context.Background(), repository.ObjectFilter{Connector: &c, Keys: []string{key}}, 1)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(list) == 0 {
		t.Fatalf("объект %s/%s не найден", c, key)
	}
	return list[0]
}
