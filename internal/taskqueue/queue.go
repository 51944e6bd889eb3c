// Пакет taskqueue: распределённая очередь задач синхронизации.
// Задача несёт NotBefore: воркер не получит её раньше этого момента.
// Реализации: Redis (список готовых + отсортированное множество отложенных)
// и in-memory для локального запуска и тестов.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultQueue: общая очередь, куда уходят задачи перегруженных коннекторов.
const DefaultQueue = "default"

// Имена задач.
const (
	TaskSync  = "sync"
	TaskFetch = "fetch"
	TaskPurge = "purge"
)

// ErrClosed: очередь закрыта.
var ErrClosed = errors.New("очередь задач закрыта")

// Task: единица работы. Аргументы содержат только идентификаторы,
// состояние передаётся через хранилище.
type Task struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Queue      string            `json:"queue"`
	Args       map[string]string `json:"args"`
	NotBefore  time.Time         `json:"not_before,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// NewTask создаёт задачу с новым ID.
func NewTask(name, queue string, args map[string]string) Task {
	return Task{
		ID:    uuid.NewString(),
		Name:  name,
		Queue: queue,
		Args:  args,
	}
}

// After откладывает задачу на d от текущего момента.
func (t Task) After(d time.Duration) Task {
	if d > 0 {
		t.NotBefore = time.Now().Add(d)
	}
	return t
}

// Arg возвращает аргумент задачи или пустую строку.
func (t Task) Arg(name string) string {
	return t.Args[name]
}

// Enqueuer ставит задачи в очередь.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

// DepthReader сообщает глубину очереди (готовые + отложенные задачи).
type DepthReader interface {
	Depth(ctx context.Context, queue string) (int, error)
}

// Queue: полный интерфейс очереди.
type Queue interface {
	Enqueuer
	DepthReader
	// Dequeue ждёт до wait готовую задачу из любой из очередей.
	// Возвращает nil, nil по таймауту.
	Dequeue(ctx context.Context, queues []string, wait time.Duration) (*Task, error)
	Close() error
}
