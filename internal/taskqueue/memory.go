package taskqueue

import (
	"context"
	"sync"
	"time"
)

// pollInterval: период проверки отложенных задач in-memory очередью.
const pollInterval = 20 * time.Millisecond

// MemoryQueue: in-memory очередь для локального запуска и тестов.
type MemoryQueue struct {
	mu     sync.Mutex
	ready  map[string][]Task
	later  map[string][]Task
	notify chan struct{}
	closed bool
}

// NewMemoryQueue создаёт пустую in-memory очередь.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		ready:  make(map[string][]Task),
		later:  make(map[string][]Task),
		notify: make(chan struct{}, 1),
	}
}

// Enqueue добавляет задачу. Задачи с NotBefore в будущем откладываются.
func (q *MemoryQueue) Enqueue(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	if task.NotBefore.After(time.Now()) {
		q.later[task.Queue] = append(q.later[task.Queue], task)
	} else {
		q.ready[task.Queue] = append(q.ready[task.Queue], task)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue возвращает первую готовую задачу из queues в порядке их перечисления.
func (q *MemoryQueue) Dequeue(ctx context.Context, queues []string, wait time.Duration) (*Task, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		task, err := q.tryDequeue(queues)
		if err != nil || task != nil {
			return task, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

func (q *MemoryQueue) tryDequeue(queues []string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	now := time.Now()
	for _, name := range queues {
		q.promote(name, now)
		if items := q.ready[name]; len(items) > 0 {
			task := items[0]
			q.ready[name] = items[1:]
			return &task, nil
		}
	}
	return nil, nil
}

// promote переносит наступившие отложенные задачи в готовые.
func (q *MemoryQueue) promote(name string, now time.Time) {
	pending := q.later[name]
	if len(pending) == 0 {
		return
	}
	rest := pending[:0]
	for _, t := range pending {
		if t.NotBefore.After(now) {
			rest = append(rest, t)
		} else {
			q.ready[name] = append(q.ready[name], t)
		}
	}
	q.later[name] = rest
}

// Depth возвращает количество готовых и отложенных задач очереди.
func (q *MemoryQueue) Depth(_ context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready[queue]) + len(q.later[queue]), nil
}

// Close закрывает очередь.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
