package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// exerciseQueue проверяет общий контракт Queue для любой реализации.
func exerciseQueue(t *testing.T, q Queue, queue string) {
	t.Helper()
	ctx := context.Background()

	if err := q.Enqueue(ctx, NewTask(TaskSync, queue, map[string]string{"user_id": "u1"})); err != nil {
		t.Fatalf("Enqueue() ошибка: %v", err)
	}
	delayed := NewTask(TaskFetch, queue, map[string]string{"object_id": "o1"}).After(300 * time.Millisecond)
	if err := q.Enqueue(ctx, delayed); err != nil {
		t.Fatalf("Enqueue(delayed) ошибка: %v", err)
	}

	depth, err := q.Depth(ctx, queue)
	if err != nil {
		t.Fatalf("Depth() ошибка: %v", err)
	}
	if depth != 2 {
		t.Errorf("Depth() = %d, ожидается 2", depth)
	}

	task, err := q.Dequeue(ctx, []string{queue}, time.Second)
	if err != nil || task == nil {
		t.Fatalf("Dequeue() = %v, %v", task, err)
	}
	if task.Name != TaskSync || task.Arg("user_id") != "u1" {
		t.Errorf("получена задача %+v, ожидалась sync для u1", task)
	}

	// Отложенная задача не выдаётся раньше NotBefore
	early, err := q.Dequeue(ctx, []string{queue}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue() ошибка: %v", err)
	}
	if early != nil {
		t.Fatalf("отложенная задача выдана раньше NotBefore: %+v", early)
	}

	var late *Task
	deadline := time.Now().Add(2 * time.Second)
	for late == nil && time.Now().Before(deadline) {
		late, err = q.Dequeue(ctx, []string{queue}, 200*time.Millisecond)
		if err != nil {
			t.Fatalf("Dequeue() ошибка: %v", err)
		}
	}
	if late == nil {
		t.Fatal("отложенная задача не выдана после NotBefore")
	}
	if time.Now().Before(delayed.NotBefore) {
		t.Error("отложенная задача выдана раньше NotBefore")
	}
	if late.ID != delayed.ID {
		t.Errorf("ID = %s, ожидается %s", late.ID, delayed.ID)
	}
}

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue()
	exerciseQueue(t, q, "jira")
}

func TestMemoryQueue_OrderAcrossQueues(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_ = q.Enqueue(ctx, NewTask(TaskSync, DefaultQueue, nil))
	_ = q.Enqueue(ctx, NewTask(TaskFetch, "github", nil))

	task, err := q.Dequeue(ctx, []string{"github", DefaultQueue}, time.Second)
	if err != nil || task == nil {
		t.Fatalf("Dequeue() = %v, %v", task, err)
	}
	if task.Queue != "github" {
		t.Errorf("первой ожидалась задача из github, получена из %s", task.Queue)
	}
}

func TestMemoryQueue_Closed(t *testing.T) {
	q := NewMemoryQueue()
	_ = q.Close()

	if err := q.Enqueue(context.Background(), NewTask(TaskSync, "jira", nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("ожидалась ErrClosed, получено %v", err)
	}
	if _, err := q.Dequeue(context.Background(), []string{"jira"}, 10*time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("ожидалась ErrClosed, получено %v", err)
	}
}

func TestRouter_FallbackToDefault(t *testing.T) {
	q := NewMemoryQueue()
	r := NewRouter(q, 2, testLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := r.Enqueue(ctx, NewTask(TaskFetch, "trello", nil)); err != nil {
			t.Fatalf("Enqueue() ошибка: %v", err)
		}
	}

	trello, _ := q.Depth(ctx, "trello")
	def, _ := q.Depth(ctx, DefaultQueue)
	// Глубина 0,1,2 не превышает порог; при 3 задачи уходят в default
	if trello != 3 || def != 2 {
		t.Errorf("trello = %d, default = %d; ожидается 3 и 2", trello, def)
	}
}

// failingDepth всегда возвращает ошибку глубины.
type failingDepth struct {
	*MemoryQueue
}

func (f failingDepth) Depth(context.Context, string) (int, error) {
	return 0, errors.New("redis недоступен")
}

func TestRouter_DepthErrorKeepsQueue(t *testing.T) {
	inner := NewMemoryQueue()
	r := NewRouter(failingDepth{inner}, 0, testLogger())
	ctx := context.Background()

	if err := r.Enqueue(ctx, NewTask(TaskFetch, "jira", nil)); err != nil {
		t.Fatalf("Enqueue() ошибка: %v", err)
	}
	if depth, _ := inner.Depth(ctx, "jira"); depth != 1 {
		t.Errorf("задача должна остаться в очереди jira, глубина = %d", depth)
	}
}

// TestRedisQueue запускается только при заданном TEST_REDIS_URL.
func TestRedisQueue(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("Пропуск интеграционного теста: TEST_REDIS_URL не установлена")
	}

	ctx := context.Background()
	rdb, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("Connect() ошибка: %v", err)
	}
	queue := "test-" + NewTask("", "", nil).ID
	t.Cleanup(func() {
		rdb.Del(ctx, readyKey(queue), delayedKey(queue))
		_ = rdb.Close()
	})

	var client redis.UniversalClient = rdb
	exerciseQueue(t, NewRedisQueue(client, testLogger()), queue)
}
