package taskqueue

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var routedToDefaultTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cs_tasks_rerouted_total",
	Help: "Количество задач, перенаправленных в общую очередь из-за перегрузки",
}, []string{"queue"})

// Router ставит задачи в очередь коннектора, а при её перегрузке
// перенаправляет в общую очередь DefaultQueue.
type Router struct {
	queue     Queue
	threshold int
	logger    *slog.Logger
}

// NewRouter создаёт маршрутизатор задач с порогом глубины очереди.
func NewRouter(queue Queue, threshold int, logger *slog.Logger) *Router {
	return &Router{
		queue:     queue,
		threshold: threshold,
		logger:    logger.With(slog.String("component", "task_router")),
	}
}

// Enqueue реализует Enqueuer. Ошибка чтения глубины не мешает
// постановке: задача остаётся в своей очереди.
func (r *Router) Enqueue(ctx context.Context, task Task) error {
	if task.Queue == "" {
		task.Queue = DefaultQueue
	}
	if task.Queue != DefaultQueue {
		depth, err := r.queue.Depth(ctx, task.Queue)
		if err != nil {
			r.logger.Debug("Не удалось получить глубину очереди",
				slog.String("queue", task.Queue),
				slog.String("error", err.Error()),
			)
		} else if depth > r.threshold {
			r.logger.Debug("Очередь коннектора перегружена, задача уходит в общую очередь",
				slog.String("queue", task.Queue),
				slog.Int("depth", depth),
			)
			routedToDefaultTotal.WithLabelValues(task.Queue).Inc()
			task.Queue = DefaultQueue
		}
	}
	return r.queue.Enqueue(ctx, task)
}
