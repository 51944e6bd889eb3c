// worker.go: пул воркеров очереди задач. Каждый воркер ждёт готовую
// задачу из очередей коннекторов и общей очереди и выполняет её.
// Задача, не выполненная из-за ошибки, не ставится повторно: следующий
// периодический запуск подхватит изменения.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/connector-sync/internal/connector"
	"github.com/bigkaa/connector-sync/internal/taskqueue"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_tasks_total",
		Help: "Выполненные задачи по имени и результату",
	}, []string{"task", "result"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cs_queue_depth",
		Help: "Глубина очереди задач",
	}, []string{"queue"})
)

// TaskHandler выполняет задачу очереди.
type TaskHandler interface {
	HandleTask(ctx context.Context, task *taskqueue.Task) error
}

// WorkerPool: воркеры очереди задач.
type WorkerPool struct {
	queue   taskqueue.Queue
	handler TaskHandler
	queues  []string
	workers int
	wait    time.Duration
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool создаёт пул из workers воркеров. wait: время ожидания
// задачи одним вызовом Dequeue.
func NewWorkerPool(queue taskqueue.Queue, handler TaskHandler, queues []string, workers int, wait time.Duration, logger *slog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		queue:   queue,
		handler: handler,
		queues:  queues,
		workers: workers,
		wait:    wait,
		logger:  logger.With(slog.String("component", "worker_pool")),
	}
}

// Start запускает воркеры и сборщик глубины очередей.
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info("Воркеры запущены",
		slog.Int("workers", p.workers),
		slog.Any("queues", p.queues),
	)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.observeDepth(ctx)
	}()
}

// Stop останавливает воркеры и ждёт завершения текущих задач.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Воркеры остановлены")
}

func (p *WorkerPool) loop(ctx context.Context, id int) {
	logger := p.logger.With(slog.Int("worker", id))
	for {
		task, err := p.queue.Dequeue(ctx, p.queues, p.wait)
		switch {
		case ctx.Err() != nil, errors.Is(err, taskqueue.ErrClosed):
			return
		case err != nil:
			logger.Error("Ошибка чтения очереди", slog.String("error", err.Error()))
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		case task == nil:
			continue
		}
		p.run(ctx, logger, task)
	}
}

// run выполняет одну задачу. Паника обработчика не останавливает воркер.
func (p *WorkerPool) run(ctx context.Context, logger *slog.Logger, task *taskqueue.Task) {
	defer func() {
		if r := recover(); r != nil {
			tasksTotal.WithLabelValues(task.Name, "panic").Inc()
			logger.Error("Паника при выполнении задачи",
				slog.String("task", task.Name),
				slog.String("task_id", task.ID),
				slog.Any("panic", r),
			)
		}
	}()

	err := p.handler.HandleTask(ctx, task)
	switch {
	case err == nil:
		tasksTotal.WithLabelValues(task.Name, "ok").Inc()
	case errors.Is(err, connector.ErrTransient), errors.Is(err, connector.ErrUnauthorized):
		tasksTotal.WithLabelValues(task.Name, "failed").Inc()
		logger.Warn("Задача не выполнена",
			slog.String("task", task.Name),
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	default:
		tasksTotal.WithLabelValues(task.Name, "error").Inc()
		logger.Error("Ошибка выполнения задачи",
			slog.String("task", task.Name),
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *WorkerPool) observeDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		for _, q := range p.queues {
			if depth, err := p.queue.Depth(ctx, q); err == nil {
				queueDepth.WithLabelValues(q).Set(float64(depth))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
