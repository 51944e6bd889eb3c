// Пакет admission: контроль допуска периодических запусков по глубине
// очередей и аренда учётных данных на время запуска синхронизации.
package admission

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/connector-sync/internal/taskqueue"
)

var admissionSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cs_admission_skips_total",
	Help: "Количество периодических запусков, пропущенных из-за перегрузки очередей",
}, []string{"queue"})

// Controller решает, допускать ли новый периодический запуск.
type Controller struct {
	depths    taskqueue.DepthReader
	threshold int
	logger    *slog.Logger
}

// NewController создаёт контроль допуска с порогом глубины очереди.
func NewController(depths taskqueue.DepthReader, threshold int, logger *slog.Logger) *Controller {
	return &Controller{
		depths:    depths,
		threshold: threshold,
		logger:    logger.With(slog.String("component", "admission")),
	}
}

// Admit возвращает false, если глубина любой из очередей выше порога.
// Ошибка чтения глубины не блокирует запуск.
func (c *Controller) Admit(ctx context.Context, queues ...string) bool {
	for _, q := range queues {
		depth, err := c.depths.Depth(ctx, q)
		if err != nil {
			c.logger.Debug("Глубина очереди недоступна, запуск допускается",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
			continue
		}
		if depth > c.threshold {
			c.logger.Debug("Очередь перегружена, периодический запуск пропущен",
				slog.String("queue", q),
				slog.Int("depth", depth),
				slog.Int("threshold", c.threshold),
			)
			admissionSkipsTotal.WithLabelValues(q).Inc()
			return false
		}
	}
	return true
}
