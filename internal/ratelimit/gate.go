// Пакет ratelimit ограничивает темп обращений коннекторов к внешним API:
// проверка остатка квоты по заголовкам ответа и фиксированные паузы
// для API без сигнала квоты.
package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ErrQuotaExhausted: остаток квоты ниже порога, запуск нужно остановить.
// Уже обработанные объекты остаются сохранёнными.
var ErrQuotaExhausted = errors.New("квота внешнего API исчерпана")

// QuotaReporter сообщает последний известный остаток квоты.
// known=false, если API не присылал сигнал квоты.
type QuotaReporter interface {
	RemainingQuota() (remaining int, known bool)
}

// Gate: проверка квоты и фиксированная пауза между элементами.
type Gate struct {
	threshold int
	delay     time.Duration
	limiter   *rate.Limiter
}

// NewGate создаёт Gate. threshold: минимальный допустимый остаток квоты,
// delay: пауза между элементами (0 отключает паузу).
func NewGate(threshold int, delay time.Duration) *Gate {
	g := &Gate{threshold: threshold, delay: delay}
	if delay > 0 {
		g.limiter = rate.NewLimiter(rate.Every(delay), 1)
	}
	return g
}

// Check возвращает ErrQuotaExhausted, если известный остаток квоты ниже порога.
func (g *Gate) Check(q QuotaReporter) error {
	if q == nil {
		return nil
	}
	remaining, known := q.RemainingQuota()
	if known && remaining < g.threshold {
		return ErrQuotaExhausted
	}
	return nil
}

// Pause ждёт фиксированную паузу перед следующим элементом.
// Первый вызов проходит сразу.
func (g *Gate) Pause(ctx context.Context) error {
	if g.limiter == nil {
		return ctx.Err()
	}
	return g.limiter.Wait(ctx)
}

// Delay возвращает настроенную паузу.
func (g *Gate) Delay() time.Duration {
	return g.delay
}

// Tracker запоминает остаток квоты из заголовков ответов.
// Безопасен для конкурентного использования.
type Tracker struct {
	header    string
	remaining atomic.Int64
	known     atomic.Bool
}

// NewTracker создаёт Tracker для заголовка (например, X-RateLimit-Remaining).
func NewTracker(header string) *Tracker {
	return &Tracker{header: header}
}

// Observe читает заголовок квоты из ответа. Отсутствующий или
// некорректный заголовок не меняет последнее известное значение.
func (t *Tracker) Observe(h http.Header) {
	raw := h.Get(t.header)
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	t.remaining.Store(int64(n))
	t.known.Store(true)
}

// RemainingQuota реализует QuotaReporter.
func (t *Tracker) RemainingQuota() (int, bool) {
	return int(t.remaining.Load()), t.known.Load()
}
