// scheduler.go: периодический вызов UpdateSynchronization для всех
// коннекторов с интервалом CS_UPDATE_INTERVAL.
package service

import (
	"context"
	"log/slog"
	"time"
)

// Updater: периодическая точка входа синхронизации.
type Updater interface {
	UpdateAll(ctx context.Context) error
}

// Scheduler запускает Updater по таймеру.
type Scheduler struct {
	updater  Updater
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler создаёт планировщик.
func NewScheduler(updater Updater, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		updater:  updater,
		interval: interval,
		logger:   logger.With(slog.String("component", "scheduler")),
	}
}

// Start запускает фоновую горутину. Вызывается один раз при старте.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Периодическая синхронизация запущена",
			slog.String("interval", s.interval.String()),
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Периодическая синхронизация остановлена")
				return
			case <-ticker.C:
				if err := s.updater.UpdateAll(ctx); err != nil {
					s.logger.Error("Ошибка периодической синхронизации", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// Stop останавливает горутину и ждёт её завершения.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}
