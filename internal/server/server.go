// Пакет server: HTTP-сервер Connector Sync с graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/connector-sync/internal/api/handlers"
	"github.com/bigkaa/connector-sync/internal/api/middleware"
	"github.com/bigkaa/connector-sync/internal/config"
)

// Server: HTTP-сервер Connector Sync.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// NewRouter собирает маршруты. auth == nil отключает JWT и проверку
// scopes; health и metrics всегда доступны без токена.
func NewRouter(
	health *handlers.HealthHandler,
	sync *handlers.SyncHandler,
	auth *middleware.JWTAuth,
	middlewares ...func(http.Handler) http.Handler,
) chi.Router {
	scope := func(string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler { return next }
	}
	if auth != nil {
		middlewares = append(middlewares, JWTAuthWithExclusions(auth.Middleware(), "/health/", "/metrics"))
		scope = middleware.RequireScope
	}

	// chi требует объявить все middleware до маршрутов
	router := chi.NewRouter()
	for _, mw := range middlewares {
		router.Use(mw)
	}

	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Get("/metrics", health.GetMetrics)

	router.Route("/api/v1/users/{userID}", func(r chi.Router) {
		r.With(scope(middleware.ScopeSyncWrite)).Post("/connectors/{connector}/sync", sync.StartSync)
		r.With(scope(middleware.ScopeSyncRead)).Get("/connectors/{connector}/status", sync.GetStatus)
		r.With(scope(middleware.ScopeSyncWrite)).Delete("/objects", sync.PurgeUser)
	})
	return router
}

// New создаёт HTTP-сервер.
func New(cfg *config.Config, logger *slog.Logger, handler http.Handler) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// JWTAuthWithExclusions пропускает без middleware запросы к путям,
// начинающимся с любого из excludePrefixes.
func JWTAuthWithExclusions(mw func(http.Handler) http.Handler, excludePrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		protected := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			protected.ServeHTTP(w, r)
		})
	}
}

// Run запускает сервер и ожидает SIGINT/SIGTERM, после чего выполняет
// graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
