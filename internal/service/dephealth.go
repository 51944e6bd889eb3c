// dephealth.go: мониторинг зависимостей через topologymetrics SDK.
//
// Connector Sync мониторит:
//   - PostgreSQL: SQL checker через существующий pgxpool (connection pool mode, critical)
//   - поисковый индекс: HTTP checker (critical)
//
// Внешние API коннекторов не мониторятся: их ошибки обрабатываются
// в самом запуске синхронизации.
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health
//   - app_dependency_latency_seconds
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNoDependencies: нечего мониторить (хранилище и индекс в памяти).
var ErrNoDependencies = errors.New("нет зависимостей для мониторинга")

// DephealthConfig: параметры мониторинга. Пустые поля отключают
// соответствующую зависимость.
type DephealthConfig struct {
	ServiceID string
	Group     string
	// DB: *sql.DB из pgxpool через stdlib.OpenDBFromPool
	DB *sql.DB
	// PGConnURL: URL PostgreSQL для лейблов, не для подключения
	PGConnURL string
	// SearchHealthURL: health endpoint поискового индекса
	SearchHealthURL string
	CheckInterval   time.Duration
	// Registerer: nil означает глобальный registry
	Registerer prometheus.Registerer
}

// DephealthService: мониторинг зависимостей.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	opts := []dephealth.Option{dephealth.WithLogger(logger)}
	if cfg.Registerer != nil {
		opts = append(opts, dephealth.WithRegisterer(cfg.Registerer))
	}

	deps := 0
	if cfg.DB != nil && cfg.PGConnURL != "" {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)),
			dephealth.FromURL(cfg.PGConnURL),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		))
		deps++
	}

	if cfg.SearchHealthURL != "" {
		parsed, err := url.Parse(cfg.SearchHealthURL)
		if err != nil {
			return nil, err
		}
		base := parsed.Scheme + "://" + parsed.Host
		path := parsed.Path
		if path == "" {
			path = "/"
		}
		searchOpts := []dephealth.DependencyOption{
			dephealth.FromURL(base),
			dephealth.WithHTTPHealthPath(path),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		}
		if parsed.Scheme == "https" {
			searchOpts = append(searchOpts, dephealth.WithHTTPTLSSkipVerify(false))
		}
		opts = append(opts, dephealth.HTTP("search-index", searchOpts...))
		deps++
	}

	if deps == 0 {
		return nil, ErrNoDependencies
	}

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}
	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей: имя → ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
