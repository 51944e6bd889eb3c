// Точка входа Connector Sync: сервис зеркалирования данных внешних
// систем пользователя (файлы, задачи, сделки, беседы, репозитории,
// доски) в общее хранилище записей и поисковый индекс.
// Загружает конфигурацию, поднимает хранилище, очередь задач, индекс и
// драйверы коннекторов, запускает воркеры, периодическую синхронизацию,
// topologymetrics и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/connector-sync/internal/admission"
	"github.com/bigkaa/connector-sync/internal/api/handlers"
	"github.com/bigkaa/connector-sync/internal/api/middleware"
	"github.com/bigkaa/connector-sync/internal/config"
	"github.com/bigkaa/connector-sync/internal/connector"
	"github.com/bigkaa/connector-sync/internal/connectors/gdrive"
	"github.com/bigkaa/connector-sync/internal/connectors/github"
	"github.com/bigkaa/connector-sync/internal/connectors/helpscout"
	"github.com/bigkaa/connector-sync/internal/connectors/intercom"
	"github.com/bigkaa/connector-sync/internal/connectors/jira"
	"github.com/bigkaa/connector-sync/internal/connectors/pipedrive"
	"github.com/bigkaa/connector-sync/internal/connectors/trello"
	"github.com/bigkaa/connector-sync/internal/database"
	"github.com/bigkaa/connector-sync/internal/memstore"
	"github.com/bigkaa/connector-sync/internal/repository"
	"github.com/bigkaa/connector-sync/internal/searchindex"
	"github.com/bigkaa/connector-sync/internal/server"
	"github.com/bigkaa/connector-sync/internal/service"
	"github.com/bigkaa/connector-sync/internal/taskqueue"
)

// fanout: одновременные постановки задач в UpdateSynchronization
const fanout = 8

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Connector Sync запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("storage", cfg.StorageBackend),
		slog.Any("connectors", cfg.Connectors),
	)

	ctx := context.Background()
	checkers := map[string]handlers.ReadinessChecker{}
	dhCfg := service.DephealthConfig{
		ServiceID:     "connector-sync",
		Group:         cfg.DephealthGroup,
		CheckInterval: cfg.DephealthCheckInterval,
	}

	// 3. Хранилище записей: PostgreSQL или память
	var (
		objects repository.SyncedObjectRepository
		states  repository.SyncStateRepository
		creds   repository.CredentialRepository
	)
	switch cfg.StorageBackend {
	case "postgres":
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
			os.Exit(1)
		}

		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()

		// Проверка здоровья PostgreSQL в topologymetrics идёт через тот же пул
		pgDB := stdlib.OpenDBFromPool(pool)
		defer pgDB.Close()
		dhCfg.DB = pgDB
		dhCfg.PGConnURL = cfg.DatabaseURL()

		objects = repository.NewSyncedObjectRepository(pool)
		states = repository.NewSyncStateRepository(pool)
		creds = repository.NewCredentialRepository(pool)
		checkers["postgresql"] = database.NewReadinessChecker(pool)
	default:
		logger.Warn("Хранилище в памяти: данные не переживут перезапуск")
		store := memstore.New()
		objects = store.Objects()
		states = store.States()
		creds = store.Credentials()
	}

	// 4. Очередь задач и аренды: Redis или память
	var (
		queue  taskqueue.Queue
		leases admission.Leases
	)
	if cfg.RedisURL != "" {
		rdb, err := taskqueue.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("Ошибка подключения к Redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() { _ = rdb.Close() }()

		queue = taskqueue.NewRedisQueue(rdb, logger)
		leases = admission.NewRedisLeases(rdb)
		checkers["redis"] = taskqueue.NewReadinessChecker(rdb)
		logger.Info("Очередь задач: Redis")
	} else {
		queue = taskqueue.NewMemoryQueue()
		leases = admission.NewMemoryLeases()
		logger.Warn("Очередь задач в памяти: один экземпляр сервиса")
	}
	defer func() { _ = queue.Close() }()
	tasks := taskqueue.NewRouter(queue, cfg.QueueThreshold, logger)

	// 5. Поисковый индекс
	var index searchindex.Index
	if cfg.SearchURL != "" {
		client := searchindex.NewClient(cfg.SearchURL, cfg.SearchIndex, cfg.SearchAppID, cfg.SearchAPIKey, logger)
		dhCfg.SearchHealthURL = client.HealthURL()
		index = client
	} else {
		logger.Warn("CS_SEARCH_URL не задан, документы индекса хранятся в памяти")
		index = searchindex.NewMemoryIndex()
	}

	// 6. Драйверы включённых коннекторов
	registry := connector.NewRegistry(buildDrivers(cfg, logger)...)

	// 7. Сервисный слой
	runtime := connector.NewRuntime(objects, states, index, tasks, logger)
	orch := service.NewOrchestrator(
		registry,
		runtime,
		service.NewCredentialCache(creds, cfg.CredentialCacheSize, cfg.CredentialCacheTTL),
		objects, states, index, tasks,
		admission.NewController(queue, cfg.QueueThreshold, logger),
		leases, cfg.LeaseTTL, fanout,
		logger,
	)

	// 8. Фоновые задачи: воркеры и периодическая синхронизация
	workers := service.NewWorkerPool(queue, orch, orch.Queues(), cfg.Workers, cfg.DequeueTimeout, logger)
	workers.Start(ctx)
	scheduler := service.NewScheduler(orch, cfg.UpdateInterval, logger)
	scheduler.Start(ctx)

	// 8.1 topologymetrics: PostgreSQL и поисковый индекс
	dephealthSvc, dephealthErr := service.NewDephealthService(dhCfg, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 9. JWT middleware (опционально)
	var jwtAuth *middleware.JWTAuth
	if cfg.JWTJWKSURL != "" {
		jwtAuth, err = middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWTJWKSURL,
			Issuer:          cfg.JWTIssuer,
			ClientTimeout:   cfg.HTTPReadTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			Leeway:          cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWTJWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	} else {
		logger.Warn("CS_JWT_JWKS_URL не задан, внутренний API без аутентификации")
	}

	// 10. HTTP-сервер
	router := server.NewRouter(
		handlers.NewHealthHandler(checkers),
		handlers.NewSyncHandler(orch, logger),
		jwtAuth,
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(),
	)
	srv := server.New(cfg, logger, router)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
	}

	// 11. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	scheduler.Stop()
	workers.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Connector Sync остановлен")
}

// buildDrivers создаёт драйверы коннекторов из CS_CONNECTORS.
func buildDrivers(cfg *config.Config, logger *slog.Logger) []connector.Driver {
	var drivers []connector.Driver
	d := cfg.Delays
	urls := cfg.APIBaseURLs

	if cfg.ConnectorEnabled("gdrive") {
		drivers = append(drivers, gdrive.New(gdrive.Options{
			BaseURL:      urls["gdrive"],
			HiddenMarker: cfg.GDriveHiddenMarker,
		}, logger))
	}
	if cfg.ConnectorEnabled("jira") {
		drivers = append(drivers, jira.New(jira.Options{
			BaseURL:      urls["jira"],
			PageDelay:    d.JiraPage,
			ProjectDelay: d.JiraProject,
		}, logger))
	}
	if cfg.ConnectorEnabled("helpscout") {
		drivers = append(drivers, helpscout.New(helpscout.Options{
			BaseURL: urls["helpscout"],
			Stagger: d.HelpScout,
		}, logger))
	}
	if cfg.ConnectorEnabled("helpscout_docs") {
		drivers = append(drivers, helpscout.NewDocs(helpscout.DocsOptions{
			BaseURL:        urls["helpscout_docs"],
			MailboxBaseURL: urls["helpscout"],
			Stagger:        d.HelpScout,
		}, logger))
	}
	if cfg.ConnectorEnabled("pipedrive") {
		drivers = append(drivers, pipedrive.New(pipedrive.Options{
			BaseURL: urls["pipedrive"],
			Delay:   d.Pipedrive,
		}, logger))
	}
	if cfg.ConnectorEnabled("intercom") {
		drivers = append(drivers, intercom.New(intercom.Options{
			BaseURL: urls["intercom"],
			Stagger: d.Intercom,
		}, logger))
	}
	if cfg.ConnectorEnabled("github") {
		drivers = append(drivers, github.New(github.Options{
			BaseURL:        urls["github"],
			Delay:          d.GitHub,
			QuotaThreshold: cfg.RateLimitThreshold,
			Stagger:        d.FetchStagger,
		}, logger))
	}
	if cfg.ConnectorEnabled("trello") {
		drivers = append(drivers, trello.New(trello.Options{
			BaseURL:        urls["trello"],
			APIKey:         cfg.TrelloAPIKey,
			BoardDelay:     d.TrelloBoard,
			UpdateDelay:    d.TrelloUpdate,
			QuotaThreshold: cfg.RateLimitThreshold,
		}, logger))
	}
	return drivers
}
