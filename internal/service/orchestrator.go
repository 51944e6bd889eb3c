// orchestrator.go: точки входа синхронизации. Запуски и загрузки идут
// через очередь задач: StartSynchronization и UpdateSynchronization только
// ставят задачи, воркеры выполняют их через RunSync, HandleFetch и PurgeUser.
//
// Prometheus-метрики:
//   - cs_sync_duration_seconds: длительность запуска по коннектору и результату
//   - cs_sync_lease_busy_total: запуски, пропущенные из-за занятой аренды
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/connector-sync/internal/admission"
	"github.com/bigkaa/connector-sync/internal/connector"
	"github.com/bigkaa/connector-sync/internal/domain/model"
	"github.com/bigkaa/connector-sync/internal/ratelimit"
	"github.com/bigkaa/connector-sync/internal/repository"
	"github.com/bigkaa/connector-sync/internal/searchindex"
	"github.com/bigkaa/connector-sync/internal/taskqueue"
)

var (
	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cs_sync_duration_seconds",
		Help:    "Длительность запуска синхронизации",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s … ~819s
	}, []string{"connector", "result"})

	leaseBusyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_sync_lease_busy_total",
		Help: "Запуски, пропущенные из-за уже идущего запуска с теми же учётными данными",
	}, []string{"connector"})
)

// Admitter решает, допускать ли периодический запуск.
type Admitter interface {
	Admit(ctx context.Context, queues ...string) bool
}

// Orchestrator: точки входа синхронизации для API, планировщика и воркеров.
type Orchestrator struct {
	registry *connector.Registry
	runtime  *connector.Runtime
	creds    *CredentialCache
	objects  repository.SyncedObjectRepository
	states   repository.SyncStateRepository
	index    searchindex.Index
	tasks    taskqueue.Enqueuer
	admitter Admitter
	leases   admission.Leases
	leaseTTL time.Duration
	// fanout: одновременные постановки задач в UpdateSynchronization
	fanout int
	logger *slog.Logger
}

// NewOrchestrator создаёт оркестратор.
func NewOrchestrator(
	registry *connector.Registry,
	runtime *connector.Runtime,
	creds *CredentialCache,
	objects repository.SyncedObjectRepository,
	states repository.SyncStateRepository,
	index searchindex.Index,
	tasks taskqueue.Enqueuer,
	admitter Admitter,
	leases admission.Leases,
	leaseTTL time.Duration,
	fanout int,
	logger *slog.Logger,
) *Orchestrator {
	if fanout < 1 {
		fanout = 1
	}
	return &Orchestrator{
		registry: registry,
		runtime:  runtime,
		creds:    creds,
		objects:  objects,
		states:   states,
		index:    index,
		tasks:    tasks,
		admitter: admitter,
		leases:   leases,
		leaseTTL: leaseTTL,
		fanout:   fanout,
		logger:   logger.With(slog.String("component", "orchestrator")),
	}
}

// Queues возвращает очереди, которые обслуживают воркеры: по одной на
// коннектор и общую.
func (o *Orchestrator) Queues() []string {
	connectors := o.registry.Connectors()
	queues := make([]string, 0, len(connectors)+1)
	for _, c := range connectors {
		queues = append(queues, string(c))
	}
	return append(queues, taskqueue.DefaultQueue)
}

func (o *Orchestrator) driver(c model.Connector) (connector.Driver, error) {
	d, ok := o.registry.Get(c)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, c)
	}
	return d, nil
}

func syncTask(cred *model.Credential, full bool) taskqueue.Task {
	return taskqueue.NewTask(taskqueue.TaskSync, string(cred.Connector), map[string]string{
		"credential_id": cred.ID,
		"full":          strconv.FormatBool(full),
	})
}

// StartSynchronization ставит первичный полный запуск для пользователя.
// Запросы пользователя не проходят контроль допуска.
func (o *Orchestrator) StartSynchronization(ctx context.Context, userID string, c model.Connector) error {
	if _, err := o.driver(c); err != nil {
		return err
	}
	cred, err := o.creds.ForUser(ctx, userID, c)
	if err != nil {
		return err
	}
	if err := o.tasks.Enqueue(ctx, syncTask(cred, true)); err != nil {
		return fmt.Errorf("постановка запуска %s: %w", c, err)
	}
	o.logger.Info("Синхронизация поставлена в очередь",
		slog.String("connector", string(c)),
		slog.String("user_id", userID),
	)
	return nil
}

// UpdateSynchronization: периодическая точка входа коннектора. Ставит
// инкрементальный запуск для каждых учётных данных, у которых нет
// идущего запуска. Возвращает число поставленных задач; при перегрузке
// очередей ничего не ставит.
func (o *Orchestrator) UpdateSynchronization(ctx context.Context, c model.Connector) (int, error) {
	if _, err := o.driver(c); err != nil {
		return 0, err
	}
	if !o.admitter.Admit(ctx, string(c), taskqueue.DefaultQueue) {
		return 0, nil
	}

	creds, err := o.creds.List(ctx, c)
	if err != nil {
		return 0, err
	}

	var queued atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fanout)
	for _, cred := range creds {
		g.Go(func() error {
			if held, err := o.leases.Held(gctx, admission.LeaseKey(cred)); err == nil && held {
				leaseBusyTotal.WithLabelValues(string(c)).Inc()
				return nil
			}
			if err := o.tasks.Enqueue(gctx, syncTask(cred, false)); err != nil {
				return fmt.Errorf("постановка запуска %s/%s: %w", c, cred.UserID, err)
			}
			queued.Add(1)
			return nil
		})
	}
	err = g.Wait()

	o.logger.Debug("Периодическая синхронизация поставлена",
		slog.String("connector", string(c)),
		slog.Int("credentials", len(creds)),
		slog.Int("queued", int(queued.Load())),
	)
	return int(queued.Load()), err
}

// UpdateAll вызывает UpdateSynchronization для всех коннекторов.
// Ошибка одного коннектора не мешает остальным.
func (o *Orchestrator) UpdateAll(ctx context.Context) error {
	var errs []error
	for _, c := range o.registry.Connectors() {
		if _, err := o.UpdateSynchronization(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunSync выполняет запуск драйвера для учётных данных под арендой.
// Если аренда занята, запуск пропускается: nil, nil. Исчерпание квоты
// останавливает запуск без ошибки, результат помечается Stopped.
func (o *Orchestrator) RunSync(ctx context.Context, credentialID string, full bool) (*model.RunResult, error) {
	cred, err := o.creds.ByID(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	driver, err := o.driver(cred.Connector)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With(
		slog.String("connector", string(cred.Connector)),
		slog.String("user_id", cred.UserID),
	)

	key := admission.LeaseKey(cred)
	token, ok, err := o.leases.Acquire(ctx, key, o.leaseTTL)
	switch {
	case err != nil:
		// Аренда рекомендательная: дубли схлопнет хранилище
		logger.Warn("Аренда недоступна, запуск без аренды", slog.String("error", err.Error()))
	case !ok:
		leaseBusyTotal.WithLabelValues(string(cred.Connector)).Inc()
		logger.Debug("Запуск с этими учётными данными уже идёт")
		return nil, nil
	default:
		defer func() {
			if err := o.leases.Release(context.WithoutCancel(ctx), key, token); err != nil {
				logger.Warn("Ошибка освобождения аренды", slog.String("error", err.Error()))
			}
		}()
	}

	state, err := o.states.Get(ctx, cred.UserID, cred.Connector)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("состояние синхронизации: %w", err)
	}

	run := o.runtime.NewRun(cred, state, full)
	start := time.Now()
	err = o.runtime.Execute(ctx, driver, run)

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ratelimit.ErrQuotaExhausted):
		result = "stopped"
		run.Result.Stopped = true
		err = nil
		logger.Info("Запуск остановлен: квота API исчерпана")
	case errors.Is(err, connector.ErrUnauthorized):
		result = "unauthorized"
	case errors.Is(err, connector.ErrTransient):
		result = "transient"
	case ctx.Err() != nil:
		result = "cancelled"
	default:
		result = "error"
	}
	syncDuration.WithLabelValues(string(cred.Connector), result).Observe(time.Since(start).Seconds())

	if err != nil {
		return &run.Result, fmt.Errorf("запуск %s для %s: %w", cred.Connector, cred.UserID, err)
	}
	logger.Info("Запуск синхронизации завершён",
		slog.Int("created", run.Result.Created),
		slog.Int("updated", run.Result.Updated),
		slog.Int("unchanged", run.Result.Unchanged),
		slog.Int("deleted", run.Result.Deleted),
		slog.Int("fetches", run.Result.Fetches),
		slog.Bool("stopped", run.Result.Stopped),
		slog.String("duration", time.Since(start).String()),
	)
	return &run.Result, nil
}

// HandleFetch выполняет вторичную загрузку объекта.
func (o *Orchestrator) HandleFetch(ctx context.Context, credentialID, objectID string) error {
	cred, err := o.creds.ByID(ctx, credentialID)
	if err != nil {
		return err
	}
	driver, err := o.driver(cred.Connector)
	if err != nil {
		return err
	}
	return o.runtime.HandleFetch(ctx, driver, o.runtime.NewRun(cred, nil, false), objectID)
}

// SyncStatus возвращает статус синхронизации пользователя по коннектору.
// Синхронизация идёт, пока есть неготовые объекты или занята аренда.
func (o *Orchestrator) SyncStatus(ctx context.Context, userID string, c model.Connector) (model.SyncStatus, error) {
	var status model.SyncStatus
	if _, err := o.driver(c); err != nil {
		return status, err
	}

	filter := repository.ObjectFilter{Connector: &c, UserID: &userID}
	count, err := o.objects.Count(ctx, filter)
	if err != nil {
		return status, fmt.Errorf("подсчёт объектов: %w", err)
	}
	ready := model.StatusReady
	filter.Status = &ready
	readyCount, err := o.objects.Count(ctx, filter)
	if err != nil {
		return status, fmt.Errorf("подсчёт готовых объектов: %w", err)
	}

	status.Count = count
	status.ReadyCount = readyCount
	status.InProgress = count > readyCount

	_, err = o.states.Get(ctx, userID, c)
	switch {
	case err == nil:
		status.HasStarted = true
	case !errors.Is(err, repository.ErrNotFound):
		return status, fmt.Errorf("состояние синхронизации: %w", err)
	}
	status.HasStarted = status.HasStarted || count > 0

	if !status.InProgress {
		if cred, err := o.creds.ForUser(ctx, userID, c); err == nil {
			held, err := o.leases.Held(ctx, admission.LeaseKey(cred))
			status.InProgress = err == nil && held
		}
	}
	return status, nil
}

// RequestPurge ставит удаление всех данных пользователя в общую очередь.
func (o *Orchestrator) RequestPurge(ctx context.Context, userID string) error {
	task := taskqueue.NewTask(taskqueue.TaskPurge, taskqueue.DefaultQueue, map[string]string{"user_id": userID})
	if err := o.tasks.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("постановка удаления %s: %w", userID, err)
	}
	return nil
}

// PurgeUser удаляет все объекты пользователя, их документы в индексе и
// курсоры. Возвращает число удалённых объектов.
func (o *Orchestrator) PurgeUser(ctx context.Context, userID string) (int, error) {
	ids, err := o.objects.Delete(ctx, repository.ObjectFilter{UserID: &userID})
	if err != nil {
		return 0, fmt.Errorf("удаление объектов %s: %w", userID, err)
	}
	for _, id := range ids {
		if err := o.index.Delete(ctx, id); err != nil {
			o.logger.Error("Ошибка удаления из поискового индекса",
				slog.String("object_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	if _, err := o.states.DeleteByUser(ctx, userID); err != nil {
		return len(ids), fmt.Errorf("удаление состояний %s: %w", userID, err)
	}
	o.creds.Forget(userID)

	o.logger.Info("Данные пользователя удалены",
		slog.String("user_id", userID),
		slog.Int("objects", len(ids)),
	)
	return len(ids), nil
}

// HandleTask выполняет задачу очереди.
func (o *Orchestrator) HandleTask(ctx context.Context, task *taskqueue.Task) error {
	switch task.Name {
	case taskqueue.TaskSync:
		id := task.Arg("credential_id")
		if id == "" {
			return fmt.Errorf("%w: %s без credential_id", ErrInvalidTask, task.Name)
		}
		_, err := o.RunSync(ctx, id, task.Arg("full") == "true")
		return err
	case taskqueue.TaskFetch:
		credID, objID := task.Arg("credential_id"), task.Arg("object_id")
		if credID == "" || objID == "" {
			return fmt.Errorf("%w: %s без credential_id или object_id", ErrInvalidTask, task.Name)
		}
		return o.HandleFetch(ctx, credID, objID)
	case taskqueue.TaskPurge:
		userID := task.Arg("user_id")
		if userID == "" {
			return fmt.Errorf("%w: %s без user_id", ErrInvalidTask, task.Name)
		}
		_, err := o.PurgeUser(ctx, userID)
		return err
	default:
		return fmt.Errorf("%w: неизвестное имя %q", ErrInvalidTask, task.Name)
	}
}
