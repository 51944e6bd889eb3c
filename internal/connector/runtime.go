package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/connector-sync/internal/domain/budget"
	"github.com/bigkaa/connector-sync/internal/domain/lifecycle"
	"github.com/bigkaa/connector-sync/internal/domain/model"
	"github.com/bigkaa/connector-sync/internal/repository"
	"github.com/bigkaa/connector-sync/internal/searchindex"
	"github.com/bigkaa/connector-sync/internal/taskqueue"
)

var (
	objectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_sync_objects_total",
		Help: "Обработанные объекты по коннектору и результату",
	}, []string{"connector", "operation"})

	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_fetch_total",
		Help: "Вторичные загрузки содержимого по коннектору и результату",
	}, []string{"connector", "result"})

	duplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_duplicates_removed_total",
		Help: "Удалённые дубли синхронизированных объектов",
	}, []string{"connector"})
)

// Outcome: результат Upsert.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeCreated
	OutcomeUpdated
)

// Runtime выполняет общие шаги синхронизации для всех драйверов.
type Runtime struct {
	objects repository.SyncedObjectRepository
	states  repository.SyncStateRepository
	index   searchindex.Index
	tasks   taskqueue.Enqueuer
	limit   int
	logger  *slog.Logger
	now     func() time.Time
}

// NewRuntime создаёт Runtime. tasks обычно taskqueue.Router.
func NewRuntime(
	objects repository.SyncedObjectRepository,
	states repository.SyncStateRepository,
	index searchindex.Index,
	tasks taskqueue.Enqueuer,
	logger *slog.Logger,
) *Runtime {
	return &Runtime{
		objects: objects,
		states:  states,
		index:   index,
		tasks:   tasks,
		limit:   budget.MaxRecordBytes,
		logger:  logger.With(slog.String("component", "connector_runtime")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run: состояние одного запуска драйвера для одних учётных данных.
type Run struct {
	Credential *model.Credential
	// Cursor: курсор change feed на момент старта
	Cursor string
	// Full: принудительный полный листинг
	Full   bool
	Logger *slog.Logger
	Result model.RunResult

	rt    *Runtime
	state *model.SyncState
}

// NewRun открывает запуск. state может быть nil для первого запуска.
func (rt *Runtime) NewRun(cred *model.Credential, state *model.SyncState, full bool) *Run {
	now := rt.now()
	if state == nil {
		state = &model.SyncState{UserID: cred.UserID, Connector: cred.Connector, StartedAt: now}
	}
	return &Run{
		Credential: cred,
		Cursor:     state.Cursor,
		Full:       full,
		Logger: rt.logger.With(
			slog.String("connector", string(cred.Connector)),
			slog.String("user_id", cred.UserID),
		),
		Result: model.RunResult{Connector: cred.Connector, UserID: cred.UserID, StartedAt: now},
		rt:     rt,
		state:  state,
	}
}

// Connector возвращает тег коннектора запуска.
func (r *Run) Connector() model.Connector { return r.Credential.Connector }

// FullListing сообщает, что драйвер должен выполнить полный листинг.
func (r *Run) FullListing() bool { return r.Full || r.Cursor == "" }

func (r *Run) naturalKey(key string) model.NaturalKey {
	return model.NaturalKey{
		Connector: r.Credential.Connector,
		Key:       key,
		UserID:    r.Credential.UserID,
		TeamID:    r.Credential.TeamID,
	}
}

func (r *Run) filter(keys ...string) repository.ObjectFilter {
	c := r.Credential.Connector
	u := r.Credential.UserID
	return repository.ObjectFilter{
		Connector: &c,
		UserID:    &u,
		ScopeTeam: true,
		TeamID:    r.Credential.TeamID,
		Keys:      keys,
	}
}

// Upsert сохраняет элемент листинга: находит или создаёт запись, проверяет
// актуальность, заполняет неглубокие поля, ставит вторичную загрузку и
// синхронизирует запись с индексом при создании или готовности.
func (r *Run) Upsert(ctx context.Context, item Item) (*model.SyncedObject, Outcome, error) {
	obj, outcome, err := r.upsertOnce(ctx, item)
	if errors.Is(err, repository.ErrNotFound) {
		// Запись схлопнута конкурентным запуском между чтением и сохранением
		obj, outcome, err = r.upsertOnce(ctx, item)
	}
	if err != nil {
		return nil, OutcomeUnchanged, fmt.Errorf("сохранение %s/%s: %w", r.Connector(), item.Key, err)
	}
	return obj, outcome, nil
}

func (r *Run) upsertOnce(ctx context.Context, item Item) (*model.SyncedObject, Outcome, error) {
	rt := r.rt
	connector := string(r.Connector())

	obj, created, removed, err := rt.objects.GetOrCreate(ctx, r.naturalKey(item.Key))
	if err != nil {
		return nil, OutcomeUnchanged, err
	}
	if len(removed) > 0 {
		r.Logger.Warn("Удалены дубли объекта",
			slog.String("key", item.Key),
			slog.Int("count", len(removed)),
		)
		duplicatesTotal.WithLabelValues(connector).Add(float64(len(removed)))
		for _, id := range removed {
			r.deleteFromIndex(ctx, id)
		}
	}

	if !lifecycle.NeedsResync(obj.UpdatedTS, item.UpdatedTS, obj.Status, created) {
		r.Result.Unchanged++
		objectsTotal.WithLabelValues(connector, "skipped").Inc()
		return obj, OutcomeUnchanged, nil
	}

	next := model.StatusReady
	if item.NeedsFetch {
		next = model.StatusPending
	}
	if !lifecycle.CanTransition(obj.Status, next) {
		r.Logger.Debug("Недопустимый переход статуса, объект пропущен",
			slog.String("key", item.Key),
			slog.String("from", obj.Status.String()),
			slog.String("to", next.String()),
		)
		r.Result.Unchanged++
		return obj, OutcomeUnchanged, nil
	}

	content := item.Content
	if item.Build != nil {
		built, err := item.Build(ctx)
		switch {
		case err == nil:
			content = built
		case errors.Is(err, ErrPermanent), errors.Is(err, ErrGone):
			r.Logger.Warn("Содержимое не построено",
				slog.String("key", item.Key),
				slog.String("error", err.Error()),
			)
		default:
			return nil, OutcomeUnchanged, err
		}
	}

	obj.ParentKey = item.ParentKey
	obj.Title = item.Title
	obj.UpdatedTS = item.UpdatedTS
	obj.UpdatedAt = item.UpdatedAt
	if obj.UpdatedAt == "" && item.UpdatedTS > 0 {
		obj.UpdatedAt = time.Unix(item.UpdatedTS, 0).UTC().Format(time.RFC3339)
	}
	obj.WebLink = item.WebLink
	obj.PrimaryKeywords = item.PrimaryKeywords
	obj.SecondaryKeywords = item.SecondaryKeywords
	obj.Path = item.Path
	// Атрибуты, записанные вторичной загрузкой, переживают листинг
	if obj.Attrs == nil {
		obj.Attrs = make(map[string]string, len(item.Attrs))
	}
	for k, v := range item.Attrs {
		obj.Attrs[k] = v
	}
	obj.Status = next
	if next == model.StatusReady {
		now := rt.now()
		obj.LastSyncedAt = &now
	}
	if content != nil {
		obj.Content = r.encode(item.Key, content)
	} else if !item.NeedsFetch {
		obj.Content = nil
	}

	if err := rt.objects.Save(ctx, obj); err != nil {
		return nil, OutcomeUnchanged, err
	}

	if item.NeedsFetch {
		if err := r.enqueueFetch(ctx, obj, item.FetchDelay); err != nil {
			return nil, OutcomeUnchanged, err
		}
	}
	if created || obj.Status == model.StatusReady {
		r.pushToIndex(ctx, obj)
	}

	if created {
		r.Result.Created++
		objectsTotal.WithLabelValues(connector, "created").Inc()
		return obj, OutcomeCreated, nil
	}
	r.Result.Updated++
	objectsTotal.WithLabelValues(connector, "updated").Inc()
	return obj, OutcomeUpdated, nil
}

// encode укладывает содержимое в бюджет. Не уложившееся содержимое
// отбрасывается с предупреждением: объект сохраняется без него.
func (r *Run) encode(key string, content any) []byte {
	data, err := budget.Encode(content, r.rt.limit)
	if err != nil {
		size, _ := budget.Size(content)
		r.Logger.Warn("Содержимое не уложилось в бюджет и отброшено",
			slog.String("key", key),
			slog.String("size", humanize.Bytes(uint64(size))),
			slog.String("limit", humanize.Bytes(uint64(r.rt.limit))),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return data
}

func (r *Run) enqueueFetch(ctx context.Context, obj *model.SyncedObject, delay time.Duration) error {
	task := taskqueue.NewTask(taskqueue.TaskFetch, string(r.Connector()), map[string]string{
		"object_id":     obj.ID,
		"credential_id": r.Credential.ID,
	}).After(delay)
	if err := r.rt.tasks.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("постановка вторичной загрузки: %w", err)
	}
	r.Result.Fetches++
	return nil
}

func (r *Run) pushToIndex(ctx context.Context, obj *model.SyncedObject) {
	if err := r.rt.index.Upsert(ctx, searchindex.FromObject(obj)); err != nil {
		// Запись в индексе обновится при следующем изменении объекта
		r.Logger.Error("Ошибка записи в поисковый индекс",
			slog.String("object_id", obj.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Run) deleteFromIndex(ctx context.Context, id string) {
	if err := r.rt.index.Delete(ctx, id); err != nil {
		r.Logger.Error("Ошибка удаления из поискового индекса",
			slog.String("object_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// Remove удаляет записи с natural key key и их документы в индексе.
// Отсутствие записи не является ошибкой. Совместим с hierarchy.Remover.
func (r *Run) Remove(ctx context.Context, key string) error {
	ids, err := r.rt.objects.Delete(ctx, r.filter(key))
	if err != nil {
		return fmt.Errorf("удаление %s/%s: %w", r.Connector(), key, err)
	}
	for _, id := range ids {
		r.deleteFromIndex(ctx, id)
	}
	if len(ids) > 0 {
		r.Result.Deleted += len(ids)
		objectsTotal.WithLabelValues(string(r.Connector()), "deleted").Add(float64(len(ids)))
	}
	return nil
}

// Existing возвращает сохранённую запись по natural key или nil.
func (r *Run) Existing(ctx context.Context, key string) (*model.SyncedObject, error) {
	list, err := r.rt.objects.List(ctx, r.filter(key), 1)
	if err != nil {
		return nil, fmt.Errorf("поиск %s/%s: %w", r.Connector(), key, err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// FallbackTS: метка изменения для элемента без разборчивой даты.
// Для известной записи это сохранённое значение, иначе текущее время,
// чтобы повторный запуск не считал элемент изменённым.
func (r *Run) FallbackTS(ctx context.Context, key string) (int64, error) {
	existing, err := r.Existing(ctx, key)
	if err != nil {
		return 0, err
	}
	if existing != nil && existing.UpdatedTS > 0 {
		return existing.UpdatedTS, nil
	}
	return r.rt.now().Unix(), nil
}

// SaveCursor сохраняет курсор change feed. Вызывается только после того,
// как последовательность страниц полностью прочитана.
func (r *Run) SaveCursor(ctx context.Context, cursor string) error {
	r.state.Cursor = cursor
	if err := r.rt.states.Save(ctx, r.state); err != nil {
		return fmt.Errorf("сохранение курсора %s: %w", r.Connector(), err)
	}
	r.Cursor = cursor
	return nil
}

// Execute выполняет запуск драйвера целиком. Для драйверов с change feed
// начальный курсор берётся до полного листинга и сохраняется после него,
// чтобы изменения во время листинга попали в следующий проход.
func (rt *Runtime) Execute(ctx context.Context, driver Driver, run *Run) error {
	var initial string
	if ci, ok := driver.(CursorInitializer); ok && run.FullListing() {
		cursor, err := ci.InitCursor(ctx, run)
		if err != nil {
			return fmt.Errorf("начальный курсор %s: %w", run.Connector(), err)
		}
		initial = cursor
	}

	if err := driver.Sync(ctx, run); err != nil {
		return err
	}

	if initial != "" {
		if err := run.SaveCursor(ctx, initial); err != nil {
			return err
		}
	}
	return rt.Finish(ctx, run)
}

// Finish отмечает запуск завершённым и сохраняет время последнего прохода.
func (rt *Runtime) Finish(ctx context.Context, run *Run) error {
	now := rt.now()
	run.Result.CompletedAt = now
	run.state.LastRunAt = &now
	if err := rt.states.Save(ctx, run.state); err != nil {
		return fmt.Errorf("сохранение состояния %s: %w", run.Connector(), err)
	}
	return nil
}

// HandleFetch выполняет вторичную загрузку содержимого объекта.
// Объект переводится в processing, после загрузки всегда становится
// ready, даже при ошибке: повторной попытки в рамках запуска нет.
func (rt *Runtime) HandleFetch(ctx context.Context, driver Driver, run *Run, objectID string) error {
	connector := string(run.Connector())

	obj, err := rt.objects.GetByID(ctx, objectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			run.Logger.Debug("Объект для загрузки уже удалён", slog.String("object_id", objectID))
			return nil
		}
		return fmt.Errorf("загрузка объекта %s: %w", objectID, err)
	}
	if obj.Status != model.StatusPending {
		run.Logger.Debug("Объект не ожидает загрузки",
			slog.String("object_id", objectID),
			slog.String("status", obj.Status.String()),
		)
		return nil
	}

	obj.Status = model.StatusProcessing
	if err := rt.objects.Save(ctx, obj); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("сохранение объекта %s: %w", objectID, err)
	}

	content, fetchErr := driver.Fetch(ctx, run, obj)
	if errors.Is(fetchErr, ErrGone) {
		fetchesTotal.WithLabelValues(connector, "gone").Inc()
		run.Logger.Info("Объект удалён во внешней системе", slog.String("key", obj.Key))
		return run.Remove(ctx, obj.Key)
	}
	if ctx.Err() != nil {
		// Остановка сервиса: объект вернётся к загрузке при следующем изменении
		obj.Status = model.StatusPending
		if err := rt.objects.Save(context.WithoutCancel(ctx), obj); err != nil {
			run.Logger.Error("Не удалось вернуть объект к загрузке",
				slog.String("object_id", objectID),
				slog.String("error", err.Error()),
			)
			return errors.Join(ctx.Err(), fmt.Errorf("сохранение объекта %s: %w", objectID, err))
		}
		return ctx.Err()
	}

	result := "ok"
	if fetchErr != nil {
		result = "error"
		run.Logger.Warn("Ошибка загрузки содержимого",
			slog.String("object_id", objectID),
			slog.String("key", obj.Key),
			slog.String("error", fetchErr.Error()),
		)
	} else if content != nil {
		obj.Content = run.encode(obj.Key, content)
	}

	now := rt.now()
	obj.Status = model.StatusReady
	obj.LastSyncedAt = &now
	if err := rt.objects.Save(ctx, obj); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("сохранение объекта %s: %w", objectID, err)
	}
	run.pushToIndex(ctx, obj)
	fetchesTotal.WithLabelValues(connector, result).Inc()
	return nil
}
