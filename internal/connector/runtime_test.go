package connector_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/connector-sync/internal/connector"
	"github.com/bigkaa/connector-sync/internal/connector/connectortest"
	"github.com/bigkaa/connector-sync/internal/domain/model"
	"github.com/bigkaa/connector-sync/internal/repository"
	"github.com/bigkaa/connector-sync/internal/taskqueue"
)

// fakeDriver отдаёт фиксированный листинг и содержимое.
type fakeDriver struct {
	items    []connector.Item
	content  map[string]any
	fetchErr map[string]error
	cursor   string
	fetched  []string
}

func (d *fakeDriver) Connector() model.Connector { return model.ConnectorJira }

func (d *fakeDriver) Sync(ctx context.Context, run *connector.Run) error {
	for _, item := range d.items {
		if _, _, err := run.Upsert(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (d *fakeDriver) Fetch(_ context.Context, _ *connector.Run, obj *model.SyncedObject) (any, error) {
	d.fetched = append(d.fetched, obj.Key)
	if err := d.fetchErr[obj.Key]; err != nil {
		return nil, err
	}
	return d.content[obj.Key], nil
}

type cursorDriver struct {
	fakeDriver
}

func (d *cursorDriver) InitCursor(context.Context, *connector.Run) (string, error) {
	return d.cursor, nil
}

func threeItems() []connector.Item {
	return []connector.Item{
		{Key: "A-1", Title: "first", UpdatedTS: 100, NeedsFetch: true, FetchDelay: time.Second},
		{Key: "A-2", Title: "second", UpdatedTS: 100, NeedsFetch: true},
		{Key: "A-3", Title: "third", UpdatedTS: 100, Content: map[string]string{"text": "inline"}},
	}
}

func TestRuntime_ThreeObjectsTwoFetches(t *testing.T) {
	h := connectortest.New(t)
	cred := h.Credential(t, model.ConnectorJira, "tok", nil)
	d := &fakeDriver{
		items:   threeItems(),
		content: map[string]any{"A-1": map[string]string{"comments": "c1"}, "A-2": map[string]string{"comments": "c2"}},
	}

	run := h.MustSync(t, d, cred, true)
	if run.Result.Created != 3 || run.Result.Fetches != 2 {
		t.Errorf("Result = %+v, ожидается 3 созданных и 2 загрузки", run.Result)
	}

	fetches := h.Tasks.Take(taskqueue.TaskFetch)
	if len(fetches) != 2 {
		t.Fatalf("поставлено %d загрузок, ожидается 2", len(fetches))
	}
	if fetches[0].Queue != string(model.ConnectorJira) || fetches[0].NotBefore.IsZero() {
		t.Errorf("задача загрузки: %+v", fetches[0])
	}
	// Возвращаем задачи и выполняем их
	for _, task := range fetches {
		_ = h.Tasks.Enqueue(context.Background(), task)
	}
	if n := h.Fetches(t, d, cred); n != 2 {
		t.Errorf("выполнено %d загрузок, ожидается 2", n)
	}

	for _, obj := range h.Objects(t, model.ConnectorJira) {
		if obj.Status != model.StatusReady {
			t.Errorf("%s: статус %s, ожидается ready", obj.Key, obj.Status)
		}
		if obj.LastSyncedAt == nil {
			t.Errorf("%s: last_synced_at не заполнен", obj.Key)
		}
	}
	if got := string(h.Object(t, model.ConnectorJira, "A-1").Content); got != `{"comments":"c1"}` {
		t.Errorf("содержимое A-1 = %s", got)
	}

	upserts, deletes := h.Index.Counts()
	if upserts != 5 || deletes != 0 {
		t.Errorf("индекс: %d upsert, %d delete; ожидается 5 и 0", upserts, deletes)
	}
}

func TestRuntime_SecondRunIsIdempotent(t *testing.T) {
	h := connectortest.New(t)
	cred := h.Credential(t, model.ConnectorJira, "tok", nil)
	d := &fakeDriver{items: threeItems(), content: map[string]any{}}

	h.MustSync(t, d, cred, true)
	h.Fetches(t, d, cred)
	before, _ := h.Index.Counts()

	run := h.MustSync(t, d, cred, false)
	if run.Result.Unchanged != 3 || run.Result.Created != 0 || run.Result.Updated != 0 {
		t.Errorf("повторный запуск: %+v", run.Result)
	}
	if tasks := h.Tasks.Take(taskqueue.TaskFetch); len(tasks) != 0 {
		t.Errorf("повторный запуск поставил %d загрузок", len(tasks))
	}
	after, _ := h.Index.Counts()
	if after != before {
		t.Errorf("повторный запуск изменил индекс: %d -> %d", before, after)
	}
	if n := len(h.Objects(t, model.ConnectorJira)); n != 3 {
		t.Errorf("объектов %d, ожидается 3", n)
	}
}

func TestRuntime_RemoteChangeRefetches(t *testing.T) {
	h := connectortest.New(t)
	cred := h.Credential(t, model.ConnectorJira, "tok", nil)
	d := &fakeDriver{items: threeItems(), content: map[string]any{}}

	h.MustSync(t, d, cred, true)
	h.Fetches(t, d, cred)

	d.items[0].UpdatedTS = 200
	run := h.MustSync(t, d, cred, false)
	if run.Result.Updated != 1 || run.Result.Fetches != 1 {
		t.Errorf("Result = %+v, ожидается 1 обновлённый и 1 загрузка", run.Result)
	}
	if obj := h.Object(t, model.ConnectorJira, "A-1"); obj.Status != model.StatusPending || obj.UpdatedTS != 200 {
		t.Errorf("A-1: статус %s, updated_ts %d", obj.Status, obj.UpdatedTS)
	}
}

func TestRuntime_DuplicatesRemovedFromIndex(t *testing.T) {
	h := connectortest.New(t)
	cred := h.Credential(t, model.ConnectorJira, "tok", nil)
	d := &fakeDriver{items: threeItems()[2:]}

	h.MustSync(t, d, cred, true)
	dup := h.Store.InsertDuplicate(model.NaturalKey{Connector: model.ConnectorJira, Key: "A-3", UserID: "u1"})

	h.MustSync(t, d, cred, false)
	_, deletes := h.Index.Counts()
	if deletes != 1 {
		t.Errorf("удалений из индекса %d, ожидается 1", deletes)
	}
	if _, err := h.Store.Objects().GetByID(context.Background(), dup); err == nil {
		t.Error("дубль не удалён из хранилища")
	}
}

func TestRuntime_FetchErrorStillReady(t *testing.T) {
	h := connectortest.New(t)
	cred := h.Credential(t, model.ConnectorJira, "tok", nil)
	d := &fakeDriver{
		items:    threeItems()[:1],
		fetchErr: map[string]error{"A-1": connector.ErrTransient},
	}

	h.MustSync(t, d, cred, true)
	h.Fetches(t, d, cred)

	if obj := h.Object(t, model.ConnectorJira, "A-1"); obj.Status != model.StatusReady {
		t.Errorf("статус после ошибки загрузки = %s, ожидается ready", obj.Status)
	}
	if len(d.fetched) != 1 {
		t.Errorf("загрузка выполнялась %d раз, ожидается 1", len(d.fetched))
	}
}

func TestRuntime_FetchGoneRemovesObject(t *testing.T) {
	h := connectortest.New(t)
	cred := h.Credential(t, model.ConnectorJira, "tok", nil)
	d := &fakeDriver{
		items:    threeItems()[:1],
		fetchErr: map[string]error{"A-1": errors.Join(connector.ErrGone, errors.New("404"))},
	}

	h.MustSync(t, d, cred, true)
	h.Fetches(t, d, cred)

	if n := len(h.Objects(t, model.ConnectorJira)); n != 0 {
		t.Errorf("объектов %d, ожидается 0", n)
	}
	if _, deletes := h.Index.Counts(); deletes != 1 {
		t.Errorf("удалений из индекса %d, ожидается 1", deletes)
	}
}

func TestRuntime_OversizedContentDropped(t *testing.T) {
	h := connectortest.New(t)
	cred := h.Credential(t, model.ConnectorJira, "tok", nil)
	d := &fakeDriver{items: []connector.Item{
		{Key: "BIG", UpdatedTS: 1, Content: map[string]string{"text": strings.Repeat("x", 20000)}},
	}}

	h.MustSync(t, d, cred, true)
	obj := h.Object(t, model.ConnectorJira, "BIG")
	if obj.Content != nil {
		t.Errorf("содержимое сверх бюджета должно быть отброшено, получено %d байт", len(obj.Content))
	}
	if obj.Status != model.StatusReady {
		t.Errorf("статус = %s, ожидается ready", obj.Status)
	}
}

func TestRuntime_RemoveAndCursor(t *testing.T) {
	h := connectortest.New(t)
	cred := h.Credential(t, model.ConnectorJira, "tok", nil)
	d := &cursorDriver{fakeDriver{items: threeItems()[2:], cursor: "token-1"}}

	run := h.MustSync(t, d, cred, true)
	if run.Cursor != "token-1" {
		t.Errorf("Cursor = %q, ожидается token-1", run.Cursor)
	}
	state, err := h.Store.States().Get(context.Background(), "u1", model.ConnectorJira)
	if err != nil || state.Cursor != "token-1" || state.LastRunAt == nil {
		t.Fatalf("состояние: %+v, %v", state, err)
	}

	if err := run.Remove(context.Background(), "A-3"); err != nil {
		t.Fatalf("Remove() ошибка: %v", err)
	}
	if err := run.Remove(context.Background(), "missing"); err != nil {
		t.Errorf("Remove() отсутствующего: %v", err)
	}
	if run.Result.Deleted != 1 {
		t.Errorf("Deleted = %d, ожидается 1", run.Result.Deleted)
	}
	existing, err := run.Existing(context.Background(), "A-3")
	if err != nil || existing != nil {
		t.Errorf("Existing() после удаления = %v, %v", existing, err)
	}
}

func TestRuntime_RemoveKeepsOtherTeamScope(t *testing.T) {
	h := connectortest.New(t)
	cred := h.Credential(t, model.ConnectorJira, "tok", nil)
	d := &fakeDriver{items: threeItems()[2:]}

	run := h.MustSync(t, d, cred, true)
	team := "t1"
	teamID := h.Store.InsertDuplicate(model.NaturalKey{Connector: model.ConnectorJira, Key: "A-3", UserID: "u1", TeamID: &team})

	if err := run.Remove(context.Background(), "A-3"); err != nil {
		t.Fatalf("Remove() ошибка: %v", err)
	}
	if _, err := h.Store.Objects().GetByID(context.Background(), teamID); err != nil {
		t.Errorf("объект другой команды удалён: %v", err)
	}
	existing, err := run.Existing(context.Background(), "A-3")
	if err != nil || existing != nil {
		t.Errorf("Existing() вернул объект другой команды: %v, %v", existing, err)
	}
}

// failingSaves отказывает в сохранении после отмены контекста загрузки.
type failingSaves struct {
	repository.SyncedObjectRepository
	fail atomic.Bool
}

func (r *failingSaves) Save(ctx context.Context, obj *model.SyncedObject) error {
	if r.fail.Load() {
		return errors.New("соединение с БД потеряно")
	}
	return r.SyncedObjectRepository.Save(ctx, obj)
}

// cancellingDriver отменяет контекст во время загрузки.
type cancellingDriver struct {
	fakeDriver
	cancel context.CancelFunc
	saves  *failingSaves
}

func (d *cancellingDriver) Fetch(context.Context, *connector.Run, *model.SyncedObject) (any, error) {
	d.saves.fail.Store(true)
	d.cancel()
	return nil, context.Canceled
}

func TestRuntime_FetchCancelSaveErrorReported(t *testing.T) {
	h := connectortest.New(t)
	saves := &failingSaves{SyncedObjectRepository: h.Store.Objects()}
	rt := connector.NewRuntime(saves, h.Store.States(), h.Index, h.Tasks, connectortest.Logger())
	cred := h.Credential(t, model.ConnectorJira, "tok", nil)

	d := &cancellingDriver{fakeDriver: fakeDriver{items: threeItems()[:1]}, saves: saves}
	if err := rt.Execute(context.Background(), d, rt.NewRun(cred, nil, true)); err != nil {
		t.Fatalf("Execute() ошибка: %v", err)
	}
	tasks := h.Tasks.Take(taskqueue.TaskFetch)
	if len(tasks) != 1 {
		t.Fatalf("задач загрузки %d, ожидается 1", len(tasks))
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	err := rt.HandleFetch(ctx, d, rt.NewRun(cred, nil, false), tasks[0].Arg("object_id"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("HandleFetch() = %v, ожидается context.Canceled", err)
	}
	if err == nil || !strings.Contains(err.Error(), "соединение с БД потеряно") {
		t.Errorf("ошибка сохранения должна возвращаться: %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := connector.NewRegistry(&fakeDriver{})
	if _, ok := r.Get(model.ConnectorJira); !ok {
		t.Error("драйвер jira не зарегистрирован")
	}
	if _, ok := r.Get(model.ConnectorTrello); ok {
		t.Error("драйвер trello не должен быть найден")
	}
	if got := r.Connectors(); len(got) != 1 || got[0] != model.ConnectorJira {
		t.Errorf("Connectors() = %v", got)
	}
}

func TestRuntime_BuildOnlyForChanged(t *testing.T) {
	h := connectortest.New(t)
	cred := h.Credential(t, model.ConnectorJira, "tok", nil)

	builds := 0
	build := func(context.Context) (any, error) {
		builds++
		return map[string]string{"text": "built"}, nil
	}
	d := &fakeDriver{items: []connector.Item{
		{Key: "B-1", UpdatedTS: 100, Content: map[string]string{"text": "inline"}, Build: build},
	}}

	h.MustSync(t, d, cred, true)
	h.MustSync(t, d, cred, false)
	if builds != 1 {
		t.Errorf("Build вызван %d раз, ожидается 1", builds)
	}
	if obj := h.Object(t, model.ConnectorJira, "B-1"); !strings.Contains(string(obj.Content), "built") {
		t.Errorf("содержимое %s, ожидается результат Build", obj.Content)
	}

	d.items[0].UpdatedTS = 200
	d.items[0].Build = func(context.Context) (any, error) {
		return nil, connector.ErrPermanent
	}
	h.MustSync(t, d, cred, false)
	if obj := h.Object(t, model.ConnectorJira, "B-1"); !strings.Contains(string(obj.Content), "inline") {
		t.Errorf("при ошибке Build сохраняется Content: %s", obj.Content)
	}

	d.items[0].UpdatedTS = 300
	d.items[0].Build = func(context.Context) (any, error) {
		return nil, connector.ErrTransient
	}
	if _, err := h.Sync(t, d, cred, false); !errors.Is(err, connector.ErrTransient) {
		t.Errorf("Sync() ошибка = %v, ожидается ErrTransient", err)
	}
}

func TestRuntime_AttrsMerged(t *testing.T) {
	h := connectortest.New(t)
	cred := h.Credential(t, model.ConnectorJira, "tok", nil)
	d := &fakeDriver{items: []connector.Item{
		{Key: "C-1", UpdatedTS: 100, Attrs: map[string]string{"name": "one"}},
	}}
	h.MustSync(t, d, cred, true)

	// Атрибут, записанный загрузкой
	obj := h.Object(t, model.ConnectorJira, "C-1")
	obj.Attrs["seen"] = "42"
	if err := h.Store.Objects().Save(context.Background(), obj); err != nil {
		t.Fatalf("Save() ошибка: %v", err)
	}

	d.items[0].UpdatedTS = 200
	d.items[0].Attrs = map[string]string{"name": "two"}
	h.MustSync(t, d, cred, false)

	obj = h.Object(t, model.ConnectorJira, "C-1")
	if obj.Attr("name") != "two" || obj.Attr("seen") != "42" {
		t.Errorf("атрибуты: %v", obj.Attrs)
	}
}
