// Пакет connector: общая машина состояний синхронизации, которую
// используют драйверы коннекторов. Драйвер отвечает только за обход
// внешнего API и отображение полей; дедупликация, проверка актуальности,
// бюджет размера, постановка вторичных загрузок и синхронизация с
// поисковым индексом выполняются здесь.
package connector

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bigkaa/connector-sync/internal/domain/model"
)

// Ошибки драйверов. Драйверы оборачивают их через %w.
var (
	// ErrTransient: временная ошибка внешнего API, запуск повторится по расписанию.
	ErrTransient = errors.New("временная ошибка внешнего API")
	// ErrPermanent: объект не может быть загружен, он остаётся в статусе ready.
	ErrPermanent = errors.New("постоянная ошибка объекта")
	// ErrUnauthorized: учётные данные отклонены, запуск прерывается.
	ErrUnauthorized = errors.New("учётные данные отклонены внешним API")
	// ErrGone: объект удалён во внешней системе, локальная запись удаляется.
	ErrGone = errors.New("объект удалён во внешней системе")
)

// Item: неглубокое представление внешнего объекта, полученное при листинге.
type Item struct {
	Key       string
	ParentKey string
	Title     string
	// UpdatedTS: маркер изменения во внешней системе, секунды Unix
	UpdatedTS int64
	// UpdatedAt: если пусто, выводится из UpdatedTS в RFC 3339
	UpdatedAt         string
	WebLink           string
	PrimaryKeywords   string
	SecondaryKeywords string
	Path              []string
	Attrs             map[string]string
	// Content: содержимое, известное уже при листинге. Укладывается в бюджет.
	Content any
	// Build: построение содержимого, требующее запросов к API. Вызывается
	// только для новых и изменённых объектов, результат заменяет Content.
	Build func(ctx context.Context) (any, error)
	// NeedsFetch: содержимое требует вторичной загрузки через Driver.Fetch
	NeedsFetch bool
	// FetchDelay: задержка перед вторичной загрузкой
	FetchDelay time.Duration
}

// Driver: драйвер одного коннектора.
type Driver interface {
	// Connector возвращает тег коннектора.
	Connector() model.Connector
	// Sync обходит внешнее API. При пустом run.Cursor или run.Full
	// выполняется полный листинг, иначе читается change feed.
	Sync(ctx context.Context, run *Run) error
	// Fetch загружает содержимое объекта. Результат укладывается в бюджет
	// размера; значения, реализующие budget.Reducible, сокращаются поэтапно.
	// nil без ошибки оставляет прежнее содержимое. Изменения obj.Attrs
	// сохраняются вместе с объектом.
	Fetch(ctx context.Context, run *Run, obj *model.SyncedObject) (any, error)
}

// CursorInitializer реализуют драйверы с change feed, которым нужен
// начальный курсор до полного листинга (start page token gdrive).
type CursorInitializer interface {
	InitCursor(ctx context.Context, run *Run) (string, error)
}

// Registry: зарегистрированные драйверы по тегу коннектора.
type Registry struct {
	drivers map[model.Connector]Driver
}

// NewRegistry создаёт реестр драйверов.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[model.Connector]Driver, len(drivers))}
	for _, d := range drivers {
		r.drivers[d.Connector()] = d
	}
	return r
}

// Get возвращает драйвер коннектора.
func (r *Registry) Get(c model.Connector) (Driver, bool) {
	d, ok := r.drivers[c]
	return d, ok
}

// Connectors возвращает теги зарегистрированных коннекторов в алфавитном порядке.
func (r *Registry) Connectors() []model.Connector {
	out := make([]model.Connector, 0, len(r.drivers))
	for c := range r.drivers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
