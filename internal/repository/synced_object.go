package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/connector-sync/internal/domain/model"
)

// ObjectFilter: условия выборки синхронизированных объектов.
// nil-поля не участвуют в фильтрации.
type ObjectFilter struct {
	Connector *model.Connector
	UserID    *string
	// ScopeTeam включает сравнение TeamID, в том числе nil с NULL
	ScopeTeam bool
	TeamID    *string
	Keys      []string
	ParentKey *string
	Status    *model.Status
	IDs       []string
}

// Empty сообщает, что фильтр не содержит ни одного условия.
func (f ObjectFilter) Empty() bool {
	return f.Connector == nil && f.UserID == nil && !f.ScopeTeam && len(f.Keys) == 0 &&
		f.ParentKey == nil && f.Status == nil && len(f.IDs) == 0
}

// SyncedObjectRepository: хранилище синхронизированных объектов.
type SyncedObjectRepository interface {
	// GetOrCreate возвращает объект по естественному ключу, создавая его
	// при отсутствии. Если найдено несколько записей, остаётся самая ранняя,
	// остальные удаляются; их ID возвращаются в removed.
	GetOrCreate(ctx context.Context, key model.NaturalKey) (obj *model.SyncedObject, created bool, removed []string, err error)
	// GetByID возвращает объект по ID или ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.SyncedObject, error)
	// Save сохраняет изменяемые поля объекта. ErrNotFound, если объект удалён.
	Save(ctx context.Context, obj *model.SyncedObject) error
	// List возвращает объекты по фильтру в порядке создания.
	List(ctx context.Context, filter ObjectFilter, limit int) ([]*model.SyncedObject, error)
	// Count возвращает количество объектов по фильтру.
	Count(ctx context.Context, filter ObjectFilter) (int, error)
	// Delete удаляет объекты по фильтру и возвращает их ID.
	Delete(ctx context.Context, filter ObjectFilter) ([]string, error)
}

// syncedObjectRepo: реализация SyncedObjectRepository на PostgreSQL.
type syncedObjectRepo struct {
	db DBTX
}

// NewSyncedObjectRepository создаёт репозиторий синхронизированных объектов.
func NewSyncedObjectRepository(db DBTX) SyncedObjectRepository {
	return &syncedObjectRepo{db: db}
}

const objectColumns = `id, connector, natural_key, user_id, team_id, parent_key, title,
	updated_ts, updated_at_text, status, last_synced_at, primary_keywords,
	secondary_keywords, path, web_link, attrs, content, created_at`

// scanObject читает строку с колонками objectColumns.
func scanObject(row pgx.Row) (*model.SyncedObject, error) {
	var (
		o         model.SyncedObject
		connector string
		status    int16
	)
	err := row.Scan(
		&o.ID, &connector, &o.Key, &o.UserID, &o.TeamID, &o.ParentKey, &o.Title,
		&o.UpdatedTS, &o.UpdatedAt, &status, &o.LastSyncedAt, &o.PrimaryKeywords,
		&o.SecondaryKeywords, &o.Path, &o.WebLink, &o.Attrs, &o.Content, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Connector = model.Connector(connector)
	o.Status = model.Status(status)
	return &o, nil
}

func (r *syncedObjectRepo) GetOrCreate(ctx context.Context, key model.NaturalKey) (*model.SyncedObject, bool, []string, error) {
	newID := uuid.NewString()

	// Вставка только при отсутствии записи. Без ограничения уникальности
	// гонка двух вставок возможна: лишняя запись удаляется ниже.
	insert := `
		INSERT INTO synced_objects (id, connector, natural_key, user_id, team_id, status, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (
			SELECT 1 FROM synced_objects
			WHERE connector = $2 AND natural_key = $3 AND user_id = $4
				AND team_id IS NOT DISTINCT FROM $5
		)`
	tag, err := r.db.Exec(ctx, insert,
		newID, string(key.Connector), key.Key, key.UserID, key.TeamID,
		int16(model.StatusPending), time.Now().UTC(),
	)
	if err != nil {
		return nil, false, nil, fmt.Errorf("ошибка создания объекта %s/%s: %w", key.Connector, key.Key, err)
	}
	inserted := tag.RowsAffected() == 1

	query := `
		SELECT ` + objectColumns + `
		FROM synced_objects
		WHERE connector = $1 AND natural_key = $2 AND user_id = $3
			AND team_id IS NOT DISTINCT FROM $4
		ORDER BY created_at, id`
	rows, err := r.db.Query(ctx, query, string(key.Connector), key.Key, key.UserID, key.TeamID)
	if err != nil {
		return nil, false, nil, fmt.Errorf("ошибка получения объекта %s/%s: %w", key.Connector, key.Key, err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.SyncedObject, error) {
		return scanObject(row)
	})
	if err != nil {
		return nil, false, nil, fmt.Errorf("ошибка чтения объекта %s/%s: %w", key.Connector, key.Key, err)
	}
	if len(matches) == 0 {
		// Запись удалили между вставкой и чтением
		return nil, false, nil, ErrNotFound
	}

	keep := matches[0]
	var removed []string
	if len(matches) > 1 {
		for _, dup := range matches[1:] {
			removed = append(removed, dup.ID)
		}
		if _, err := r.db.Exec(ctx, `DELETE FROM synced_objects WHERE id = ANY($1)`, removed); err != nil {
			return nil, false, nil, fmt.Errorf("ошибка удаления дублей %s/%s: %w", key.Connector, key.Key, err)
		}
	}

	created := inserted && keep.ID == newID
	return keep, created, removed, nil
}

func (r *syncedObjectRepo) GetByID(ctx context.Context, id string) (*model.SyncedObject, error) {
	query := `SELECT ` + objectColumns + ` FROM synced_objects WHERE id = $1`
	obj, err := scanObject(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения объекта %s: %w", id, err)
	}
	return obj, nil
}

func (r *syncedObjectRepo) Save(ctx context.Context, obj *model.SyncedObject) error {
	path := obj.Path
	if path == nil {
		path = []string{}
	}
	attrs := obj.Attrs
	if attrs == nil {
		attrs = map[string]string{}
	}

	query := `
		UPDATE synced_objects SET
			parent_key = $2, title = $3, updated_ts = $4, updated_at_text = $5,
			status = $6, last_synced_at = $7, primary_keywords = $8,
			secondary_keywords = $9, path = $10, web_link = $11, attrs = $12,
			content = $13
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query,
		obj.ID, obj.ParentKey, obj.Title, obj.UpdatedTS, obj.UpdatedAt,
		int16(obj.Status), obj.LastSyncedAt, obj.PrimaryKeywords,
		obj.SecondaryKeywords, path, obj.WebLink, attrs, obj.Content,
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения объекта %s: %w", obj.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// buildObjectWhere строит WHERE из фильтра, начиная нумерацию аргументов с startArg.
func buildObjectWhere(f ObjectFilter, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if f.Connector != nil {
		conditions = append(conditions, fmt.Sprintf("connector = $%d", argNum))
		args = append(args, string(*f.Connector))
		argNum++
	}
	if f.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argNum))
		args = append(args, *f.UserID)
		argNum++
	}
	if f.ScopeTeam {
		conditions = append(conditions, fmt.Sprintf("team_id IS NOT DISTINCT FROM $%d", argNum))
		args = append(args, f.TeamID)
		argNum++
	}
	if len(f.Keys) > 0 {
		conditions = append(conditions, fmt.Sprintf("natural_key = ANY($%d)", argNum))
		args = append(args, f.Keys)
		argNum++
	}
	if f.ParentKey != nil {
		conditions = append(conditions, fmt.Sprintf("parent_key = $%d", argNum))
		args = append(args, *f.ParentKey)
		argNum++
	}
	if f.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, int16(*f.Status))
		argNum++
	}
	if len(f.IDs) > 0 {
		conditions = append(conditions, fmt.Sprintf("id = ANY($%d)", argNum))
		args = append(args, f.IDs)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *syncedObjectRepo) List(ctx context.Context, filter ObjectFilter, limit int) ([]*model.SyncedObject, error) {
	where, args := buildObjectWhere(filter, 1)
	query := fmt.Sprintf(`SELECT %s FROM synced_objects %s ORDER BY created_at, id LIMIT $%d`,
		objectColumns, where, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка объектов: %w", err)
	}
	objects, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.SyncedObject, error) {
		return scanObject(row)
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения списка объектов: %w", err)
	}
	return objects, nil
}

func (r *syncedObjectRepo) Count(ctx context.Context, filter ObjectFilter) (int, error) {
	where, args := buildObjectWhere(filter, 1)
	var count int
	if err := r.db.QueryRow(ctx, "SELECT count(*) FROM synced_objects "+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта объектов: %w", err)
	}
	return count, nil
}

func (r *syncedObjectRepo) Delete(ctx context.Context, filter ObjectFilter) ([]string, error) {
	if filter.Empty() {
		return nil, ErrEmptyFilter
	}
	where, args := buildObjectWhere(filter, 1)

	rows, err := r.db.Query(ctx, "DELETE FROM synced_objects "+where+" RETURNING id", args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка удаления объектов: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ошибка удаления объектов: %w", err)
	}
	return ids, nil
}
