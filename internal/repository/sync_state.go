package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/connector-sync/internal/domain/model"
)

// SyncStateRepository: хранилище курсоров синхронизации.
type SyncStateRepository interface {
	// Get возвращает состояние пары (пользователь, коннектор) или ErrNotFound.
	Get(ctx context.Context, userID string, connector model.Connector) (*model.SyncState, error)
	// Save создаёт или обновляет состояние. StartedAt не перезаписывается.
	Save(ctx context.Context, state *model.SyncState) error
	// ListByConnector возвращает состояния всех пользователей коннектора.
	ListByConnector(ctx context.Context, connector model.Connector) ([]*model.SyncState, error)
	// DeleteByUser удаляет все состояния пользователя.
	DeleteByUser(ctx context.Context, userID string) (int, error)
}

type syncStateRepo struct {
	db DBTX
}

// NewSyncStateRepository создаёт репозиторий курсоров синхронизации.
func NewSyncStateRepository(db DBTX) SyncStateRepository {
	return &syncStateRepo{db: db}
}

func scanSyncState(row pgx.Row) (*model.SyncState, error) {
	var (
		s         model.SyncState
		connector string
	)
	if err := row.Scan(&s.UserID, &connector, &s.Cursor, &s.StartedAt, &s.LastRunAt); err != nil {
		return nil, err
	}
	s.Connector = model.Connector(connector)
	return &s, nil
}

func (r *syncStateRepo) Get(ctx context.Context, userID string, connector model.Connector) (*model.SyncState, error) {
	query := `
		SELECT user_id, connector, cursor, started_at, last_run_at
		FROM sync_state
		WHERE user_id = $1 AND connector = $2`
	s, err := scanSyncState(r.db.QueryRow(ctx, query, userID, string(connector)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения состояния %s/%s: %w", userID, connector, err)
	}
	return s, nil
}

func (r *syncStateRepo) Save(ctx context.Context, state *model.SyncState) error {
	query := `
		INSERT INTO sync_state (user_id, connector, cursor, started_at, last_run_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, connector) DO UPDATE SET
			cursor = EXCLUDED.cursor,
			last_run_at = EXCLUDED.last_run_at`
	_, err := r.db.Exec(ctx, query,
		state.UserID, string(state.Connector), state.Cursor, state.StartedAt, state.LastRunAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения состояния %s/%s: %w", state.UserID, state.Connector, err)
	}
	return nil
}

func (r *syncStateRepo) ListByConnector(ctx context.Context, connector model.Connector) ([]*model.SyncState, error) {
	query := `
		SELECT user_id, connector, cursor, started_at, last_run_at
		FROM sync_state
		WHERE connector = $1
		ORDER BY started_at, user_id`
	rows, err := r.db.Query(ctx, query, string(connector))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения состояний %s: %w", connector, err)
	}
	states, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.SyncState, error) {
		return scanSyncState(row)
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения состояний %s: %w", connector, err)
	}
	return states, nil
}

func (r *syncStateRepo) DeleteByUser(ctx context.Context, userID string) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM sync_state WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления состояний пользователя %s: %w", userID, err)
	}
	return int(tag.RowsAffected()), nil
}
