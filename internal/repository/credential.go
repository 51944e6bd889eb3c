package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/connector-sync/internal/domain/model"
)

// CredentialRepository: хранилище учётных данных внешних систем.
// Сервис только читает их; Create используется инструментами заведения
// учётных данных и тестами.
type CredentialRepository interface {
	// Create сохраняет новые учётные данные. ErrConflict, если для пары
	// (пользователь, коннектор) они уже есть.
	Create(ctx context.Context, cred *model.Credential) error
	// GetByID возвращает учётные данные по ID или ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.Credential, error)
	// Get возвращает учётные данные пользователя для коннектора или ErrNotFound.
	Get(ctx context.Context, userID string, connector model.Connector) (*model.Credential, error)
	// ListByConnector возвращает все учётные данные коннектора.
	ListByConnector(ctx context.Context, connector model.Connector) ([]*model.Credential, error)
}

type credentialRepo struct {
	db DBTX
}

// NewCredentialRepository создаёт репозиторий учётных данных.
func NewCredentialRepository(db DBTX) CredentialRepository {
	return &credentialRepo{db: db}
}

const credentialColumns = `id, user_id, team_id, connector, access_token, extra, updated_at`

func scanCredential(row pgx.Row) (*model.Credential, error) {
	var (
		c         model.Credential
		connector string
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.TeamID, &connector, &c.AccessToken, &c.Extra, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Connector = model.Connector(connector)
	return &c, nil
}

func (r *credentialRepo) Create(ctx context.Context, cred *model.Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now().UTC()
	}
	extra := cred.Extra
	if extra == nil {
		extra = map[string]string{}
	}

	query := `
		INSERT INTO credentials (` + credentialColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.Exec(ctx, query,
		cred.ID, cred.UserID, cred.TeamID, string(cred.Connector), cred.AccessToken, extra, cred.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания учётных данных %s/%s: %w", cred.UserID, cred.Connector, err)
	}
	return nil
}

func (r *credentialRepo) GetByID(ctx context.Context, id string) (*model.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = $1`
	c, err := scanCredential(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения учётных данных %s: %w", id, err)
	}
	return c, nil
}

func (r *credentialRepo) Get(ctx context.Context, userID string, connector model.Connector) (*model.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE user_id = $1 AND connector = $2`
	c, err := scanCredential(r.db.QueryRow(ctx, query, userID, string(connector)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения учётных данных %s/%s: %w", userID, connector, err)
	}
	return c, nil
}

func (r *credentialRepo) ListByConnector(ctx context.Context, connector model.Connector) ([]*model.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE connector = $1 ORDER BY user_id`
	rows, err := r.db.Query(ctx, query, string(connector))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения учётных данных %s: %w", connector, err)
	}
	creds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Credential, error) {
		return scanCredential(row)
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения учётных данных %s: %w", connector, err)
	}
	return creds, nil
}
