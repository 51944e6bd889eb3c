package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SyncState: курсор синхронизации пары (пользователь, коннектор).
type SyncState struct {
	UserID    string
	Connector Connector
	// Cursor: непрозрачный маркер change feed (start page token gdrive и т.п.)
	Cursor string
	// StartedAt: время первого запуска синхронизации
	StartedAt time.Time
	// LastRunAt: время последнего полностью завершённого прохода
	LastRunAt *time.Time
}

// SyncStatus: агрегированный статус синхронизации для пользователя.
type SyncStatus struct {
	Count      int  `json:"count"`
	ReadyCount int  `json:"ready_count"`
	InProgress bool `json:"in_progress"`
	HasStarted bool `json:"has_started"`
}

// Credential: учётные данные пользователя во внешней системе.
// Получение и обновление токенов выполняется вне сервиса.
type Credential struct {
	ID        string
	UserID    string
	TeamID    *string
	Connector Connector
	// AccessToken: OAuth-токен или API-ключ
	AccessToken string
	// Extra: дополнительные параметры (домен jira, ключ приложения trello и т.п.)
	Extra     map[string]string
	UpdatedAt time.Time
}

// Fingerprint возвращает стабильный отпечаток токена. Сам токен
// не попадает ни в логи, ни в ключи аренды.
func (c *Credential) Fingerprint() string {
	sum := sha256.Sum256([]byte(string(c.Connector) + ":" + c.AccessToken))
	return hex.EncodeToString(sum[:16])
}

// Param возвращает дополнительный параметр или значение по умолчанию.
func (c *Credential) Param(name, def string) string {
	if v, ok := c.Extra[name]; ok && v != "" {
		return v
	}
	return def
}

// RunResult: итог одного запуска синхронизации.
type RunResult struct {
	Connector Connector
	UserID    string
	Created   int
	Updated   int
	Unchanged int
	Deleted   int
	Fetches   int
	// Stopped: запуск остановлен досрочно по квоте API
	Stopped     bool
	StartedAt   time.Time
	CompletedAt time.Time
}
