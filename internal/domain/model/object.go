// Пакет model содержит доменные типы Connector Sync: синхронизированные
// объекты, курсоры, учётные данные, статус синхронизации.
package model

import (
	"encoding/json"
	"time"
)

// Connector: тег внешней системы.
type Connector string

const (
	ConnectorGDrive        Connector = "gdrive"
	ConnectorJira          Connector = "jira"
	ConnectorHelpScout     Connector = "helpscout"
	ConnectorHelpScoutDocs Connector = "helpscout_docs"
	ConnectorPipedrive     Connector = "pipedrive"
	ConnectorIntercom      Connector = "intercom"
	ConnectorGitHub        Connector = "github"
	ConnectorTrello        Connector = "trello"
)

// AllConnectors возвращает все поддерживаемые коннекторы.
func AllConnectors() []Connector {
	return []Connector{
		ConnectorGDrive, ConnectorJira, ConnectorHelpScout, ConnectorHelpScoutDocs,
		ConnectorPipedrive, ConnectorIntercom, ConnectorGitHub, ConnectorTrello,
	}
}

// Valid проверяет, что тег коннектора известен.
func (c Connector) Valid() bool {
	for _, known := range AllConnectors() {
		if c == known {
			return true
		}
	}
	return false
}

// Status: состояние жизненного цикла синхронизированного объекта.
type Status int

const (
	// StatusPending: объект создан или требует повторной загрузки содержимого.
	StatusPending Status = 1
	// StatusProcessing: идёт вторичная загрузка содержимого.
	StatusProcessing Status = 2
	// StatusReady: содержимое финализировано или не требуется.
	StatusReady Status = 3
)

// String возвращает имя статуса для логов.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}

// NaturalKey: идентичность объекта во внешней системе в рамках пользователя.
type NaturalKey struct {
	Connector Connector
	// Key: идентификатор во внешней системе (id файла, ключ задачи, id доски)
	Key    string
	UserID string
	// TeamID: nil для персональных объектов
	TeamID *string
}

// SyncedObject: локальная копия внешнего объекта.
type SyncedObject struct {
	// ID: UUID записи, он же objectID в поисковом индексе
	ID        string
	Connector Connector
	Key       string
	UserID    string
	TeamID    *string

	// ParentKey: ключ родителя во внешней системе (папка gdrive, доска trello)
	ParentKey string
	Title     string
	// UpdatedTS: маркер изменения во внешней системе, секунды Unix
	UpdatedTS int64
	// UpdatedAt: тот же маркер в RFC 3339 для отображения
	UpdatedAt string
	Status    Status
	// LastSyncedAt: когда содержимое было финализировано последний раз
	LastSyncedAt *time.Time

	PrimaryKeywords   string
	SecondaryKeywords string
	// Path: имена предков от корня (только gdrive)
	Path    []string
	WebLink string
	// Attrs: неглубокие атрибуты, нужные для вторичной загрузки (mime-тип и т.п.)
	Attrs map[string]string
	// Content: содержимое, уже уложенное в бюджет размера
	Content json.RawMessage

	CreatedAt time.Time
}

// NaturalKey возвращает идентичность объекта.
func (o *SyncedObject) NaturalKey() NaturalKey {
	return NaturalKey{Connector: o.Connector, Key: o.Key, UserID: o.UserID, TeamID: o.TeamID}
}

// Attr возвращает атрибут или пустую строку.
func (o *SyncedObject) Attr(name string) string {
	if o.Attrs == nil {
		return ""
	}
	return o.Attrs[name]
}
