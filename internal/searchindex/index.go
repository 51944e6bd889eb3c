// Пакет searchindex: клиент полнотекстового поискового индекса.
// Операции идемпотентны: Upsert перезаписывает объект целиком,
// Delete отсутствующего объекта не является ошибкой.
package searchindex

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bigkaa/connector-sync/internal/domain/model"
)

// Document: запись поискового индекса.
type Document struct {
	ObjectID          string          `json:"objectID"`
	Connector         string          `json:"connector"`
	UserID            string          `json:"user_id"`
	TeamID            string          `json:"team_id,omitempty"`
	Title             string          `json:"title"`
	UpdatedTS         int64           `json:"updated_ts"`
	UpdatedAt         string          `json:"updated_at,omitempty"`
	Status            string          `json:"status"`
	PrimaryKeywords   string          `json:"primary_keywords,omitempty"`
	SecondaryKeywords string          `json:"secondary_keywords,omitempty"`
	Path              []string        `json:"path,omitempty"`
	WebLink           string          `json:"web_link,omitempty"`
	Content           json.RawMessage `json:"content,omitempty"`
}

// FromObject строит документ индекса из синхронизированного объекта.
func FromObject(obj *model.SyncedObject) Document {
	doc := Document{
		ObjectID:          obj.ID,
		Connector:         string(obj.Connector),
		UserID:            obj.UserID,
		Title:             obj.Title,
		UpdatedTS:         obj.UpdatedTS,
		UpdatedAt:         obj.UpdatedAt,
		Status:            obj.Status.String(),
		PrimaryKeywords:   obj.PrimaryKeywords,
		SecondaryKeywords: obj.SecondaryKeywords,
		Path:              obj.Path,
		WebLink:           obj.WebLink,
		Content:           obj.Content,
	}
	if obj.TeamID != nil {
		doc.TeamID = *obj.TeamID
	}
	return doc
}

// Index: операции, которые движок синхронизации выполняет над индексом.
type Index interface {
	Upsert(ctx context.Context, doc Document) error
	Delete(ctx context.Context, objectID string) error
}

// MemoryIndex: in-memory индекс для локального запуска и тестов.
// Считает выполненные операции.
type MemoryIndex struct {
	mu      sync.Mutex
	docs    map[string]Document
	upserts int
	deletes int
}

// NewMemoryIndex создаёт пустой in-memory индекс.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]Document)}
}

func (m *MemoryIndex) Upsert(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ObjectID] = doc
	m.upserts++
	return nil
}

func (m *MemoryIndex) Delete(_ context.Context, objectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, objectID)
	m.deletes++
	return nil
}

// Get возвращает документ по objectID.
func (m *MemoryIndex) Get(objectID string) (Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[objectID]
	return doc, ok
}

// Len возвращает количество документов.
func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// Counts возвращает количество выполненных Upsert и Delete.
func (m *MemoryIndex) Counts() (upserts, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts, m.deletes
}
