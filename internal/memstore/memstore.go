// Пакет memstore: реализации репозиториев в памяти процесса.
// Используются при CS_STORAGE_BACKEND=memory и в тестах сервисного слоя.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/connector-sync/internal/domain/model"
	"github.com/bigkaa/connector-sync/internal/repository"
)

// Store хранит объекты, курсоры и учётные данные под одним мьютексом.
type Store struct {
	mu      sync.Mutex
	objects map[string]*model.SyncedObject
	states  map[stateKey]*model.SyncState
	creds   map[string]*model.Credential
	seq     int64
}

type stateKey struct {
	userID    string
	connector model.Connector
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		objects: make(map[string]*model.SyncedObject),
		states:  make(map[stateKey]*model.SyncState),
		creds:   make(map[string]*model.Credential),
	}
}

// Objects возвращает SyncedObjectRepository поверх хранилища.
func (s *Store) Objects() repository.SyncedObjectRepository { return (*objectRepo)(s) }

// States возвращает SyncStateRepository поверх хранилища.
func (s *Store) States() repository.SyncStateRepository { return (*stateRepo)(s) }

// Credentials возвращает CredentialRepository поверх хранилища.
func (s *Store) Credentials() repository.CredentialRepository { return (*credentialRepo)(s) }

// InsertDuplicate добавляет запись в обход GetOrCreate, как при гонке вставок.
func (s *Store) InsertDuplicate(key model.NaturalKey) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(key).ID
}

func (s *Store) insertLocked(key model.NaturalKey) *model.SyncedObject {
	// Монотонный created_at сохраняет порядок вставок при равных часах
	s.seq++
	obj := &model.SyncedObject{
		ID:        uuid.NewString(),
		Connector: key.Connector,
		Key:       key.Key,
		UserID:    key.UserID,
		TeamID:    copyStr(key.TeamID),
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC().Add(time.Duration(s.seq)),
	}
	s.objects[obj.ID] = obj
	return obj
}

func copyStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func sameTeam(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneObject(o *model.SyncedObject) *model.SyncedObject {
	c := *o
	c.TeamID = copyStr(o.TeamID)
	c.Path = slices.Clone(o.Path)
	if o.Attrs != nil {
		c.Attrs = make(map[string]string, len(o.Attrs))
		for k, v := range o.Attrs {
			c.Attrs[k] = v
		}
	}
	c.Content = slices.Clone(o.Content)
	if o.LastSyncedAt != nil {
		t := *o.LastSyncedAt
		c.LastSyncedAt = &t
	}
	return &c
}

// sortedLocked возвращает объекты в порядке (created_at, id).
func (s *Store) sortedLocked(match func(*model.SyncedObject) bool) []*model.SyncedObject {
	var out []*model.SyncedObject
	for _, o := range s.objects {
		if match(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func matches(f repository.ObjectFilter, o *model.SyncedObject) bool {
	if f.Connector != nil && o.Connector != *f.Connector {
		return false
	}
	if f.UserID != nil && o.UserID != *f.UserID {
		return false
	}
	if f.ScopeTeam && !sameTeam(o.TeamID, f.TeamID) {
		return false
	}
	if len(f.Keys) > 0 && !slices.Contains(f.Keys, o.Key) {
		return false
	}
	if f.ParentKey != nil && o.ParentKey != *f.ParentKey {
		return false
	}
	if f.Status != nil && o.Status != *f.Status {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, o.ID) {
		return false
	}
	return true
}

type objectRepo Store

func (r *objectRepo) GetOrCreate(_ context.Context, key model.NaturalKey) (*model.SyncedObject, bool, []string, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	found := s.sortedLocked(func(o *model.SyncedObject) bool {
		return o.Connector == key.Connector && o.Key == key.Key &&
			o.UserID == key.UserID && sameTeam(o.TeamID, key.TeamID)
	})
	if len(found) == 0 {
		return cloneObject(s.insertLocked(key)), true, nil, nil
	}

	var removed []string
	for _, dup := range found[1:] {
		delete(s.objects, dup.ID)
		removed = append(removed, dup.ID)
	}
	return cloneObject(found[0]), false, removed, nil
}

func (r *objectRepo) GetByID(_ context.Context, id string) (*model.SyncedObject, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.objects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneObject(o), nil
}

func (r *objectRepo) Save(_ context.Context, obj *model.SyncedObject) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.objects[obj.ID]
	if !ok {
		return repository.ErrNotFound
	}
	next := cloneObject(obj)
	// Идентичность и время создания не меняются
	next.Connector, next.Key, next.UserID, next.TeamID = cur.Connector, cur.Key, cur.UserID, cur.TeamID
	next.CreatedAt = cur.CreatedAt
	s.objects[obj.ID] = next
	return nil
}

func (r *objectRepo) List(_ context.Context, filter repository.ObjectFilter, limit int) ([]*model.SyncedObject, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	found := s.sortedLocked(func(o *model.SyncedObject) bool { return matches(filter, o) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	out := make([]*model.SyncedObject, len(found))
	for i, o := range found {
		out[i] = cloneObject(o)
	}
	return out, nil
}

func (r *objectRepo) Count(_ context.Context, filter repository.ObjectFilter) (int, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, o := range s.objects {
		if matches(filter, o) {
			n++
		}
	}
	return n, nil
}

func (r *objectRepo) Delete(_ context.Context, filter repository.ObjectFilter) ([]string, error) {
	if filter.Empty() {
		return nil, repository.ErrEmptyFilter
	}
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, o := range s.objects {
		if matches(filter, o) {
			delete(s.objects, id)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type stateRepo Store

func (r *stateRepo) Get(_ context.Context, userID string, connector model.Connector) (*model.SyncState, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[stateKey{userID, connector}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *st
	return &c, nil
}

func (r *stateRepo) Save(_ context.Context, state *model.SyncState) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	k := stateKey{state.UserID, state.Connector}
	next := *state
	if cur, ok := s.states[k]; ok {
		next.StartedAt = cur.StartedAt
	}
	s.states[k] = &next
	return nil
}

func (r *stateRepo) ListByConnector(_ context.Context, connector model.Connector) ([]*model.SyncState, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.SyncState
	for k, st := range s.states {
		if k.connector == connector {
			c := *st
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *stateRepo) DeleteByUser(_ context.Context, userID string) (int, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.states {
		if k.userID == userID {
			delete(s.states, k)
			n++
		}
	}
	return n, nil
}

type credentialRepo Store

func (r *credentialRepo) Create(_ context.Context, cred *model.Credential) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.creds {
		if c.UserID == cred.UserID && c.Connector == cred.Connector {
			return repository.ErrConflict
		}
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now().UTC()
	}
	c := *cred
	s.creds[c.ID] = &c
	return nil
}

func (r *credentialRepo) GetByID(_ context.Context, id string) (*model.Credential, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (r *credentialRepo) Get(_ context.Context, userID string, connector model.Connector) (*model.Credential, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.creds {
		if c.UserID == userID && c.Connector == connector {
			out := *c
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *credentialRepo) ListByConnector(_ context.Context, connector model.Connector) ([]*model.Credential, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Credential
	for _, c := range s.creds {
		if c.Connector == connector {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
