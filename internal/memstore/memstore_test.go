package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/bigkaa/connector-sync/internal/domain/model"
	"github.com/bigkaa/connector-sync/internal/repository"
)

func TestObjects_GetOrCreateCollapsesToEarliest(t *testing.T) {
	s := New()
	repo := s.Objects()
	ctx := context.Background()
	key := model.NaturalKey{Connector: model.ConnectorJira, Key: "PRJ-1", UserID: "u1"}

	first, created, _, err := repo.GetOrCreate(ctx, key)
	if err != nil || !created {
		t.Fatalf("GetOrCreate() = created %v, err %v", created, err)
	}
	dupA := s.InsertDuplicate(key)
	dupB := s.InsertDuplicate(key)

	obj, created, removed, err := repo.GetOrCreate(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreate() ошибка: %v", err)
	}
	if created || obj.ID != first.ID {
		t.Errorf("должна остаться запись %s, получена %s (created=%v)", first.ID, obj.ID, created)
	}
	if len(removed) != 2 || removed[0] != dupA || removed[1] != dupB {
		t.Errorf("removed = %v, ожидается [%s %s]", removed, dupA, dupB)
	}
	if n, _ := repo.Count(ctx, repository.ObjectFilter{}); n != 1 {
		t.Errorf("Count() = %d, ожидается 1", n)
	}
}

func TestObjects_TeamIsPartOfIdentity(t *testing.T) {
	repo := New().Objects()
	ctx := context.Background()
	team := "t1"

	a, _, _, _ := repo.GetOrCreate(ctx, model.NaturalKey{Connector: model.ConnectorTrello, Key: "b1", UserID: "u1"})
	b, created, _, _ := repo.GetOrCreate(ctx, model.NaturalKey{Connector: model.ConnectorTrello, Key: "b1", UserID: "u1", TeamID: &team})
	if !created || a.ID == b.ID {
		t.Error("объекты с разным team_id должны различаться")
	}
}

func TestObjects_FilterByTeam(t *testing.T) {
	repo := New().Objects()
	ctx := context.Background()
	team := "t1"
	c := model.ConnectorTrello

	_, _, _, _ = repo.GetOrCreate(ctx, model.NaturalKey{Connector: c, Key: "b1", UserID: "u1"})
	teamObj, _, _, _ := repo.GetOrCreate(ctx, model.NaturalKey{Connector: c, Key: "b1", UserID: "u1", TeamID: &team})

	personal, _ := repo.List(ctx, repository.ObjectFilter{Connector: &c, ScopeTeam: true, Keys: []string{"b1"}}, 0)
	if len(personal) != 1 || personal[0].TeamID != nil {
		t.Errorf("фильтр без команды вернул %d объектов", len(personal))
	}

	ids, err := repo.Delete(ctx, repository.ObjectFilter{Connector: &c, ScopeTeam: true, TeamID: &team, Keys: []string{"b1"}})
	if err != nil || len(ids) != 1 || ids[0] != teamObj.ID {
		t.Errorf("Delete() = %v, %v; ожидается только объект команды", ids, err)
	}
	if n, _ := repo.Count(ctx, repository.ObjectFilter{Connector: &c}); n != 1 {
		t.Errorf("Count() = %d, персональный объект должен остаться", n)
	}
}

func TestObjects_SaveIsolation(t *testing.T) {
	repo := New().Objects()
	ctx := context.Background()

	obj, _, _, _ := repo.GetOrCreate(ctx, model.NaturalKey{Connector: model.ConnectorGDrive, Key: "f1", UserID: "u1"})
	obj.Title = "doc"
	obj.Status = model.StatusReady
	obj.Attrs = map[string]string{"mime": "text/plain"}
	if err := repo.Save(ctx, obj); err != nil {
		t.Fatalf("Save() ошибка: %v", err)
	}
	// Изменение после Save не должно протекать в хранилище
	obj.Attrs["mime"] = "changed"

	got, err := repo.GetByID(ctx, obj.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.Title != "doc" || got.Attr("mime") != "text/plain" {
		t.Errorf("GetByID() = %+v", got)
	}

	ready := model.StatusReady
	list, _ := repo.List(ctx, repository.ObjectFilter{Status: &ready}, 0)
	if len(list) != 1 {
		t.Errorf("List(ready) = %d, ожидается 1", len(list))
	}

	ids, err := repo.Delete(ctx, repository.ObjectFilter{IDs: []string{obj.ID}})
	if err != nil || len(ids) != 1 {
		t.Fatalf("Delete() = %v, %v", ids, err)
	}
	if err := repo.Save(ctx, obj); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Save() удалённого: ожидался ErrNotFound, получено %v", err)
	}
	if _, err := repo.Delete(ctx, repository.ObjectFilter{}); !errors.Is(err, repository.ErrEmptyFilter) {
		t.Errorf("Delete() с пустым фильтром: ожидался ErrEmptyFilter, получено %v", err)
	}
}

func TestStatesAndCredentials(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.States().Get(ctx, "u1", model.ConnectorGDrive); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Get(): ожидался ErrNotFound, получено %v", err)
	}
	_ = s.States().Save(ctx, &model.SyncState{UserID: "u1", Connector: model.ConnectorGDrive, Cursor: "1"})
	_ = s.States().Save(ctx, &model.SyncState{UserID: "u1", Connector: model.ConnectorGDrive, Cursor: "2"})
	st, err := s.States().Get(ctx, "u1", model.ConnectorGDrive)
	if err != nil || st.Cursor != "2" {
		t.Errorf("Get() = %+v, %v", st, err)
	}
	if n, _ := s.States().DeleteByUser(ctx, "u1"); n != 1 {
		t.Errorf("DeleteByUser() = %d, ожидается 1", n)
	}

	cred := &model.Credential{UserID: "u1", Connector: model.ConnectorGitHub, AccessToken: "tok"}
	if err := s.Credentials().Create(ctx, cred); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if err := s.Credentials().Create(ctx, &model.Credential{UserID: "u1", Connector: model.ConnectorGitHub}); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("повторный Create(): ожидался ErrConflict, получено %v", err)
	}
	list, _ := s.Credentials().ListByConnector(ctx, model.ConnectorGitHub)
	if len(list) != 1 || list[0].ID != cred.ID {
		t.Errorf("ListByConnector() = %+v", list)
	}
}
