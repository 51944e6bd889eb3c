package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/connector-sync/internal/domain/model"
	"github.com/bigkaa/connector-sync/internal/repository"
)

// countingRepo считает обращения к хранилищу учётных данных.
type countingRepo struct {
	repository.CredentialRepository
	gets int
}

func (r *countingRepo) GetByID(ctx context.Context, id string) (*model.Credential, error) {
	r.gets++
	return r.CredentialRepository.GetByID(ctx, id)
}

func (r *countingRepo) Get(ctx context.Context, userID string, c model.Connector) (*model.Credential, error) {
	r.gets++
	return r.CredentialRepository.Get(ctx, userID, c)
}

func TestCredentialCache(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 100)
	cred := e.credential(t, "u1")
	repo := &countingRepo{CredentialRepository: e.store.Credentials()}
	cache := NewCredentialCache(repo, 10, time.Minute)

	got, err := cache.ByID(ctx, cred.ID)
	if err != nil || got.UserID != "u1" {
		t.Fatalf("ByID() = %v, %v", got, err)
	}
	// Запись по ID прогревает и ключ пользователя
	if _, err := cache.ForUser(ctx, "u1", model.ConnectorJira); err != nil {
		t.Fatalf("ForUser() ошибка: %v", err)
	}
	if repo.gets != 1 {
		t.Errorf("обращений к хранилищу %d, ожидается 1", repo.gets)
	}

	cache.Forget("u1")
	if _, err := cache.ByID(ctx, cred.ID); err != nil {
		t.Fatalf("ByID() после Forget: %v", err)
	}
	if repo.gets != 2 {
		t.Errorf("после Forget запись читается заново, обращений %d", repo.gets)
	}

	if _, err := cache.ByID(ctx, "missing"); !errors.Is(err, ErrNoCredential) {
		t.Errorf("ByID() отсутствующих = %v, ожидается ErrNoCredential", err)
	}
}

func TestCredentialCache_Expires(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 100)
	cred := e.credential(t, "u1")
	repo := &countingRepo{CredentialRepository: e.store.Credentials()}
	cache := NewCredentialCache(repo, 10, 20*time.Millisecond)

	_, _ = cache.ByID(ctx, cred.ID)
	time.Sleep(60 * time.Millisecond)
	_, _ = cache.ByID(ctx, cred.ID)
	if repo.gets != 2 {
		t.Errorf("обращений %d, истёкшая запись должна читаться заново", repo.gets)
	}
}
