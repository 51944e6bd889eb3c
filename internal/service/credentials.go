// Пакет service: оркестрация синхронизации коннекторов. CredentialCache:
// LRU-кэш учётных данных с TTL поверх hashicorp/golang-lru/v2/expirable.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/connector-sync/internal/domain/model"
	"github.com/bigkaa/connector-sync/internal/repository"
)

var (
	credentialCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs_credential_cache_hits_total",
		Help: "Попадания в кэш учётных данных.",
	})
	credentialCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs_credential_cache_misses_total",
		Help: "Промахи кэша учётных данных.",
	})
)

// CredentialCache читает учётные данные через кэш. Токены обновляются
// вне сервиса, поэтому TTL короткий: обновлённый токен подхватывается
// не позже чем через ttl.
type CredentialCache struct {
	repo  repository.CredentialRepository
	cache *expirable.LRU[string, *model.Credential]
}

// NewCredentialCache создаёт кэш размером size с временем жизни записи ttl.
func NewCredentialCache(repo repository.CredentialRepository, size int, ttl time.Duration) *CredentialCache {
	return &CredentialCache{
		repo:  repo,
		cache: expirable.NewLRU[string, *model.Credential](size, nil, ttl),
	}
}

func userKey(userID string, c model.Connector) string {
	return "user:" + userID + ":" + string(c)
}

// ByID возвращает учётные данные по ID. ErrNoCredential, если их нет.
func (c *CredentialCache) ByID(ctx context.Context, id string) (*model.Credential, error) {
	if cred, ok := c.cache.Get("id:" + id); ok {
		credentialCacheHits.Inc()
		return cred, nil
	}
	credentialCacheMisses.Inc()

	cred, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, c.wrap(err, id)
	}
	c.put(cred)
	return cred, nil
}

// ForUser возвращает учётные данные пользователя для коннектора.
func (c *CredentialCache) ForUser(ctx context.Context, userID string, connector model.Connector) (*model.Credential, error) {
	if cred, ok := c.cache.Get(userKey(userID, connector)); ok {
		credentialCacheHits.Inc()
		return cred, nil
	}
	credentialCacheMisses.Inc()

	cred, err := c.repo.Get(ctx, userID, connector)
	if err != nil {
		return nil, c.wrap(err, userID+"/"+string(connector))
	}
	c.put(cred)
	return cred, nil
}

// List возвращает все учётные данные коннектора в обход кэша и
// обновляет кэш.
func (c *CredentialCache) List(ctx context.Context, connector model.Connector) ([]*model.Credential, error) {
	creds, err := c.repo.ListByConnector(ctx, connector)
	if err != nil {
		return nil, fmt.Errorf("учётные данные %s: %w", connector, err)
	}
	for _, cred := range creds {
		c.put(cred)
	}
	return creds, nil
}

// Forget удаляет из кэша учётные данные пользователя.
func (c *CredentialCache) Forget(userID string) {
	for _, key := range c.cache.Keys() {
		cred, ok := c.cache.Peek(key)
		if ok && cred.UserID == userID {
			c.cache.Remove(key)
		}
	}
}

func (c *CredentialCache) put(cred *model.Credential) {
	c.cache.Add("id:"+cred.ID, cred)
	c.cache.Add(userKey(cred.UserID, cred.Connector), cred)
}

func (c *CredentialCache) wrap(err error, ref string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNoCredential, ref)
	}
	return fmt.Errorf("чтение учётных данных %s: %w", ref, err)
}
