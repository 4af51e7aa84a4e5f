package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PostHog/posthog-sub003/internal/repository"
)

// RedisCache implements the cache capability over Redis, namespacing keys by
// plugin configuration so tenants can never read each other's entries.
type RedisCache struct {
	client   redis.UniversalClient
	prefix   string
	configID string
}

// NewRedisCache creates a cache scoped to one plugin configuration
func NewRedisCache(client redis.UniversalClient, prefix, configID string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, configID: configID}
}

func (c *RedisCache) key(key string) string {
	return fmt.Sprintf("%s/%s/%s", c.prefix, c.configID, key)
}

// Get reads a cached value; a missing key returns ("", nil)
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache get failed: %w", err)
	}
	return val, nil
}

// Set writes a cached value with an optional ttl (0 means no expiry)
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// namespacedStorage adapts the plugin storage repository to the Storage
// capability, pinning the configuration namespace.
type namespacedStorage struct {
	repo     storageRepo
	configID string
}

type storageRepo interface {
	Get(ctx context.Context, configID, key string) ([]byte, error)
	Set(ctx context.Context, configID, key string, value []byte) error
	Delete(ctx context.Context, configID, key string) error
}

// NewStorage scopes a storage repository to one plugin configuration
func NewStorage(repo storageRepo, configID string) Storage {
	return &namespacedStorage{repo: repo, configID: configID}
}

func (s *namespacedStorage) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.repo.Get(ctx, s.configID, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return val, err
}

func (s *namespacedStorage) Set(ctx context.Context, key string, value []byte) error {
	return s.repo.Set(ctx, s.configID, key, value)
}

func (s *namespacedStorage) Del(ctx context.Context, key string) error {
	return s.repo.Delete(ctx, s.configID, key)
}
