package catalog

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"farmapos/backend/internal/domain"
)

type RedisProductCache struct {
	client *redis.Client
}

func NewRedisProductCache(addr string, password string, db int) *RedisProductCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisProductCache{client: client}
}

func (c *RedisProductCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisProductCache) Close() error {
	return c.client.Close()
}

func (c *RedisProductCache) Get(ctx context.Context, key string) (*domain.CatalogProduct, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var product domain.CatalogProduct
	if err := json.Unmarshal([]byte(val), &product); err != nil {
		return nil, false, err
	}
	return &product, true, nil
}

// GetMany fetches a batch with a single MGET. Keys that are absent or hold
// unparseable payloads are omitted from the result.
func (c *RedisProductCache) GetMany(ctx context.Context, keys []string) (map[string]domain.CatalogProduct, error) {
	if len(keys) == 0 {
		return map[string]domain.CatalogProduct{}, nil
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]domain.CatalogProduct, len(keys))
	for i, raw := range vals {
		if i >= len(keys) || raw == nil {
			continue
		}
		text, ok := raw.(string)
		if !ok {
			continue
		}
		var product domain.CatalogProduct
		if err := json.Unmarshal([]byte(text), &product); err != nil {
			continue
		}
		out[keys[i]] = product
	}
	return out, nil
}

func (c *RedisProductCache) Set(ctx context.Context, key string, value *domain.CatalogProduct, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
