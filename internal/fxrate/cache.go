package fxrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is how long a cached quote is served.
const DefaultCacheTTL = 60 * time.Second

// Cache stores recent quotes.
type Cache interface {
	Get(ctx context.Context, token, currency string) (Quote, bool, error)
	Set(ctx context.Context, q Quote) error
}

// RedisCache keeps quotes as JSON under fxrate:<TOKEN>:<CURRENCY>.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(token, currency string) string {
	return "fxrate:" + strings.ToUpper(token) + ":" + strings.ToUpper(currency)
}

func (c *RedisCache) Get(ctx context.Context, token, currency string) (Quote, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(token, currency)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Quote{}, false, nil
	}
	if err != nil {
		return Quote{}, false, fmt.Errorf("fxrate cache get: %w", err)
	}

	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return Quote{}, false, fmt.Errorf("fxrate cache decode: %w", err)
	}
	return q, true, nil
}

func (c *RedisCache) Set(ctx context.Context, q Quote) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, cacheKey(q.Token, q.Currency), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("fxrate cache set: %w", err)
	}
	return nil
}
