package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient is shared by the depth cache and the idempotency store.
func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ port.Cache = (*RedisCache)(nil)

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
	}
}

func key(instrument string) string { return "ob:" + instrument }

func (c *RedisCache) SetOrderbook(ctx context.Context, instrument string, ob *domain.OrderbookSnapshot) error {
	b, err := json.Marshal(ob)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(instrument), b, c.ttl).Err()
}

func (c *RedisCache) GetOrderbook(ctx context.Context, instrument string) (*domain.OrderbookSnapshot, error) {
	b, err := c.client.Get(ctx, key(instrument)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ob domain.OrderbookSnapshot
	if err := json.Unmarshal(b, &ob); err != nil {
		return nil, err
	}
	return &ob, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, instrument string) error {
	return c.client.Del(ctx, key(instrument)).Err()
}
