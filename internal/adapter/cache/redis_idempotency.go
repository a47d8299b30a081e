package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// RedisIdempotency shares execution results across server replicas.
// A reserved key holds pendingMarker until the result replaces it.
type RedisIdempotency struct {
	client *redis.Client
	ttl    time.Duration
}

var _ port.IdempotencyStore = (*RedisIdempotency)(nil)

func NewRedisIdempotency(client *redis.Client, ttl time.Duration) *RedisIdempotency {
	return &RedisIdempotency{client: client, ttl: ttl}
}

func idemKey(k string) string { return "idem:" + k }

func (s *RedisIdempotency) Reserve(ctx context.Context, k string) (*domain.Execution, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, idemKey(k), pendingMarker, s.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, nil
		}
		b, err := s.client.Get(ctx, idemKey(k)).Bytes()
		if errors.Is(err, redis.Nil) {
			// expired between SETNX and GET
			continue
		}
		if err != nil {
			return nil, err
		}
		if string(b) == pendingMarker {
			return nil, port.ErrKeyInFlight
		}
		var res domain.Execution
		if err := json.Unmarshal(b, &res); err != nil {
			return nil, fmt.Errorf("cache: decode result for %s: %w", k, err)
		}
		return &res, nil
	}
	return nil, port.ErrKeyInFlight
}

func (s *RedisIdempotency) Complete(ctx context.Context, k string, result *domain.Execution) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, idemKey(k), b, s.ttl).Err()
}

func (s *RedisIdempotency) Release(ctx context.Context, k string) error {
	return s.client.Del(ctx, idemKey(k)).Err()
}
