package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis keyspace. Keys are namespaced with prefix.
type Redis struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedis(r redis.UniversalClient, prefix string) *Redis {
	return &Redis{redis: r, prefix: prefix}
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.redis.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get %s: %w", key, err)
	}

	return b, true, nil
}

func (s *Redis) Set(ctx context.Context, key string, value []byte) error {
	return s.SetTTL(ctx, key, value, 0)
}

func (s *Redis) SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}

	return nil
}

func (s *Redis) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}

	return nil
}

func (s *Redis) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return fmt.Sprintf("%s:%s", s.prefix, k)
}
