package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps processed sources in a Redis set; the TTL keeps stale
// sets from piling up after a pipeline is retired.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

// DialRedis builds a store from a redis:// URL.
func DialRedis(ctx context.Context, url, key string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(client, key, ttl), nil
}

func (s *RedisStore) MarkDone(ctx context.Context, source string) error {
	if source == "" {
		return fmt.Errorf("empty source name")
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.key, source)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis add checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) IsDone(ctx context.Context, source string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key, source).Result()
	if err != nil {
		return false, fmt.Errorf("redis check checkpoint: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
