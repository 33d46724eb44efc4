package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore owns the Redis connection backing the delivery schedule.
type RedisStore struct {
	client *redis.Client
}

// NewRedis dials redisURL and pings it, failing fast on a bad address.
func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close shuts the underlying client down.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client exposes the raw client for the schedule, which needs scripting and
// pipelining beyond what a narrower wrapper would carry.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
