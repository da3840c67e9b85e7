package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore counts requests in fixed windows shared by every instance.
type redisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

func newRedisStore(client redis.UniversalClient, prefix string, timeout time.Duration) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "siderec:ratelimit:"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &redisStore{client: client, prefix: prefix, timeout: timeout}
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key = s.prefix + key
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if count == 1 {
		// EXPIRE has second granularity.
		if rounded := window.Truncate(time.Second); rounded < window {
			window = rounded + time.Second
		}
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	if ttl <= 0 {
		ttl = window
	}
	return false, ttl, nil
}
