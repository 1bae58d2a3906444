package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates no complete listing is cached for the scope
	ErrCacheMiss = errors.New("cache miss")
)

const (
	membersSuffix  = ":members"
	completeSuffix = ":complete"
)

// RedisKeySet stores listings as Redis sets. A listing is present while its
// completion marker exists; the marker and set share the configured TTL.
type RedisKeySet struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisKeySet creates a key set on redisClient. A ttl of zero keeps
// listings until they are replaced.
func NewRedisKeySet(redisClient *redis.Client, ttl time.Duration) *RedisKeySet {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisKeySet{
		redis: redisClient,
		ttl:   ttl,
	}
}

// Keys returns the cached listing for scope.
// Returns ErrCacheMiss if the listing was never completed or has expired.
func (s *RedisKeySet) Keys(ctx context.Context, scope string) ([]string, error) {
	n, err := s.redis.Exists(ctx, scope+completeSuffix).Result()
	if err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("redis exists: %w", err)
	}
	if n == 0 {
		CacheMisses.WithLabelValues("redis").Inc()
		return nil, ErrCacheMiss
	}

	keys, err := s.redis.SMembers(ctx, scope+membersSuffix).Result()
	if err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	slices.Sort(keys)

	CacheHits.WithLabelValues("redis").Inc()
	CacheKeys.WithLabelValues("redis").Set(float64(len(keys)))

	return keys, nil
}

// Replace atomically swaps the listing for scope and marks it complete.
func (s *RedisKeySet) Replace(ctx context.Context, scope string, keys []string) error {
	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, scope+membersSuffix)
		if len(members) > 0 {
			pipe.SAdd(ctx, scope+membersSuffix, members...)
			if s.ttl > 0 {
				pipe.Expire(ctx, scope+membersSuffix, s.ttl)
			}
		}
		pipe.Set(ctx, scope+completeSuffix, time.Now().UTC().Format(time.RFC3339), s.ttl)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("replace").Inc()
		return fmt.Errorf("redis replace: %w", err)
	}

	CacheKeys.WithLabelValues("redis").Set(float64(len(keys)))
	return nil
}

// Add records key under scope. It does not mark the listing complete.
func (s *RedisKeySet) Add(ctx context.Context, scope, key string) error {
	if err := s.redis.SAdd(ctx, scope+membersSuffix, key).Err(); err != nil {
		CacheErrors.WithLabelValues("add").Inc()
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// Invalidate removes the listing for scope.
func (s *RedisKeySet) Invalidate(ctx context.Context, scope string) error {
	if err := s.redis.Del(ctx, scope+membersSuffix, scope+completeSuffix).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
