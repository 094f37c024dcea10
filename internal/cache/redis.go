package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var errNotInteger = errors.New("cache: value is not an integer")

const scanBatch = 200

// RedisStore is a Store on a shared Redis.
type RedisStore struct {
	client redis.UniversalClient
	counters
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Ping reports whether Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) fail(op string, err error) error {
	s.errors.Add(1)
	return fmt.Errorf("redis %s: %w", op, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		s.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.fail("get", err)
	}
	s.hits.Add(1)
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return s.fail("set", err)
	}
	s.sets.Add(1)
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return s.fail("del", err)
	}
	s.deletes.Add(n)
	return nil
}

// DeletePattern walks the keyspace with SCAN so large keyspaces never
// block the server the way KEYS would.
func (s *RedisStore) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	match := redisPattern(pattern)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return total, s.fail("scan", err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return total, s.fail("del", err)
			}
			total += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	s.deletes.Add(total)
	return total, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, s.fail("exists", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return s.fail("expire", err)
	}
	return nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, s.fail("ttl", err)
	}
	return d, nil
}

func (s *RedisStore) Increment(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, s.fail("incr", err)
	}
	return n, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	st := s.snapshot("redis")
	n, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return st, s.fail("dbsize", err)
	}
	st.Keys = n
	return st, nil
}
