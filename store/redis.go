package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix     = "ratelimiter:"
	defaultRedisTTL        = 1 * time.Hour
	defaultRedisMaxRetries = 16
	redisScanBatch         = 100
)

// RedisStore provides Redis-backed storage for limiter entries, so several
// processes can share one set of limits. Updates use WATCH/MULTI optimistic
// transactions; entries expire after TTL without writes.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	maxRetries int
	ownClient  bool
}

// Ensure RedisStore implements Store interface
var _ Store = (*RedisStore)(nil)

// RedisConfig for creating a Redis store
type RedisConfig struct {
	Addr       string        // Redis address (e.g., "localhost:6379")
	Password   string        // Redis password (empty for no auth)
	DB         int           // Redis database number
	Prefix     string        // Key prefix (default: "ratelimiter:")
	TTL        time.Duration // Expiry of idle entries (default: 1 hour, negative disables)
	MaxRetries int           // Optimistic transaction retries (default: 16)
}

// NewRedisStore creates a new Redis-backed store that owns its client
func NewRedisStore(config RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	s := NewRedisStoreWithClient(client, config)
	s.ownClient = true
	return s
}

// NewRedisStoreWithClient wraps an existing client. Close does not close it.
func NewRedisStoreWithClient(client redis.UniversalClient, config RedisConfig) *RedisStore {
	prefix := config.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}

	ttl := config.TTL
	switch {
	case ttl == 0:
		ttl = defaultRedisTTL
	case ttl < 0:
		ttl = 0 // no expiry
	}

	retries := config.MaxRetries
	if retries <= 0 {
		retries = defaultRedisMaxRetries
	}

	return &RedisStore{
		client:     client,
		prefix:     prefix,
		ttl:        ttl,
		maxRetries: retries,
	}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

// Get retrieves the entry for a given key
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	return s.load(ctx, s.client, s.redisKey(key))
}

func (s *RedisStore) load(ctx context.Context, c redis.Cmdable, redisKey string) (*Entry, error) {
	data, err := c.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeEntry(data)
}

// Update applies fn inside a WATCH transaction, retrying when another
// writer modified the key concurrently
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) (*Entry, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	redisKey := s.redisKey(key)

	var result *Entry
	txf := func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, redisKey)
		if err != nil {
			return err
		}

		next, err := fn(current.Clone())
		if errors.Is(err, ErrSkipWrite) {
			result = current
			return nil
		}
		if err != nil {
			return err
		}

		if next == nil {
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, redisKey)
				return nil
			})
			result = nil
			return err
		}

		next = next.Clone()
		next.Key = key
		data, err := encodeEntry(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, data, s.ttl)
			return nil
		})
		result = next
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, redisKey)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("redis update %q: gave up after %d conflicting attempts", key, s.maxRetries)
}

// Delete removes the entry for a given key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// List returns all entries under the store prefix
func (s *RedisStore) List(ctx context.Context) ([]*Entry, error) {
	var out []*Entry
	err := s.scan(ctx, func(redisKey string) error {
		e, err := s.load(ctx, s.client, redisKey)
		if err != nil {
			return err
		}
		if e != nil {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// EvictIdle removes entries last seen before cutoff. Each candidate is
// re-checked inside a transaction so a concurrent write keeps the entry.
func (s *RedisStore) EvictIdle(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.scan(ctx, func(redisKey string) error {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			e, err := s.load(ctx, tx, redisKey)
			if err != nil || e == nil || !e.LastSeen.Before(cutoff) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, redisKey)
				return nil
			})
			if err == nil {
				removed++
			}
			return err
		}, redisKey)
		if errors.Is(err, redis.TxFailedErr) {
			return nil // touched while we looked at it, so not idle
		}
		return err
	})
	return removed, err
}

// Count returns the number of entries under the store prefix
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.scan(ctx, func(string) error {
		n++
		return nil
	})
	return n, err
}

// Clear removes all keys under the store prefix
func (s *RedisStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", redisScanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis batch delete: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *RedisStore) scan(ctx context.Context, fn func(redisKey string) error) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

// Ping checks if Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection if the store created it
func (s *RedisStore) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}
