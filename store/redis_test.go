package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, cfg RedisConfig) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1000
	}
	return NewRedisStoreWithClient(client, cfg), mr
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, _ := newTestRedisStore(t, RedisConfig{})
		return s
	})
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	s, mr := newTestRedisStore(t, RedisConfig{Prefix: "test:"})
	put(t, s, "user:1", bucketEntry(1, baseTime))

	assert.True(t, mr.Exists("test:user:1"))

	// keys outside the prefix are not ours
	require.NoError(t, mr.Set("other:key", "x"))
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Clear(context.Background()))
	assert.True(t, mr.Exists("other:key"))
	assert.False(t, mr.Exists("test:user:1"))
}

func TestRedisStore_DefaultPrefix(t *testing.T) {
	s, mr := newTestRedisStore(t, RedisConfig{})
	put(t, s, "k", bucketEntry(1, baseTime))
	assert.True(t, mr.Exists("ratelimiter:k"))
}

func TestRedisStore_TTL(t *testing.T) {
	s, mr := newTestRedisStore(t, RedisConfig{TTL: time.Minute})
	put(t, s, "k", bucketEntry(1, baseTime))

	assert.Equal(t, time.Minute, mr.TTL("ratelimiter:k"))

	mr.FastForward(2 * time.Minute)
	e, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestRedisStore_NegativeTTLDisablesExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t, RedisConfig{TTL: -1})
	put(t, s, "k", bucketEntry(1, baseTime))
	assert.Zero(t, mr.TTL("ratelimiter:k"))
}

func TestRedisStore_ManyKeysScan(t *testing.T) {
	s, _ := newTestRedisStore(t, RedisConfig{})
	for i := 0; i < 250; i++ {
		put(t, s, fmt.Sprintf("client-%d", i), bucketEntry(1, baseTime))
	}
	entries, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 250)
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newTestRedisStore(t, RedisConfig{})
	require.NoError(t, s.Ping(context.Background()))
	mr.Close()

	_, err := s.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestNewRedisStore_OwnsClient(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(RedisConfig{Addr: mr.Addr()})
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}
