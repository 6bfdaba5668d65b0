package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// flakyStore fails every call while down is set.
type flakyStore struct {
	*MemoryStore
	down  bool
	calls int
}

var errBackendDown = errors.New("backend down")

func (f *flakyStore) Get(ctx context.Context, key string) (*Entry, error) {
	f.calls++
	if f.down {
		return nil, errBackendDown
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *flakyStore) Update(ctx context.Context, key string, fn UpdateFunc) (*Entry, error) {
	f.calls++
	if f.down {
		return nil, errBackendDown
	}
	return f.MemoryStore.Update(ctx, key, fn)
}

// partialEvictStore evicts some keys, then fails.
type partialEvictStore struct {
	*MemoryStore
}

var errEvictInterrupted = errors.New("evict interrupted")

func (p *partialEvictStore) EvictIdle(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := p.MemoryStore.EvictIdle(ctx, cutoff)
	if err != nil {
		return n, err
	}
	return n, errEvictInterrupted
}

func TestBreakerStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewBreakerStore(NewMemoryStore(2), BreakerConfig{}, zaptest.NewLogger(t))
	})
}

func TestBreakerStore_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(1), down: true}
	s := NewBreakerStore(inner, BreakerConfig{ConsecutiveFailures: 3, Timeout: time.Hour}, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Get(ctx, "k")
		assert.ErrorIs(t, err, errBackendDown)
	}
	assert.Equal(t, "open", s.State())

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, inner.calls, "open circuit must not reach the backend")
}

func TestBreakerStore_HalfOpenRecovers(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(1), down: true}
	s := NewBreakerStore(inner, BreakerConfig{ConsecutiveFailures: 1, Timeout: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, errBackendDown)
	require.Equal(t, "open", s.State())

	inner.down = false
	time.Sleep(40 * time.Millisecond)

	_, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "closed", s.State())
}

func TestBreakerStore_CallbackErrorsDoNotTrip(t *testing.T) {
	s := NewBreakerStore(NewMemoryStore(1), BreakerConfig{ConsecutiveFailures: 1}, nil)
	denied := errors.New("denied by callback")

	for i := 0; i < 5; i++ {
		_, err := s.Update(context.Background(), "k", func(*Entry) (*Entry, error) { return nil, denied })
		assert.ErrorIs(t, err, denied)
	}
	assert.Equal(t, "closed", s.State())
}

func TestBreakerStore_EvictIdleKeepsPartialCount(t *testing.T) {
	inner := &partialEvictStore{MemoryStore: NewMemoryStore(1)}
	s := NewBreakerStore(inner, BreakerConfig{}, zaptest.NewLogger(t))
	ctx := context.Background()

	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, key := range []string{"a", "b"} {
		_, err := s.Update(ctx, key, func(*Entry) (*Entry, error) {
			return &Entry{Key: key, CreatedAt: old, LastSeen: old}, nil
		})
		require.NoError(t, err)
	}

	n, err := s.EvictIdle(ctx, old.Add(time.Minute))
	assert.ErrorIs(t, err, errEvictInterrupted)
	assert.Equal(t, 2, n)
}
