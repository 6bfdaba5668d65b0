package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count used when NewMemoryStore is given zero.
const DefaultShards = 32

// MemoryStore provides thread-safe in-memory storage for limiter entries.
// Keys are spread over shards by hash so that updates of unrelated keys
// rarely contend on the same lock.
type MemoryStore struct {
	shards []*memoryShard
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store with the given number of shards.
func NewMemoryStore(shards int) *MemoryStore {
	if shards <= 0 {
		shards = DefaultShards
	}
	s := &MemoryStore{shards: make([]*memoryShard, shards)}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]*Entry)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Get retrieves the entry for a given key
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.entries[key].Clone(), nil
}

// Update applies fn under the key's shard lock
func (s *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) (*Entry, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current := sh.entries[key]
	next, err := fn(current.Clone())
	if errors.Is(err, ErrSkipWrite) {
		return current.Clone(), nil
	}
	if err != nil {
		return nil, err
	}
	if next == nil {
		delete(sh.entries, key)
		return nil, nil
	}

	next = next.Clone()
	next.Key = key
	sh.entries[key] = next
	return next.Clone(), nil
}

// Delete removes the entry for a given key
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
	return nil
}

// List returns copies of all entries
func (s *MemoryStore) List(_ context.Context) ([]*Entry, error) {
	var out []*Entry
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			out = append(out, e.Clone())
		}
		sh.mu.Unlock()
	}
	return out, nil
}

// EvictIdle removes entries last seen before cutoff, one shard at a time
func (s *MemoryStore) EvictIdle(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh.mu.Lock()
		for key, e := range sh.entries {
			if e.LastSeen.Before(cutoff) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Count returns the total number of entries
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n, nil
}

// Clear removes all entries
func (s *MemoryStore) Clear(_ context.Context) error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*Entry)
		sh.mu.Unlock()
	}
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}
