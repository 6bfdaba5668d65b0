package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/ratelimiter/core"
)

var (
	// ErrSkipWrite can be returned by an UpdateFunc to leave the stored entry untouched
	ErrSkipWrite = errors.New("skip write")

	// ErrInvalidKey is returned when the key is empty
	ErrInvalidKey = errors.New("key cannot be empty")

	// ErrCircuitOpen is returned by BreakerStore while the backend is considered unhealthy
	ErrCircuitOpen = errors.New("store circuit open")
)

// Entry is the persisted limiter state for one key.
// Exactly one of Bucket or Window is set, matching Policy.Kind().
type Entry struct {
	Key       string            `json:"key"`
	Policy    core.Policy       `json:"policy"`
	Bucket    *core.BucketState `json:"bucket,omitempty"`
	Window    *core.WindowState `json:"window,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	LastSeen  time.Time         `json:"last_seen"`
}

// Clone returns a deep copy so callers never share state with the store.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	if e.Bucket != nil {
		b := *e.Bucket
		out.Bucket = &b
	}
	if e.Window != nil {
		out.Window = &core.WindowState{Timestamps: append([]time.Time(nil), e.Window.Timestamps...)}
	}
	return &out
}

// UpdateFunc receives the current entry (nil when the key is unknown) and
// returns the entry to store. Returning ErrSkipWrite keeps the current entry;
// any other error aborts the update and is returned to the caller.
type UpdateFunc func(current *Entry) (*Entry, error)

// Store defines the interface for limiter state storage.
// Update must be atomic per key: two concurrent updates of the same key never
// observe the same current entry.
type Store interface {
	// Get returns a copy of the entry for key, or nil if none exists.
	Get(ctx context.Context, key string) (*Entry, error)

	// Update applies fn to the entry for key and stores the result.
	// It returns the entry that is stored after the call.
	Update(ctx context.Context, key string, fn UpdateFunc) (*Entry, error)

	// Delete removes the entry for key. Deleting an unknown key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns copies of all entries in no particular order.
	List(ctx context.Context) ([]*Entry, error)

	// EvictIdle removes entries last seen before cutoff and returns how many were removed.
	EvictIdle(ctx context.Context, cutoff time.Time) (int, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)

	// Clear removes all entries.
	Clear(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

func encodeEntry(e *Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry %q: %w", e.Key, err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &e, nil
}
