package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/yourusername/ratelimiter/core"
	"github.com/yourusername/ratelimiter/store"
)

// KeyState is a read-only view of one key's limiter state.
type KeyState struct {
	Key            string            `json:"key"`
	Strategy       core.Strategy     `json:"strategy"`
	Policy         core.Policy       `json:"policy"`
	Remaining      float64           `json:"remaining"`
	Limit          float64           `json:"limit"`
	ResetInSeconds float64           `json:"reset_in_seconds"`
	Bucket         *core.BucketState `json:"bucket,omitempty"`
	Window         *core.WindowState `json:"window,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastSeen       time.Time         `json:"last_seen"`
}

// DumpDocument is the JSON document written by Dump.
type DumpDocument struct {
	GeneratedAt time.Time  `json:"generated_at"`
	Keys        []KeyState `json:"keys"`
}

// describe reports entry as seen at now, without consuming.
func describe(entry *store.Entry, now time.Time) *KeyState {
	ks := &KeyState{
		Key:       entry.Key,
		Strategy:  entry.Policy.Kind(),
		Policy:    entry.Policy,
		Limit:     entry.Policy.MaxUnits(),
		Bucket:    entry.Bucket,
		Window:    entry.Window,
		CreatedAt: entry.CreatedAt,
		LastSeen:  entry.LastSeen,
	}

	var result core.CheckResult
	var reset time.Duration
	switch entry.Policy.Kind() {
	case core.StrategySlidingWindow:
		if sw, err := core.NewSlidingWindow(entry.Policy); err == nil {
			result = sw.Inspect(entry.Window, 1, now)
			reset = sw.ResetAfter(entry.Window, now)
		}
	default:
		if tb, err := core.NewTokenBucket(entry.Policy); err == nil {
			result = tb.Inspect(entry.Bucket, 1, now)
			reset = tb.ResetAfter(entry.Bucket, now)
		}
	}
	ks.Remaining = result.Remaining
	ks.ResetInSeconds = reset.Seconds()
	return ks
}

// Snapshot returns the state of every tracked key, sorted by key. Keys are
// reported in their stored form, see StoreKey.
func (l *Limiter) Snapshot(ctx context.Context) ([]KeyState, error) {
	entries, err := l.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	now := l.now()
	out := make([]KeyState, 0, len(entries))
	for _, e := range entries {
		out = append(out, *describe(e, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	l.recorder.SetTrackedKeys(len(out))
	return out, nil
}

// Dump writes the Snapshot as indented JSON.
func (l *Limiter) Dump(ctx context.Context, w io.Writer) error {
	keys, err := l.Snapshot(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(DumpDocument{GeneratedAt: l.now().UTC(), Keys: keys})
}
