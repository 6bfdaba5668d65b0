package reload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yourusername/ratelimiter/pkg/ratelimit"
)

const baseConfig = `
defaults:
  capacity: 10
  refill_rate: 1
`

type applied struct {
	mu      sync.Mutex
	configs []*ratelimit.Config
}

func (a *applied) apply(c *ratelimit.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.configs = append(a.configs, c)
	return nil
}

func (a *applied) last() *ratelimit.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.configs) == 0 {
		return nil
	}
	return a.configs[len(a.configs)-1]
}

func (a *applied) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.configs)
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// startWatcher runs a watcher until the test ends.
func startWatcher(t *testing.T, path string, apply ApplyFunc) *Watcher {
	t.Helper()
	w, err := NewWatcher(path, apply, zaptest.NewLogger(t), Options{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return w
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, baseConfig)

	var got applied
	startWatcher(t, path, got.apply)

	writeFile(t, path, "defaults:\n  capacity: 42\n  refill_rate: 2\n")

	require.Eventually(t, func() bool {
		c := got.last()
		return c != nil && c.Defaults.Capacity == 42
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatcher_ReloadsOnAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, baseConfig)

	var got applied
	startWatcher(t, path, got.apply)

	tmp := filepath.Join(dir, ".config.yaml.tmp")
	writeFile(t, tmp, "defaults:\n  strategy: sliding_window\n  limit: 3\n  window_seconds: 10\n")
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool {
		c := got.last()
		return c != nil && c.Defaults.Limit == 3
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, baseConfig)

	var got applied
	startWatcher(t, path, got.apply)

	writeFile(t, filepath.Join(dir, "other.yaml"), baseConfig)
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, got.count())
}

func TestWatcher_InvalidConfigKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, baseConfig)

	limiter, err := ratelimit.New(ratelimit.WithConfigFile(path))
	require.NoError(t, err)

	w, err := NewWatcher(path, limiter.SetConfig, zaptest.NewLogger(t), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { w.watcher.Close() })

	writeFile(t, path, "defaults:\n  capacity: -1\n  refill_rate: 1\n")
	err = w.Reload()
	assert.True(t, errors.Is(err, ratelimit.ErrInvalidConfig))
	assert.Equal(t, 10.0, limiter.Config().Defaults.Capacity)

	writeFile(t, path, "defaults:\n  capacity: 7\n  refill_rate: 1\n")
	require.NoError(t, w.Reload())
	assert.Equal(t, 7.0, limiter.Config().Defaults.Capacity)
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, baseConfig)

	var got applied
	w, err := NewWatcher(path, got.apply, zaptest.NewLogger(t), Options{Debounce: 300 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	for i := 0; i < 5; i++ {
		writeFile(t, path, baseConfig)
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return got.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, got.count())
}

func TestNewWatcher_Errors(t *testing.T) {
	_, err := NewWatcher("config.yaml", nil, nil, Options{})
	assert.Error(t, err)

	_, err = NewWatcher(filepath.Join(t.TempDir(), "missing-dir", "config.yaml"), func(*ratelimit.Config) error { return nil }, nil, Options{})
	assert.Error(t, err)
}
