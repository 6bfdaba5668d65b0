// Package reload re-applies the YAML configuration of a running limiter when
// its file changes on disk.
package reload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/yourusername/ratelimiter/pkg/ratelimit"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 200 * time.Millisecond

// ApplyFunc installs a freshly loaded configuration. (*ratelimit.Limiter).SetConfig fits.
type ApplyFunc func(*ratelimit.Config) error

// Options tune the watcher.
type Options struct {
	// Debounce collapses bursts of events into one reload (default: 200ms)
	Debounce time.Duration
}

// Watcher reloads one config file. It watches the file's directory rather
// than the file, because editors and config management replace files by
// rename, which drops a watch placed on the file itself.
type Watcher struct {
	path     string
	apply    ApplyFunc
	logger   *zap.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for path. Call Run to start it.
func NewWatcher(path string, apply ApplyFunc, logger *zap.Logger, opts Options) (*Watcher, error) {
	if apply == nil {
		return nil, errors.New("reload: apply func cannot be nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("reload: resolve %s: %w", path, err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		apply:    apply,
		logger:   logger.With(zap.String("component", "reload"), zap.String("path", abs)),
		debounce: opts.Debounce,
		watcher:  fsw,
	}, nil
}

// Run processes file events until ctx is cancelled. It closes the
// underlying watcher before returning.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	w.logger.Info("config watcher started", zap.Duration("debounce", w.debounce))

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("reload: watcher events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("config file event", zap.String("op", event.Op.String()))

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			_ = w.Reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("reload: watcher errors channel closed")
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

// Reload loads the file and applies it. An invalid file is logged and
// the active configuration is kept.
func (w *Watcher) Reload() error {
	config, err := ratelimit.LoadConfigFromFile(w.path)
	if err != nil {
		w.logger.Warn("rejected config reload, keeping previous configuration", zap.Error(err))
		return err
	}
	if err := w.apply(config); err != nil {
		w.logger.Warn("failed to apply reloaded config, keeping previous configuration", zap.Error(err))
		return err
	}
	w.logger.Info("config reloaded", zap.Int("policies", len(config.Policies)))
	return nil
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}
