package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avauthz/internal/observability"
)

// ReloadFunc receives a newly loaded and validated configuration. A returned
// error is logged and the previous configuration stays in effect.
type ReloadFunc func(*Config) error

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	onReload ReloadFunc
	onError  func(error)
	logger   observability.Logger
	debounce time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long to wait for writes to settle.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// WithErrorHandler is called for load, validation, and reload failures.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher creates a watcher for the configuration file at path.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		path:     absPath,
		fs:       fsw,
		onReload: onReload,
		logger:   observability.NopLogger(),
		debounce: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start watches the file's directory, which also catches editors and
// Kubernetes config maps that replace the file instead of writing it.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return nil
	}
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx)

	w.logger.Info("watching configuration file", observability.String("path", w.path))
	return nil
}

// Stop ends the watch loop and releases the file watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop = nil
	w.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return w.fs.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

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
			return
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.fail("configuration watcher error", err)
		}
	}
}

// Reload loads the file now and hands it to the reload function.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	if w.onReload != nil {
		return w.onReload(cfg)
	}
	return nil
}

func (w *Watcher) reload() {
	w.logger.Info("reloading configuration", observability.String("path", w.path))
	if err := w.Reload(); err != nil {
		w.fail("configuration reload rejected", err)
		return
	}
	w.logger.Info("configuration reloaded")
}

func (w *Watcher) fail(msg string, err error) {
	w.logger.Error(msg, observability.Error(err))
	if w.onError != nil {
		w.onError(err)
	}
}
