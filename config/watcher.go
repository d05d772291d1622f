package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes and hands every valid
// result to the registered callbacks, in registration order.
type Watcher struct {
	path     string
	debounce time.Duration
	onError  func(error)
	fsw      *fsnotify.Watcher

	mu        sync.RWMutex
	loader    *Loader
	callbacks []func(*Config)
	running   bool

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithErrorHandler receives watch errors and rejected reloads.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		if fn != nil {
			w.onError = fn
		}
	}
}

// NewWatcher watches path. Reloads reuse the overrides loader was given.
func NewWatcher(path string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config path is required for watching")
	}
	if loader == nil {
		loader = NewLoader()
	}
	if loader.path == "" {
		loader.path = path
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	w := &Watcher{
		path:     path,
		debounce: defaultDebounce,
		onError:  func(error) {},
		fsw:      fsw,
		loader:   loader,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch blocks until ctx ends or Stop is called. Bursts of writes within the
// debounce window cause a single reload.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("config watcher is already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	// Editors often replace the file, so the directory is watched as well.
	if err := w.fsw.Add(w.path); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	_ = w.fsw.Add(filepath.Dir(w.path))

	quiet := time.NewTimer(w.debounce)
	quiet.Stop()
	defer quiet.Stop()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			quiet.Reset(w.debounce)
		case <-quiet.C:
			w.reloadConfig(ctx)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.onError(fmt.Errorf("config watcher: %w", err))
		}
	}
}

// reloadConfig loads the file again and notifies callbacks. An invalid file
// leaves the current configuration in place.
func (w *Watcher) reloadConfig(_ context.Context) {
	w.mu.RLock()
	current := w.loader
	w.mu.RUnlock()

	next, cfg, err := current.Reload()
	if err != nil {
		w.onError(fmt.Errorf("reload config: %w", err))
		return
	}

	w.mu.Lock()
	w.loader = next
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	for _, cb := range callbacks {
		w.notify(cb, cfg)
	}
}

func (w *Watcher) notify(cb func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.onError(fmt.Errorf("config callback panic: %v", r))
		}
	}()
	cb(cfg)
}

// OnChange registers a callback for successful reloads. Callbacks run on the
// watch goroutine, one at a time.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, callback)
	w.mu.Unlock()
}

// Stop ends Watch and releases the file watcher.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Loader returns the loader of the latest successful reload.
func (w *Watcher) Loader() *Loader {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.loader
}

func (w *Watcher) ConfigPath() string { return w.path }

// HotReloadableConfig is the part of Config applied without a restart. Step
// policies apply to sagas started after the reload.
type HotReloadableConfig struct {
	LogLevel  string
	LogFormat string
	Policies  PoliciesConfig
}

func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel:  cfg.Log.Level,
		LogFormat: cfg.Log.Format,
		Policies:  cfg.Saga.Policies,
	}
}

// Changed reports whether any hot-reloadable value differs.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h != other
}

// PoliciesChanged reports whether any step policy differs.
func (h HotReloadableConfig) PoliciesChanged(other HotReloadableConfig) bool {
	return h.Policies != other.Policies
}
