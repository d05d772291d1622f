package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const baseYAML = `app:
  name: watched
log:
  level: info
  format: json
saga:
  policies:
    create_shipment:
      max_attempts: 3
      initial_delay: 1s
      backoff_multiplier: 2
      max_delay: 100s
      timeout: 30s
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// startWatcher loads path, starts a watcher on it and stops it on cleanup.
func startWatcher(t *testing.T, path string, overrides map[string]interface{}, opts ...WatcherOption) *Watcher {
	t.Helper()
	loader := NewLoader()
	if _, err := loader.Load(path, overrides); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	opts = append([]WatcherOption{WithDebounce(50 * time.Millisecond)}, opts...)
	w, err := NewWatcher(path, loader, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Stop()
	})

	eventually(t, w.IsRunning)
	return w
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewWatcher(t *testing.T) {
	if _, err := NewWatcher("", NewLoader()); err == nil {
		t.Fatal("expected error for empty config path")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	w, err := NewWatcher(path, nil, WithDebounce(100*time.Millisecond), WithDebounce(0))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if w.ConfigPath() != path {
		t.Errorf("ConfigPath() = %s", w.ConfigPath())
	}
	if w.debounce != 100*time.Millisecond {
		t.Errorf("debounce = %v, want 100ms (zero ignored)", w.debounce)
	}
	if w.Loader() == nil || w.Loader().path != path {
		t.Error("expected a loader bound to the watched path")
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseYAML)

	var (
		mu   sync.Mutex
		seen []*Config
	)
	w := startWatcher(t, path, nil)
	w.OnChange(func(cfg *Config) {
		mu.Lock()
		seen = append(seen, cfg)
		mu.Unlock()
	})

	writeConfig(t, path, baseYAML+"  max_concurrent: 7\n")
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].Saga.MaxConcurrent == 7
	})

	if w.Loader().GetInt("saga.max_concurrent") != 7 {
		t.Error("expected the watcher to keep the reloaded loader")
	}
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseYAML)

	var (
		mu    sync.Mutex
		count int
	)
	w := startWatcher(t, path, nil, WithDebounce(200*time.Millisecond))
	w.OnChange(func(*Config) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		writeConfig(t, path, baseYAML)
		time.Sleep(20 * time.Millisecond)
	}
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count > 0
	})
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected one reload for a burst of writes, got %d", count)
	}
}

func TestWatcher_ReloadKeepsOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseYAML)

	loader := NewLoader()
	if _, err := loader.Load(path, map[string]interface{}{"log.level": "debug"}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	w, err := NewWatcher(path, loader)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	var got *Config
	w.OnChange(func(cfg *Config) { got = cfg })

	writeConfig(t, path, baseYAML+"  max_concurrent: 3\n")
	w.reloadConfig(context.Background())

	if got == nil {
		t.Fatal("callback not called")
	}
	if got.Log.Level != "debug" {
		t.Errorf("override lost on reload: level = %s", got.Log.Level)
	}
	if got.Saga.MaxConcurrent != 3 {
		t.Errorf("file change not applied: max_concurrent = %d", got.Saga.MaxConcurrent)
	}
}

func TestWatcher_CallbacksRunInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseYAML)

	w, err := NewWatcher(path, NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	var order []int
	w.OnChange(func(*Config) { order = append(order, 1) })
	w.OnChange(func(*Config) { panic("bad callback") })
	w.OnChange(func(*Config) { order = append(order, 3) })

	w.reloadConfig(context.Background())

	if len(order) != 2 || order[0] != 1 || order[1] != 3 {
		t.Fatalf("callback order = %v, want [1 3]", order)
	}
}

func TestWatcher_InvalidReloadKeepsCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseYAML)

	var errs []error
	w, err := NewWatcher(path, NewLoader(), WithErrorHandler(func(err error) { errs = append(errs, err) }))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	before := w.Loader()
	called := false
	w.OnChange(func(*Config) { called = true })

	writeConfig(t, path, "log:\n  level: loud\n")
	w.reloadConfig(context.Background())

	if called {
		t.Error("callbacks must not run for an invalid file")
	}
	if len(errs) != 1 {
		t.Fatalf("expected one reported error, got %v", errs)
	}
	var details ValidationErrors
	if !errors.As(errs[0], &details) {
		t.Errorf("expected validation details, got %v", errs[0])
	}
	if w.Loader() != before {
		t.Error("loader must not change after a rejected reload")
	}
}

func TestWatcher_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseYAML)

	w, err := NewWatcher(path, NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()
	eventually(t, w.IsRunning)

	if err := w.Watch(ctx); err == nil {
		t.Error("expected error when watching twice")
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch after Stop returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after Stop")
	}
	if w.IsRunning() {
		t.Error("expected watcher to stop running")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestWatcher_ContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseYAML)

	w, err := NewWatcher(path, NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()
	eventually(t, w.IsRunning)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	w, err := NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if err := w.Watch(context.Background()); err == nil {
		t.Error("expected error when watching a missing file")
	}
}

func TestHotReloadableConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "debug"
	cfg.Saga.Policies.CreateShipment.MaxAttempts = 5

	hot := ExtractHotReloadable(cfg)
	if hot.LogLevel != "debug" || hot.Policies.CreateShipment.MaxAttempts != 5 {
		t.Fatalf("unexpected extract: %+v", hot)
	}

	base := ExtractHotReloadable(DefaultConfig())
	if base.Changed(ExtractHotReloadable(DefaultConfig())) {
		t.Error("identical configs reported as changed")
	}

	level := base
	level.LogLevel = "warn"
	if !base.Changed(level) || base.PoliciesChanged(level) {
		t.Error("log level change must be a change but not a policy change")
	}

	policy := base
	policy.Policies.SendNotification.Timeout = 10 * time.Second
	if !base.Changed(policy) || !base.PoliciesChanged(policy) {
		t.Error("expected policy change to be detected")
	}
}
