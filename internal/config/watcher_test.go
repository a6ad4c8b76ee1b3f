package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/jtaka1125-beep/mirage/internal/route"
)

type testConfig struct {
	Name  string `toml:"name"`
	Value int    `toml:"value"`
}

func loadTestConfig(path string) (testConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return testConfig{}, err
	}
	var cfg testConfig
	err = toml.Unmarshal(data, &cfg)
	return cfg, err
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startWatcher[T any](t *testing.T, path string, loader func(string) (T, error), opts ...WatcherOption[T]) *Watcher[T] {
	t.Helper()
	opts = append([]WatcherOption[T]{WithDebounce[T](50 * time.Millisecond)}, opts...)
	w := NewConfigWatcher(path, loader, newTestLogger(), opts...)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := w.Stop(); err != nil {
			t.Errorf("watcher.Stop failed: %v", err)
		}
	})
	return w
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestConfigWatcher_BasicReload(t *testing.T) {
	path := writeTOML(t, "name = \"initial\"\nvalue = 1\n")
	received := make(chan testConfig, 1)
	w := startWatcher(t, path, loadTestConfig)
	w.OnReload(func(cfg testConfig) { received <- cfg })

	writeFile(t, path, "name = \"updated\"\nvalue = 42\n")

	select {
	case cfg := <-received:
		if cfg.Name != "updated" || cfg.Value != 42 {
			t.Errorf("got %+v, want name=updated, value=42", cfg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for config reload")
	}
}

func TestConfigWatcher_AtomicReplace(t *testing.T) {
	path := writeTOML(t, "value = 1\n")
	received := make(chan testConfig, 4)
	w := startWatcher(t, path, loadTestConfig)
	w.OnReload(func(cfg testConfig) { received <- cfg })

	for _, v := range []int{2, 3} {
		tmp := filepath.Join(filepath.Dir(path), fmt.Sprintf(".next-%d", v))
		writeFile(t, tmp, fmt.Sprintf("value = %d\n", v))
		if err := os.Rename(tmp, path); err != nil {
			t.Fatal(err)
		}
		select {
		case cfg := <-received:
			if cfg.Value != v {
				t.Errorf("value = %d, want %d", cfg.Value, v)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for replace %d", v)
		}
	}
}

func TestConfigWatcher_UnchangedContentSkipped(t *testing.T) {
	path := writeTOML(t, "value = 7\n")
	var count atomic.Int32
	w := startWatcher(t, path, loadTestConfig)
	w.OnReload(func(testConfig) { count.Add(1) })

	writeFile(t, path, "value = 7\n")
	time.Sleep(300 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Errorf("handler called %d times for identical content", got)
	}
}

func TestConfigWatcher_IgnoresSiblings(t *testing.T) {
	path := writeTOML(t, "value = 1\n")
	var count atomic.Int32
	w := startWatcher(t, path, loadTestConfig)
	w.OnReload(func(testConfig) { count.Add(1) })

	writeFile(t, filepath.Join(filepath.Dir(path), "devices.toml"), "x = 1\n")
	time.Sleep(300 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Errorf("handler called %d times for a sibling file", got)
	}
}

func TestConfigWatcher_MultipleHandlers(t *testing.T) {
	path := writeTOML(t, "name = \"test\"\nvalue = 1\n")
	var count atomic.Int32
	var mu sync.Mutex
	var configs []testConfig

	w := startWatcher(t, path, loadTestConfig)
	for range 3 {
		w.OnReload(func(cfg testConfig) {
			count.Add(1)
			mu.Lock()
			configs = append(configs, cfg)
			mu.Unlock()
		})
	}

	writeFile(t, path, "name = \"new\"\nvalue = 2\n")
	time.Sleep(300 * time.Millisecond)

	if got := count.Load(); got != 3 {
		t.Errorf("expected 3 handlers called, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, cfg := range configs {
		if cfg.Name != "new" || cfg.Value != 2 {
			t.Errorf("handler %d got wrong config: %+v", i, cfg)
		}
	}
}

func TestConfigWatcher_Unsubscribe(t *testing.T) {
	path := writeTOML(t, "value = 1\n")
	var count1, count2 atomic.Int32
	w := startWatcher(t, path, loadTestConfig)
	w.OnReload(func(testConfig) { count1.Add(1) })
	unsub2 := w.OnReload(func(testConfig) { count2.Add(1) })

	writeFile(t, path, "value = 10\n")
	time.Sleep(300 * time.Millisecond)
	unsub2()

	writeFile(t, path, "value = 20\n")
	time.Sleep(300 * time.Millisecond)

	if got := count1.Load(); got != 2 {
		t.Errorf("handler1: expected 2 calls, got %d", got)
	}
	if got := count2.Load(); got != 1 {
		t.Errorf("handler2: expected 1 call, got %d", got)
	}
}

func TestConfigWatcher_ErrorHandler(t *testing.T) {
	path := writeTOML(t, "name = \"valid\"\nvalue = 1\n")
	errorReceived := make(chan error, 1)
	configReceived := make(chan testConfig, 1)

	w := startWatcher(t, path, loadTestConfig, WithErrorHandler[testConfig](func(err error) {
		errorReceived <- err
	}))
	w.OnReload(func(cfg testConfig) { configReceived <- cfg })

	writeFile(t, path, "invalid toml [[[")

	select {
	case <-errorReceived:
	case <-configReceived:
		t.Fatal("config handler should not be called on error")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error handler")
	}
}

func TestConfigWatcher_Debounce(t *testing.T) {
	path := writeTOML(t, "value = 0\n")
	var count, lastValue atomic.Int32
	w := startWatcher(t, path, loadTestConfig, WithDebounce[testConfig](200*time.Millisecond))
	w.OnReload(func(cfg testConfig) {
		count.Add(1)
		lastValue.Store(int32(cfg.Value))
	})

	for i := 1; i <= 5; i++ {
		writeFile(t, path, fmt.Sprintf("value = %d\n", i))
		time.Sleep(50 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)

	if got := count.Load(); got != 1 {
		t.Errorf("expected 1 debounced call, got %d", got)
	}
	if got := lastValue.Load(); got != 5 {
		t.Errorf("expected final value 5, got %d", got)
	}
}

func TestConfigWatcher_ThreadSafety(t *testing.T) {
	path := writeTOML(t, "value = 0\n")
	w := startWatcher(t, path, loadTestConfig, WithDebounce[testConfig](10*time.Millisecond))

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := w.OnReload(func(testConfig) {})
			time.Sleep(time.Millisecond)
			unsub()
		}()
	}
	for i := range 10 {
		writeFile(t, path, fmt.Sprintf("value = %d\n", i+1))
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()
}

func TestConfigWatcher_Stop(t *testing.T) {
	path := writeTOML(t, "value = 1\n")
	var count atomic.Int32
	w := NewConfigWatcher(path, loadTestConfig, newTestLogger(), WithDebounce[testConfig](50*time.Millisecond))
	w.OnReload(func(testConfig) { count.Add(1) })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, "value = 99\n")
	time.Sleep(200 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Errorf("expected 0 calls after stop, got %d", got)
	}
}

func TestConfigWatcher_RoutingReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.toml")
	if err := SaveRouting(path, route.DefaultSettings()); err != nil {
		t.Fatal(err)
	}
	received := make(chan route.Settings, 1)
	w := startWatcher(t, path, LoadRouting)
	w.OnReload(func(s route.Settings) { received <- s })

	next := route.DefaultSettings()
	next.Priority = []string{"tcp"}
	if err := SaveRouting(path, next); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-received:
		if len(s.Priority) != 1 || s.Priority[0] != "tcp" {
			t.Errorf("priority = %v", s.Priority)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for routing reload")
	}
}
