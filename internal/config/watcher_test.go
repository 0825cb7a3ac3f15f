package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smazurov/procwatch/internal/logstream"
	"github.com/smazurov/procwatch/internal/monitor"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startPolicyWatcher(t *testing.T, path string, opts ...WatcherOption[monitor.FilterPolicy]) *Watcher[monitor.FilterPolicy] {
	t.Helper()
	opts = append([]WatcherOption[monitor.FilterPolicy]{WithDebounce[monitor.FilterPolicy](30 * time.Millisecond)}, opts...)
	w := NewWatcher(path, LoadFilterPolicy, newTestLogger(), opts...)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := w.Stop(); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return w
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reload")
		var zero T
		return zero
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeFile(t, "filters.toml", `default = ["error"]`)
	w := startPolicyWatcher(t, path)

	got := make(chan monitor.FilterPolicy, 1)
	w.OnReload(func(p monitor.FilterPolicy) { got <- p })

	if err := os.WriteFile(path, []byte(`default = ["warn"]`), 0o644); err != nil {
		t.Fatal(err)
	}

	p := receive(t, got)
	if len(p.Default) != 1 || p.Default[0] != logstream.LevelWarn {
		t.Errorf("Default = %v, want [warn]", p.Default)
	}
}

func TestWatcherReloadsOnAtomicReplace(t *testing.T) {
	path := writeFile(t, "filters.toml", `default = ["error"]`)
	w := startPolicyWatcher(t, path)

	got := make(chan monitor.FilterPolicy, 1)
	w.OnReload(func(p monitor.FilterPolicy) { got <- p })

	tmp := filepath.Join(filepath.Dir(path), ".filters.toml.swp")
	if err := os.WriteFile(tmp, []byte(`default = ["debug"]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	p := receive(t, got)
	if len(p.Default) != 1 || p.Default[0] != logstream.LevelDebug {
		t.Errorf("Default = %v, want [debug]", p.Default)
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	path := writeFile(t, "filters.toml", `default = ["error"]`)
	w := startPolicyWatcher(t, path)

	var calls atomic.Int32
	w.OnReload(func(monitor.FilterPolicy) { calls.Add(1) })

	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other.toml"), []byte("x = 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	if n := calls.Load(); n != 0 {
		t.Errorf("handler called %d times for an unrelated file", n)
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	path := writeFile(t, "filters.toml", `default = ["error"]`)
	w := startPolicyWatcher(t, path, WithDebounce[monitor.FilterPolicy](150*time.Millisecond))

	var calls atomic.Int32
	w.OnReload(func(monitor.FilterPolicy) { calls.Add(1) })

	for range 5 {
		if err := os.WriteFile(path, []byte(`default = ["info"]`), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)

	if n := calls.Load(); n != 1 {
		t.Errorf("handler called %d times, want 1", n)
	}
}

func TestWatcherErrorHandlerKeepsHandlersQuiet(t *testing.T) {
	path := writeFile(t, "filters.toml", `default = ["error"]`)
	errs := make(chan error, 1)
	w := startPolicyWatcher(t, path, WithErrorHandler[monitor.FilterPolicy](func(err error) { errs <- err }))

	var calls atomic.Int32
	w.OnReload(func(monitor.FilterPolicy) { calls.Add(1) })

	if err := os.WriteFile(path, []byte(`default = ["shout"]`), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := receive(t, errs); err == nil {
		t.Error("error handler received nil")
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("handler called %d times after a failed load", n)
	}
}

func TestWatcherUnsubscribe(t *testing.T) {
	path := writeFile(t, "filters.toml", `default = ["error"]`)
	w := startPolicyWatcher(t, path)

	var removed atomic.Int32
	unsub := w.OnReload(func(monitor.FilterPolicy) { removed.Add(1) })
	kept := make(chan monitor.FilterPolicy, 1)
	w.OnReload(func(p monitor.FilterPolicy) { kept <- p })
	unsub()

	if err := os.WriteFile(path, []byte(`default = ["info"]`), 0o644); err != nil {
		t.Fatal(err)
	}
	receive(t, kept)

	if n := removed.Load(); n != 0 {
		t.Errorf("removed handler called %d times", n)
	}
}

func TestWatcherStartMissingDirectory(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "nope", "filters.toml"), LoadFilterPolicy, newTestLogger())
	if err := w.Start(); err == nil {
		_ = w.Stop()
		t.Fatal("Start() succeeded for a missing directory")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := writeFile(t, "filters.toml", `default = ["error"]`)
	w := NewWatcher(path, func(string) (int, error) { return 0, errors.New("unused") }, newTestLogger())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("first Stop() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
