package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestDirWatcher_ReportsCreateAndRemove(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	seen := make(map[string]int)
	w := New(dir, func(names []string) {
		mu.Lock()
		defer mu.Unlock()
		for _, n := range names {
			seen[n]++
		}
	}, WithDebounce(20*time.Millisecond))

	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "260101_output_001.png")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["260101_output_001.png"] > 0
	})

	mu.Lock()
	before := seen["260101_output_001.png"]
	mu.Unlock()

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["260101_output_001.png"] > before
	})
}

func TestDirWatcher_StopIsIdempotent(t *testing.T) {
	w := New(t.TempDir(), func([]string) {})
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	// fsnotify reports an error closing twice on some platforms; only the
	// goroutine shutdown must not block or panic
	_ = w.Stop()
}

func TestDirWatcher_StartFailsForMissingDir(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing"), func([]string) {})
	if err := w.Start(); err == nil {
		w.Stop()
		t.Fatal("Start() expected error for missing directory")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
