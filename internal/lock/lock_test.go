package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

// exercise runs n goroutines that each increment a shared counter under the
// lock with a deliberate read/sleep/write gap
func exercise(t *testing.T, l Locker, n int) int {
	t.Helper()
	ctx := context.Background()
	counter := 0
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Lock(ctx)
			if err != nil {
				errs <- err
				return
			}
			v := counter
			time.Sleep(time.Millisecond)
			counter = v + 1
			if err := lease.Release(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("lock error = %v", err)
	}
	return counter
}

func TestFileLocker_MutualExclusion(t *testing.T) {
	l := NewFileLocker(filepath.Join(t.TempDir(), "index.lock"), time.Minute)
	if got := exercise(t, l, 10); got != 10 {
		t.Errorf("counter = %d, want 10 (lost updates)", got)
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file should be gone after release, stat error = %v", err)
	}
}

func TestFileLocker_BreaksStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.lock")
	if err := os.WriteFile(path, []byte("crashed"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	l := NewFileLocker(path, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lease, err := l.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestFileLocker_ContextTimeout(t *testing.T) {
	l := NewFileLocker(filepath.Join(t.TempDir(), "index.lock"), time.Minute)
	ctx := context.Background()
	lease, err := l.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer lease.Release(ctx)

	tctx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(tctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lock() error = %v, want deadline exceeded", err)
	}
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	l := NewRedisLocker(client, "genvault:index:lock", 10*time.Second)
	if got := exercise(t, l, 10); got != 10 {
		t.Errorf("counter = %d, want 10 (lost updates)", got)
	}
	if mr.Exists("genvault:index:lock") {
		t.Error("lock key should be deleted after release")
	}
}

func TestRedisLocker_ReleaseAfterExpiry(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	l := NewRedisLocker(client, "genvault:index:lock", time.Second)
	lease, err := l.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	mr.FastForward(2 * time.Second)
	// someone else takes it
	other, err := l.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	if err := lease.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Errorf("Release() of expired lease error = %v, want ErrNotHeld", err)
	}
	if err := other.Release(ctx); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}
