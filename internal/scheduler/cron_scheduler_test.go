package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/genvault/internal/lock"
)

func setupCronScheduler(t *testing.T) (*CronScheduler, *Registry) {
	t.Helper()
	registry := NewRegistry()
	return NewCronScheduler(registry, 20*time.Millisecond), registry
}

func TestCronScheduler_RunNow(t *testing.T) {
	cs, registry := setupCronScheduler(t)
	var runs int32
	cs.Handle("reconcile", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	registry.MustRegister(&Schedule{ID: "reconcile", Cron: "@every 15m", Task: "reconcile", Enabled: true})

	if err := cs.RunNow(context.Background(), "reconcile"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}

	st := cs.GetState("reconcile")
	if st.RunCount != 1 || st.LastSuccess.IsZero() || st.LastError != "" {
		t.Errorf("state = %+v", st)
	}
	if !st.NextRun.After(st.LastRun) {
		t.Errorf("NextRun %v not after LastRun %v", st.NextRun, st.LastRun)
	}

	if err := cs.RunNow(context.Background(), "missing"); err == nil {
		t.Error("RunNow() expected error for unknown schedule")
	}
}

func TestCronScheduler_TaskErrorRecorded(t *testing.T) {
	cs, registry := setupCronScheduler(t)
	fail := true
	cs.Handle("flaky", func(ctx context.Context) error {
		if fail {
			return errors.New("disk unavailable")
		}
		return nil
	})
	registry.MustRegister(&Schedule{ID: "flaky", Cron: "@hourly", Task: "flaky", Enabled: true})

	if err := cs.RunNow(context.Background(), "flaky"); err == nil {
		t.Fatal("RunNow() expected task error")
	}
	if st := cs.GetState("flaky"); st.LastError != "disk unavailable" || !st.LastSuccess.IsZero() {
		t.Errorf("state after failure = %+v", st)
	}

	fail = false
	if err := cs.RunNow(context.Background(), "flaky"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	st := cs.GetState("flaky")
	if st.LastError != "" || st.RunCount != 2 {
		t.Errorf("state after success = %+v", st)
	}
}

func TestCronScheduler_RecoversPanics(t *testing.T) {
	cs, registry := setupCronScheduler(t)
	cs.Handle("boom", func(ctx context.Context) error { panic("nil map") })
	registry.MustRegister(&Schedule{ID: "boom", Cron: "@hourly", Task: "boom", Enabled: true})

	if err := cs.RunNow(context.Background(), "boom"); err == nil {
		t.Fatal("RunNow() expected error from panicking task")
	}
	if st := cs.GetState("boom"); st.LastError == "" {
		t.Error("panic not recorded in state")
	}
}

func TestCronScheduler_UnregisteredTask(t *testing.T) {
	cs, registry := setupCronScheduler(t)
	registry.MustRegister(&Schedule{ID: "orphan", Cron: "@hourly", Task: "nobody", Enabled: true})

	if err := cs.RunNow(context.Background(), "orphan"); err == nil {
		t.Error("RunNow() expected error for unregistered task")
	}
}

func TestCronScheduler_IsDue(t *testing.T) {
	cs, registry := setupCronScheduler(t)
	cs.Handle("t", func(ctx context.Context) error { return nil })
	schedule := &Schedule{ID: "hourly", Cron: "0 * * * *", Task: "t", Enabled: true}
	registry.MustRegister(schedule)

	now := time.Now()
	if !cs.isDue(schedule, now) {
		t.Error("never-run schedule should be due")
	}

	cs.record(schedule, now, nil)
	if cs.isDue(schedule, now) {
		t.Error("schedule should not be due right after running")
	}
	if !cs.isDue(schedule, now.Add(61*time.Minute)) {
		t.Error("schedule should be due an hour later")
	}
}

func TestCronScheduler_TickSkipsDisabled(t *testing.T) {
	cs, registry := setupCronScheduler(t)
	var enabled, disabled int32
	cs.Handle("on", func(ctx context.Context) error { atomic.AddInt32(&enabled, 1); return nil })
	cs.Handle("off", func(ctx context.Context) error { atomic.AddInt32(&disabled, 1); return nil })
	registry.MustRegister(&Schedule{ID: "on", Cron: "@hourly", Task: "on", Enabled: true})
	registry.MustRegister(&Schedule{ID: "off", Cron: "@hourly", Task: "off", Enabled: false})

	cs.tick(context.Background())
	cs.tick(context.Background())

	if enabled != 1 {
		t.Errorf("enabled runs = %d, want 1", enabled)
	}
	if disabled != 0 {
		t.Errorf("disabled runs = %d, want 0", disabled)
	}
}

func TestCronScheduler_LockSkipsConcurrentRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reconcile.lock")
	held := lock.NewFileLocker(path, time.Minute)
	lease, err := held.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer lease.Release(context.Background())

	cs, registry := setupCronScheduler(t)
	cs.SetLockWait(50 * time.Millisecond)
	cs.SetLocker(func(id string) lock.Locker { return lock.NewFileLocker(path, time.Minute) })
	var runs int32
	cs.Handle("t", func(ctx context.Context) error { atomic.AddInt32(&runs, 1); return nil })
	registry.MustRegister(&Schedule{ID: "locked", Cron: "@hourly", Task: "t", Enabled: true})

	if err := cs.RunNow(context.Background(), "locked"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if runs != 0 {
		t.Errorf("runs = %d while lock held, want 0", runs)
	}
}

func TestCronScheduler_RedisLockSingleRunner(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	registry := NewRegistry()
	registry.MustRegister(&Schedule{ID: "reconcile", Cron: "@hourly", Task: "t", Enabled: true})

	var running, overlap int32
	task := func(ctx context.Context) error {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		cs := NewCronScheduler(registry, time.Second)
		cs.SetLocker(func(id string) lock.Locker {
			return lock.NewRedisLocker(client, "genvault:schedule_lock:"+id, 5*time.Second)
		})
		cs.Handle("t", task)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cs.RunNow(context.Background(), "reconcile")
		}()
	}
	wg.Wait()

	if overlap != 0 {
		t.Error("two instances ran the schedule at the same time")
	}
}

func TestCronScheduler_StartStop(t *testing.T) {
	cs, registry := setupCronScheduler(t)
	var runs int32
	cs.Handle("t", func(ctx context.Context) error { atomic.AddInt32(&runs, 1); return nil })
	registry.MustRegister(&Schedule{ID: "s", Cron: "@every 1h", Task: "t", Enabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cs.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&runs) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start() did not return after cancel")
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
}
