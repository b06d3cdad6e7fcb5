// Package scheduler runs the periodic maintenance tasks of the result store,
// such as reconciling the metadata index against the files on disk.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/muaviaUsmani/genvault/internal/errors"
	"github.com/muaviaUsmani/genvault/internal/lock"
	"github.com/muaviaUsmani/genvault/internal/logger"
)

// LockerFunc returns the cross-process lock guarding one schedule
type LockerFunc func(scheduleID string) lock.Locker

// CronScheduler manages periodic task execution
type CronScheduler struct {
	registry *Registry
	interval time.Duration
	lockWait time.Duration
	lockerFn LockerFunc
	log      logger.Logger

	mu     sync.RWMutex
	tasks  map[string]TaskFunc
	states map[string]*ScheduleState
}

// NewCronScheduler creates a new cron scheduler that checks the registry
// every interval
func NewCronScheduler(registry *Registry, interval time.Duration) *CronScheduler {
	return &CronScheduler{
		registry: registry,
		interval: interval,
		lockWait: 2 * time.Second,
		tasks:    make(map[string]TaskFunc),
		states:   make(map[string]*ScheduleState),
		log:      logger.Default().WithComponent(logger.ComponentScheduler),
	}
}

// SetLocker makes every run take the schedule's lock first, so only one
// process sharing the storage runs a schedule at a time
func (cs *CronScheduler) SetLocker(fn LockerFunc) {
	cs.lockerFn = fn
}

// SetLockWait bounds how long a run waits for its lock before skipping
func (cs *CronScheduler) SetLockWait(d time.Duration) {
	cs.lockWait = d
}

// Handle registers the function behind a task name
func (cs *CronScheduler) Handle(task string, fn TaskFunc) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.tasks[task] = fn
}

// Start begins the cron scheduler loop and blocks until ctx is done
func (cs *CronScheduler) Start(ctx context.Context) {
	cs.log.Info("Cron scheduler started",
		"interval", cs.interval,
		"schedules", cs.registry.Count())

	ticker := time.NewTicker(cs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cs.log.Info("Cron scheduler stopping")
			return
		case <-ticker.C:
			cs.tick(ctx)
		}
	}
}

// tick checks all schedules and runs due ones
func (cs *CronScheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, schedule := range cs.registry.List() {
		if !schedule.Enabled {
			continue
		}
		if cs.isDue(schedule, now) {
			cs.executeSchedule(ctx, schedule, now)
		}
	}
}

// isDue checks if a schedule should run now. A schedule that never ran is due.
func (cs *CronScheduler) isDue(schedule *Schedule, now time.Time) bool {
	state := cs.state(schedule.ID)
	if state.LastRun.IsZero() {
		return true
	}

	nextRun, err := cs.registry.NextRun(schedule, state.LastRun)
	if err != nil {
		cs.log.Error("Failed to calculate next run",
			"schedule_id", schedule.ID,
			"error", err)
		return false
	}

	// 1-second buffer to account for tick timing
	return !now.Before(nextRun.Add(-1 * time.Second))
}

// RunNow runs a registered schedule immediately regardless of its timing
func (cs *CronScheduler) RunNow(ctx context.Context, scheduleID string) error {
	schedule, ok := cs.registry.Get(scheduleID)
	if !ok {
		return fmt.Errorf("schedule %s not found", scheduleID)
	}
	return cs.executeSchedule(ctx, schedule, time.Now())
}

// executeSchedule runs one schedule under its lock and records the outcome
func (cs *CronScheduler) executeSchedule(ctx context.Context, schedule *Schedule, now time.Time) (err error) {
	cs.mu.RLock()
	task, ok := cs.tasks[schedule.Task]
	cs.mu.RUnlock()
	if !ok {
		err = fmt.Errorf("task %s not registered", schedule.Task)
		cs.log.Error("Scheduled task missing", "schedule_id", schedule.ID, "task", schedule.Task)
		cs.record(schedule, now, err)
		return err
	}

	if cs.lockerFn != nil {
		waitCtx, cancel := context.WithTimeout(ctx, cs.lockWait)
		lease, lerr := cs.lockerFn(schedule.ID).Lock(waitCtx)
		cancel()
		if lerr != nil {
			if errors.Is(lerr, context.DeadlineExceeded) {
				cs.log.Debug("Schedule already locked by another instance", "schedule_id", schedule.ID)
				return nil
			}
			cs.log.Error("Failed to acquire schedule lock", "schedule_id", schedule.ID, "error", lerr)
			return lerr
		}
		defer func() {
			if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
				cs.log.Warn("Failed to release schedule lock", "schedule_id", schedule.ID, "error", rerr)
			}
		}()
	}

	start := time.Now()
	err = cs.runTask(ctx, task)
	cs.record(schedule, now, err)

	if err != nil {
		cs.log.Error("Scheduled task failed",
			"schedule_id", schedule.ID,
			"task", schedule.Task,
			"error", err)
		return err
	}

	cs.log.Info("Scheduled task completed",
		"schedule_id", schedule.ID,
		"task", schedule.Task,
		"duration_ms", time.Since(start).Milliseconds(),
		"description", schedule.Description)
	return nil
}

// runTask converts a panicking task into an error so one bad run does not
// take the loop down
func (cs *CronScheduler) runTask(ctx context.Context, task TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := apperrors.Recover(r)
			cs.log.Error("Scheduled task panicked", "panic", apperrors.FormatPanicForLog(perr))
			err = perr
		}
	}()
	return task(ctx)
}

func (cs *CronScheduler) record(schedule *Schedule, now time.Time, err error) {
	nextRun, nerr := cs.registry.NextRun(schedule, now)
	if nerr != nil {
		nextRun = time.Time{}
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	st, ok := cs.states[schedule.ID]
	if !ok {
		st = &ScheduleState{ID: schedule.ID}
		cs.states[schedule.ID] = st
	}
	st.LastRun = now
	st.NextRun = nextRun
	st.RunCount++
	if err != nil {
		st.LastError = err.Error()
		return
	}
	st.LastError = ""
	st.LastSuccess = now
}

func (cs *CronScheduler) state(id string) ScheduleState {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if st, ok := cs.states[id]; ok {
		return *st
	}
	return ScheduleState{ID: id}
}

// GetState returns a copy of the runtime state of a schedule
func (cs *CronScheduler) GetState(scheduleID string) ScheduleState {
	return cs.state(scheduleID)
}
