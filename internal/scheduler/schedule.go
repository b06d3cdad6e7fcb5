package scheduler

import (
	"context"
	"time"
)

// TaskFunc is the work a schedule runs
type TaskFunc func(ctx context.Context) error

// Schedule represents a periodic maintenance task
type Schedule struct {
	// ID is a unique identifier for the schedule
	ID string

	// Cron expression: standard 5-field or a descriptor
	// Examples:
	//   "0 * * * *"     - Every hour at minute 0
	//   "*/15 * * * *"  - Every 15 minutes
	//   "@every 15m"    - Every 15 minutes from the last run
	//   "@daily"        - Once a day at midnight
	Cron string

	// Task name (must be registered with the scheduler via Handle)
	Task string

	// Timezone for cron evaluation (default: UTC)
	// Must be a valid IANA timezone (e.g., "America/New_York", "UTC")
	Timezone string

	// Enabled flag (allows disabling without removing)
	Enabled bool

	// Description for logging/monitoring
	Description string
}

// ScheduleState represents the runtime state of a schedule
type ScheduleState struct {
	ID          string
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	LastError   string
	LastSuccess time.Time
}
