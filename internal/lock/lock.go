// Package lock provides the mutual exclusion used around read-modify-write
// cycles of shared on-disk state such as the legacy metadata index.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned when releasing a lease that is no longer owned
var ErrNotHeld = errors.New("lock no longer held")

// Locker hands out exclusive leases on one named resource
type Locker interface {
	// Lock blocks until the lease is acquired or ctx is done
	Lock(ctx context.Context) (Lease, error)
}

// Lease is a held lock
type Lease interface {
	Release(ctx context.Context) error
}

const defaultRetryInterval = 25 * time.Millisecond

// wait sleeps for d or returns ctx's error
func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
