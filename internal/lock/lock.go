// Package lock provides the cross-process mutual exclusion primitive that
// guarantees at most one migration runner per logical subject.
package lock

import (
	"context"
	"fmt"
	"time"
)

// Lease is time-bounded ownership of a lock. A holder must refresh the
// lease at an interval strictly shorter than its duration or lose it.
type Lease struct {
	LockID     string
	HolderID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Store acquires, refreshes and releases migration locks.
type Store interface {
	// Acquire blocks up to timeout attempting to obtain an unexpired lock
	// row. An expired lock is treated as abandoned and stolen. Returns
	// *HeldError when a live holder owns the lock at the deadline.
	Acquire(ctx context.Context, lockID, holderID string, timeout time.Duration) (*Lease, error)

	// Refresh extends the lease expiry. Fails if the lease was lost.
	Refresh(ctx context.Context, lease *Lease) error

	// Release deletes the lock row. Idempotent.
	Release(ctx context.Context, lease *Lease) error

	Close() error
}

// HeldError reports that another holder owns the lock. Callers back off or
// inspect the holder; the engine never silently proceeds past it.
type HeldError struct {
	LockID   string
	HolderID string
	HeldFor  time.Duration
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock %q is held by %q (held for %s)", e.LockID, e.HolderID, e.HeldFor.Round(time.Second))
}
