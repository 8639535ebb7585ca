// Package lock provides the per-execution mutual exclusion used by the graph
// updater. A nil Lock with a nil error means the key is held elsewhere.
package lock

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultLease is how long a lock is held before it expires on its own.
	DefaultLease = 10 * time.Second
	// DefaultWait bounds WaitToAcquire.
	DefaultWait = 30 * time.Second

	minPoll = 20 * time.Millisecond
	maxPoll = 500 * time.Millisecond
)

// ErrLeaseLost is returned by Extend once the holder no longer owns the lock.
var ErrLeaseLost = errors.New("lock lease lost")

// Key names a lock. Build keys with the constructors below.
type Key string

// GraphLockKey is the key serializing graph updates of one execution.
func GraphLockKey(executionID string) Key {
	return Key("graph-lock-" + executionID)
}

// Lock is a held lock. Release is safe to call more than once.
type Lock interface {
	Key() Key
	// Extend pushes the expiry to lease from now. It fails with ErrLeaseLost
	// after a release or once another caller took the key over.
	Extend(ctx context.Context, lease time.Duration) error
	Release(ctx context.Context) error
}

// Provider acquires locks.
type Provider interface {
	// TryAcquire returns immediately; nil, nil on contention.
	TryAcquire(ctx context.Context, key Key, lease time.Duration) (Lock, error)
	// WaitToAcquire polls until the lock is taken or wait elapses; nil, nil on timeout.
	WaitToAcquire(ctx context.Context, key Key, wait, lease time.Duration) (Lock, error)
}

// pollAcquire retries try with a growing interval until it yields a lock,
// fails, the wait elapses or ctx is done. An elapsed wait is not an error.
func pollAcquire(ctx context.Context, wait time.Duration, try func() (Lock, error)) (Lock, error) {
	deadline := time.Now().Add(wait)
	interval := minPoll
	for {
		l, err := try()
		if err != nil || l != nil {
			return l, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := min(interval, remaining)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		interval = min(interval*2, maxPoll)
	}
}
