package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/execgraph/internal/lock"
)

// leaseKeeper extends a held graph lock once half of its lease has passed.
// A nil keeper does nothing.
type leaseKeeper struct {
	lock      lock.Lock
	lease     time.Duration
	renewedAt time.Time
}

func newLeaseKeeper(l lock.Lock, lease time.Duration) *leaseKeeper {
	return &leaseKeeper{lock: l, lease: lease, renewedAt: time.Now()}
}

// keep is called between units of work and before every write. Once it
// fails the holder must abandon the cycle without writing.
func (k *leaseKeeper) keep(ctx context.Context) error {
	if k == nil {
		return nil
	}
	if time.Since(k.renewedAt) < k.lease/2 {
		return nil
	}
	if err := k.lock.Extend(ctx, k.lease); err != nil {
		return fmt.Errorf("keep %s: %w", k.lock.Key(), err)
	}
	k.renewedAt = time.Now()
	return nil
}
