// Package lease provides short-lived exclusive leases keyed by (project, section).
// Leases guard status transitions and folds across stateless API instances.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lease held")

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

type Lease struct {
	Key     string
	Token   string
	release func(context.Context) error
}

// Release gives the lease back. Releasing an expired or stolen lease is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	return l.release(ctx)
}

func SectionKey(kind, projectID, sectionID string) string {
	return fmt.Sprintf("%s:%s:%s", kind, projectID, sectionID)
}

// AcquireWait polls until the lease is acquired, wait elapses, or ctx ends.
func AcquireWait(ctx context.Context, locker Locker, key string, ttl, wait time.Duration) (*Lease, error) {
	deadline := time.Now().Add(wait)
	for {
		held, err := locker.Acquire(ctx, key, ttl)
		if err == nil {
			return held, nil
		}
		if !errors.Is(err, ErrHeld) || time.Now().After(deadline) {
			return nil, err
		}
		timer := time.NewTimer(50 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
