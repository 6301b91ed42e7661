package driven

import (
	"context"
	"time"
)

// DistributedLock provides named locks shared across worker instances.
// The pipeline takes one per work item so that at-least-once redelivery
// never runs the same item on two workers at the same time.
type DistributedLock interface {
	// Acquire takes name for ttl. It reports false without error when a
	// live holder exists; an expired holder is replaced.
	Acquire(ctx context.Context, name string, ttl time.Duration) (acquired bool, err error)

	// Release drops name if this instance holds it. Releasing a lock that
	// expired or was taken over is not an error.
	Release(ctx context.Context, name string) error

	// Extend pushes the expiry of a held lock to now+ttl. It fails when the
	// lock is no longer held by this instance.
	Extend(ctx context.Context, name string, ttl time.Duration) error

	Ping(ctx context.Context) error
}
