// Package locker provides TTL-leased distributed mutual exclusion.
//
// Acquisition is always try-acquire: a lock that is already held is an
// answer ("duplicate in progress" / "number taken"), not a condition to
// wait on. Every lease carries a fencing token so a release after TTL
// expiry can never delete a lock re-acquired by someone else.
package locker

import (
	"context"
	"time"
)

// Locker is the distributed mutex consumed by numbering and payment
// collection. Implementations must be safe for concurrent use.
type Locker interface {
	// TryAcquire attempts to take the lock without blocking. It returns
	// the release token and true when the lock was taken, or false when
	// another holder owns it.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// Release releases the lock identified by key if token still owns it.
	// Releasing an expired or foreign lease is a no-op.
	Release(ctx context.Context, key, token string) error
}
