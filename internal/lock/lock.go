// Package lock serializes reconciliation runs per key, in process or across
// instances sharing a Redis server.
package lock

import "context"

// Release frees a held lock. It is safe to call more than once.
type Release func()

// Locker acquires exclusive locks by key. Lock blocks until the lock is held
// or ctx is done. The returned context is cancelled when the lock is lost or
// released, and should be used for the work done under the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (context.Context, Release, error)
}
