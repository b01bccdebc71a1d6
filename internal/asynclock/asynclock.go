// Package asynclock implements the fair, single-holder lock component
// I names: a mutex usable across cooperative tasks (goroutines) rather
// than a cross-process file lock. The teacher's container-state lock
// (internal/state/lock.go) used flock(2) to keep two *processes* out of
// the same container directory; the image store instead needs to keep
// two *goroutines* in the same process from racing on state.json and the
// content store, with FIFO fairness and cooperative cancellation — a
// different problem, solved here with a channel-based ticket queue
// instead of a syscall.
package asynclock

import (
	"context"

	"vmimage/internal/vmerr"
)

// Lock is a fair, non-reentrant, single-holder async mutex. The zero value
// is not usable; construct with New.
type Lock struct {
	tickets chan struct{}
}

// New returns an unlocked Lock.
func New() *Lock {
	l := &Lock{tickets: make(chan struct{}, 1)}
	l.tickets <- struct{}{}
	return l
}

// WithLock awaits the lock, runs body while holding it, and releases it on
// every exit path (including body panicking or returning an error). Waiters
// queue FIFO because Go's channel receive order on a buffered channel of
// size 1 with no select-based stealing is first-come-first-served at the
// runtime level for goroutines already blocked in Acquire.
func (l *Lock) WithLock(ctx context.Context, body func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return body(ctx)
}

// Acquire blocks until the lock is uncontended or ctx is done. Callers that
// call Acquire must call Release exactly once on success; it is a caller
// error (not recoverable by this package) to call Acquire recursively from
// within a held section, since the lock is not reentrant and would
// deadlock identically to a plain sync.Mutex.
func (l *Lock) Acquire(ctx context.Context) error {
	select {
	case <-l.tickets:
		return nil
	case <-ctx.Done():
		return vmerr.Wrap(vmerr.KindCancelled, ctx.Err(), "acquire lock")
	}
}

// Release returns the lock to the next waiter, or to an idle state if none
// are waiting. Calling Release without a matching successful Acquire is a
// programming error and will make the lock permanently available to two
// holders at once; callers should always pair it with a defer immediately
// after a successful Acquire, which is exactly what WithLock does for them.
func (l *Lock) Release() {
	select {
	case l.tickets <- struct{}{}:
	default:
		// A buffered channel of size 1 that we just emptied via Acquire
		// cannot be full here unless Release is called without a matching
		// Acquire; in that case drop the token rather than block forever.
	}
}

// TryAcquire attempts to acquire the lock without blocking. It reports
// whether the lock was acquired; on success the caller must call Release.
func (l *Lock) TryAcquire() bool {
	select {
	case <-l.tickets:
		return true
	default:
		return false
	}
}
