// Package sync provides synchronization primitives that work without a
// scheduler.
package sync

import "sync/atomic"

// attemptsBeforeYielding is the number of failed acquisition attempts after
// which Acquire invokes yieldFn (if set).
const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by Acquire between bursts of failed attempts. It
	// stays nil until there is a scheduler to yield to.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked Spinlock.
//
// Spinlock is not reentrant: any attempt to re-acquire a lock already held by
// the current task will cause a deadlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for {
		for attempt := 0; attempt < attemptsBeforeYielding; attempt++ {
			if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
				return
			}
		}

		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
