// Package sync provides synchronization primitive implementations for the
// kernel allocators.
package sync

import "sync/atomic"

// attemptsBeforeYielding defines how many times Acquire spins on a held lock
// before handing the CPU over via yieldFn.
const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by spinning tasks once attemptsBeforeYielding is
	// reached. It stays nil until the scheduler registers a yield function.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := 0; !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempts++ {
		if attempts == attemptsBeforeYielding {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
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

// SetYieldFn registers the function that spinning tasks use to give up the
// CPU.
func SetYieldFn(fn func()) {
	yieldFn = fn
}
