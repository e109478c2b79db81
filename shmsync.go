package handoff

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// lockSlice bounds each futex wait while acquiring the channel mutex so that a
// canceled context is noticed even if the holder never releases it.
const lockSlice = 100 * time.Millisecond

// shmMutex is a mutex whose state is a single word in shared memory, usable by
// every process that maps the word. The word is 0 when unlocked, 1 when locked
// and 2 when locked with possible waiters.
type shmMutex struct {
	word *uint32
}

func (m shmMutex) tryLock() bool {
	return atomic.CompareAndSwapUint32(m.word, 0, 1)
}

func (m shmMutex) lock() {
	if m.tryLock() {
		return
	}
	for atomic.SwapUint32(m.word, 2) != 0 {
		futexWait(m.word, 2, lockSlice)
	}
}

// lockContext is lock, but gives up when ctx is done.
func (m shmMutex) lockContext(ctx context.Context) error {
	if m.tryLock() {
		return nil
	}
	for atomic.SwapUint32(m.word, 2) != 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		futexWait(m.word, 2, lockSlice)
	}
	return nil
}

func (m shmMutex) unlock() {
	if atomic.AddUint32(m.word, ^uint32(0)) != 0 {
		atomic.StoreUint32(m.word, 0)
		futexWake(m.word, 1)
	}
}

// forceUnlock releases the mutex regardless of who holds it. It exists for
// tearing down a channel whose holder may have died inside a critical section.
func (m shmMutex) forceUnlock() {
	atomic.StoreUint32(m.word, 0)
	futexWake(m.word, math.MaxInt32)
}

// shmCond is a condition variable whose state is a sequence word in shared
// memory. Waiters sleep while the sequence is unchanged; every notify bumps it.
type shmCond struct {
	seq *uint32
}

// wait releases m, sleeps until notified or for at most d, and reacquires m.
// Like any condition variable it may return spuriously.
func (c shmCond) wait(m shmMutex, d time.Duration) {
	seq := atomic.LoadUint32(c.seq)
	m.unlock()
	futexWait(c.seq, seq, d)
	m.lock()
}

// broadcast wakes every waiter. Both roles, and a follower queued behind
// another follower's handshake, wait on the same variable, so waking a single
// waiter could wake the wrong one.
func (c shmCond) broadcast() {
	atomic.AddUint32(c.seq, 1)
	futexWake(c.seq, math.MaxInt32)
}
