//go:build !linux

package handoff

import (
	"sync/atomic"
	"time"
)

// Without futexes, waiters poll the word. This is only correct because every
// wait in this package is bounded and re-checks its predicate.
const futexPollInterval = time.Millisecond

func futexWait(addr *uint32, val uint32, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(addr) == val && time.Now().Before(deadline) {
		time.Sleep(futexPollInterval)
	}
}

func futexWake(addr *uint32, n int) {}
