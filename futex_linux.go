//go:build linux

package handoff

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The channel lives in a MAP_SHARED mapping used by several processes, so the
// futex operations must not use FUTEX_PRIVATE_FLAG.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

// futexWait blocks while *addr == val, for at most timeout. It returns early on
// a wake, a signal, or if *addr no longer holds val. Callers always re-check
// their own predicate, so the reason for returning is not reported.
func futexWait(addr *uint32, val uint32, timeout time.Duration) {
	ts := unix.NsecToTimespec(int64(timeout))
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0, 0)
}

// futexWake wakes up to n waiters blocked on addr.
func futexWake(addr *uint32, n int) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0, 0, 0)
}
