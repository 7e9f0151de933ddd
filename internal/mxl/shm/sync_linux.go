package shm

// Cross-process wait/wake on a 32-bit word in shared memory.
//
// The flow protocol parks readers on the header's sync counter with
// FUTEX_WAIT_BITSET and wakes them from the writer with FUTEX_WAKE. Futexes
// are the only primitive that satisfies all three constraints at once:
// they work across processes on a MAP_SHARED page, they do not require
// write permission on the mapping, and the kernel is only entered on actual
// contention.
//
// The race-free reader pattern is:
//
//	sync := atomic load of the counter (acquire)
//	re-check the availability predicate
//	WaitUntilChanged(&counter, sync, deadline)
//
// Loading the counter before the predicate closes the lost-wake window: if
// the writer publishes between the two steps, the futex value no longer
// matches and the wait returns immediately.

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// WaitUntilChanged parks the calling thread until the value at addr differs
// from expected, the absolute deadline elapses, or a spurious wakeup occurs.
// A zero deadline waits forever. Returns true when the caller should
// re-check state (woken, value already changed, or interrupted) and false
// on timeout. Safe to call on read-only mappings.
func WaitUntilChanged(addr *uint32, expected uint32, deadline time.Time) bool {
	var tsp *unix.Timespec
	var ts unix.Timespec
	if !deadline.IsZero() {
		ts = unix.NsecToTimespec(deadline.UnixNano())
		tsp = &ts
	}
	op := uintptr(unix.FUTEX_WAIT_BITSET | unix.FUTEX_CLOCK_REALTIME)
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		op,
		uintptr(expected),
		uintptr(unsafe.Pointer(tsp)),
		0,
		uintptr(unix.FUTEX_BITSET_MATCH_ANY))
	switch errno {
	case 0:
		return true
	case unix.EAGAIN:
		// Value no longer matched expected; it already changed.
		return true
	case unix.EINTR:
		return true
	case unix.ETIMEDOUT:
		return false
	}
	// Unexpected errno (EFAULT, EINVAL). Treat as a spurious wakeup so the
	// caller re-evaluates its predicate and its deadline.
	return true
}

// WakeAll wakes every thread parked on addr. No-op when there are none.
func WakeAll(addr *uint32) {
	futexWake(addr, int32(^uint32(0)>>1))
}

// WakeOne wakes at most one thread parked on addr.
func WakeOne(addr *uint32) {
	futexWake(addr, 1)
}

func futexWake(addr *uint32, n int32) {
	unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(n),
		0, 0, 0)
}
