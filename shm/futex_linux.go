package shm

import (
	"math"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (not private) futex operations: the word lives in a file mapping
// that other processes map too.
const (
	futexOpWait = 0
	futexOpWake = 1
)

const futexSupported = true

// futexWait sleeps while *addr == val, for at most timeout. Wakeups, timeouts,
// value changes and signals all return normally; the caller re-checks state.
func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	ts := unix.NsecToTimespec(int64(timeout))
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexOpWait, uintptr(val),
		uintptr(unsafe.Pointer(&ts)), 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		return nil
	}
	return errno
}

func futexWake(addr *uint32) {
	unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexOpWake, uintptr(math.MaxInt32),
		0, 0, 0)
}
