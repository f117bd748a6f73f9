//go:build linux

package shm

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex ops; golang.org/x/sys/unix exposes the syscall number
// (SYS_FUTEX) but not typed op constants, so they're named here.
const (
	futexWaitPrivate = 0 | 128 // FUTEX_WAIT | FUTEX_PRIVATE_FLAG
	futexWakePrivate = 1 | 128 // FUTEX_WAKE | FUTEX_PRIVATE_FLAG
)

// wake wakes any waiter parked on addr via wait.
func wake(addr *uint32) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), futexWakePrivate, ^uintptr(0), 0, 0, 0)
}

// wait blocks while *addr == old, for at most timeout (0 = indefinitely),
// waking early on a matching wake call or a spurious return (callers must
// always re-check the condition in a loop, matching standard futex usage).
func wait(addr *uint32, old uint32, timeout time.Duration) {
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), futexWaitPrivate, uintptr(old), uintptr(unsafe.Pointer(ts)), 0, 0)
}
