//go:build linux

package chronq

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// golang.org/x/sys/unix exports SYS_FUTEX (the syscall number) but not the
// futex(2) op codes, so those are declared here directly from the kernel
// UAPI header values.
const (
	futexWait        = 0
	futexWake        = 1
	futexPrivateFlag = 128

	futexWaitPrivate = futexWait | futexPrivateFlag
	futexWakePrivate = futexWake | futexPrivateFlag
)

func waitUntilPlatform(addr *uint32, expected uint32, timeout time.Duration) {
	if timeout < 0 {
		timeout = 0
	}

	ts := unix.NsecToTimespec(timeout.Nanoseconds())

	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitPrivate,
		uintptr(expected),
		uintptr(unsafe.Pointer(&ts)),
		0, 0,
	)
}

func wakeAllPlatform(addr *uint32) {
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakePrivate,
		uintptr(^uint32(0)>>1), // INT_MAX targets
		0, 0, 0,
	)
}
