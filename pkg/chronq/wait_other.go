//go:build !linux

package chronq

import (
	"sync/atomic"
	"time"
)

// waitUntilPlatform is the portable fallback for platforms without a futex
// syscall: poll *addr on a short sleep.
func waitUntilPlatform(addr *uint32, expected uint32, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	step := time.Millisecond

	for {
		if atomic.LoadUint32(addr) != expected {
			return
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}

		if step > remaining {
			step = remaining
		}

		time.Sleep(step)
	}
}

// wakeAllPlatform is a no-op: the fallback waiter never parks in the
// kernel, it just polls, so there is nothing to wake.
func wakeAllPlatform(addr *uint32) {}
