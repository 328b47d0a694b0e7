package chronq

import (
	"sync/atomic"
	"time"
)

// waitUntil blocks until *addr no longer equals expected, or timeout
// elapses. If *addr already differs from expected, it returns immediately.
// Spurious wakeups are expected and handled by the caller re-checking its
// predicate; waitUntil itself makes no promise beyond "woke up or timed
// out."
//
// Platform-specific: wait_linux.go uses FUTEX_WAIT_PRIVATE; wait_other.go
// falls back to a short sleep loop.
func waitUntil(addr *uint32, expected uint32, timeout time.Duration) {
	waitUntilPlatform(addr, expected, timeout)
}

// wakeAll wakes every waiter blocked on addr via waitUntil.
//
// Platform-specific: wait_linux.go issues FUTEX_WAKE_PRIVATE; wait_other.go
// is a no-op, since its fallback never parks in the kernel.
func wakeAll(addr *uint32) {
	wakeAllPlatform(addr)
}

// spinThenWait implements the hybrid wait strategy shared by
// Subscriber.Wait: poll pred for up to spinBudget, then, if it strategy
// allows parking, fall back to the futex/sleep primitive guarded by
// waiter_count. pred is called with no locks held and must be cheap and
// side-effect free beyond reading shared state.
//
// Returns true if pred became true before timeout elapsed.
func spinThenWait(ctl *control, strategy WaitStrategy, spinBudget time.Duration, timeout time.Duration, pred func() bool) bool {
	deadline := time.Now().Add(timeout)
	spinDeadline := time.Now().Add(spinBudget)

	for time.Now().Before(spinDeadline) {
		if pred() {
			return true
		}
	}

	if strategy == WaitBusyPoll {
		for time.Now().Before(deadline) {
			if pred() {
				return true
			}
		}

		return pred()
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return pred()
		}

		seq := ctl.loadNotify()
		if pred() {
			return true
		}

		ctl.incWaiters()
		waitUntil(ctl.notifyAddr(), seq, remaining)
		ctl.decWaiters()

		if pred() {
			return true
		}
	}
}

// notifyWaiters bumps notify_seq after a commit and only pays for the wake
// syscall when a reader is actually parked.
func notifyWaiters(ctl *control) {
	ctl.fetchIncNotify()

	if atomic.LoadUint32(ctl.waiterAddr()) > 0 {
		wakeAll(ctl.notifyAddr())
	}
}
