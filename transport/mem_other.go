//go:build !linux

package transport

import "time"

// wakeOne is a no-op off Linux: waitForData falls back to polling, so
// there is no sleeping waiter that needs an explicit wakeup.
func wakeOne(addr *uint64) {}

// waitForData spin-polls addr at a short interval, since no portable
// futex-equivalent is available outside Linux in this module's
// dependency set.
func waitForData(addr *uint64, done <-chan struct{}) bool {
	t := time.NewTimer(2 * time.Millisecond)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}
