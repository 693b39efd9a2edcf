//go:build linux

package transport

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// wakeOne wakes one waiter blocked in waitForData on addr, via the
// Linux futex FUTEX_WAKE operation — avoids the spin-poll fallback's
// latency/CPU tradeoff on the platform most nprpc deployments run on.
func wakeOne(addr *uint64) {
	_, _, _ = unix.Syscall(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), uintptr(unix.FUTEX_WAKE), 1)
}

// waitForData blocks until addr's value changes from cur, done fires,
// or a bounded timeout elapses (so a missed wakeup never hangs a
// reader forever). Returns false only when done has fired.
func waitForData(addr *uint64, done <-chan struct{}) bool {
	select {
	case <-done:
		return false
	default:
	}
	cur := *addr
	ts := unix.Timespec{Sec: 0, Nsec: int64(20 * time.Millisecond)}
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), uintptr(unix.FUTEX_WAIT), uintptr(cur), uintptr(unsafe.Pointer(&ts)), 0, 0)
	select {
	case <-done:
		return false
	default:
		return true
	}
}
