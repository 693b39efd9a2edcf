package transport

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ptrAt returns a pointer to buf[off], used only to address the
// uint64 head/tail counters living at fixed offsets in mapped memory.
func ptrAt(buf []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&buf[off])
}

// mmapDouble maps fd's [off, off+size) region twice into one
// contiguous 2*size virtual range: the classic "magic ring buffer"
// trick. Bytes [size, 2*size) of the returned slice are the same
// physical pages as [0, size), so a read or write starting anywhere
// in [0, size) can always be sliced as one contiguous run of up to
// size bytes, without special-casing wraparound past the ring's
// physical end. golang.org/x/sys/unix.Mmap never exposes the target
// address mmap(2) needs for the second, MAP_FIXED, mapping, so this
// goes straight to the syscall the way the teacher's own raw-syscall
// helpers do (e.g. sys/cpu_linux.go).
func mmapDouble(fd int, off int64, size int) ([]byte, error) {
	base, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, uintptr(2*size),
		uintptr(unix.PROT_NONE), uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS), ^uintptr(0), 0)
	if errno != 0 {
		return nil, errno
	}
	if errno := mmapFixed(base, fd, off, size); errno != 0 {
		unmapDouble(base, size)
		return nil, errno
	}
	if errno := mmapFixed(base+uintptr(size), fd, off, size); errno != 0 {
		unmapDouble(base, size)
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), 2*size), nil
}

func mmapFixed(addr uintptr, fd int, off int64, size int) unix.Errno {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size),
		uintptr(unix.PROT_READ|unix.PROT_WRITE), uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd), uintptr(off))
	return errno
}

func unmapDouble(base uintptr, size int) {
	_, _, _ = unix.Syscall6(unix.SYS_MUNMAP, base, uintptr(2*size), 0, 0, 0, 0)
}
