package fastlock

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex(2) op flags. golang.org/x/sys/unix exposes unix.SYS_FUTEX but
// not these op/flag bits, so they're defined here per uapi/linux/futex.h.
const (
	futexWaitBitsetOp = 9
	futexWakeBitsetOp = 10
	futexPrivateFlag  = 128
)

// futexWaitBitset parks the caller on addr until a wake targets one of the
// bits in mask, but only if *addr still equals val. Spurious wakeups are
// fine: the caller re-checks its ticket in the spin loop.
func futexWaitBitset(addr *uint32, val uint32, mask uint32) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitBitsetOp|futexPrivateFlag),
		uintptr(val),
		0, // no timeout
		0,
		uintptr(mask))
}

// futexWakeBitset wakes up to one waiter parked on addr whose wait mask
// intersects mask, returning how many were woken.
func futexWakeBitset(addr *uint32, mask uint32) int {
	n, _, _ := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWakeBitsetOp|futexPrivateFlag),
		uintptr(1),
		0,
		0,
		uintptr(mask))
	return int(n)
}
