// Package fastlock implements a fair, recursive spinlock. To promote
// fairness a ticket lock is used instead of a raw spinlock: waiters are
// admitted in the exact order they asked for a ticket. Contended waiters
// spin briefly, then park on a bitset futex keyed by their ticket so that
// an unlock wakes only the next holder in line.
//
// Ownership is tracked by OS thread id. Callers must run on a goroutine
// locked to its OS thread (runtime.LockOSThread); the server's event-loop
// goroutines are. The zero value is not ready for use: call Init or New.
package fastlock

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	unlockedOwner = -1
	freedOwner    = -2

	// Spin iterations between futex parks. Matches the inline-spin budget
	// of the original lock: cheap contention never reaches the kernel.
	spinsBeforePark = 1 << 20

	// Gosched interval while spinning so a waiter cannot monopolize a P.
	spinsBeforeYield = 1 << 10
)

// longWaits counts, process-wide, how many times any waiter had to park.
var longWaits atomic.Uint64

// LongWaitCount returns the process-wide number of long waits (futex parks)
// since startup. It only ever grows.
func LongWaitCount() uint64 {
	return longWaits.Load()
}

// Lock is a fair recursive ticket lock.
//
// The ticket word packs two 16-bit counters: the low half is the active
// ticket (whose turn it is), the high half the next ticket to hand out.
// The holder is the thread whose ticket equals the active half. futexBits
// carries one bit per parked ticket modulo 32.
type Lock struct {
	ticket    uint32 // packed avail<<16 | active
	futexBits uint32
	owner     int32 // OS thread id, unlockedOwner or freedOwner
	depth     int32 // recursion depth, written only by the owner
}

// New returns an initialized lock.
func New() *Lock {
	l := &Lock{}
	l.Init()
	return l
}

// Init prepares l for use. Must be called before any other operation.
func (l *Lock) Init() {
	atomic.StoreUint32(&l.ticket, 0)
	atomic.StoreUint32(&l.futexBits, 0)
	atomic.StoreInt32(&l.owner, unlockedOwner)
	l.depth = 0
}

func tid() int32 {
	return int32(unix.Gettid())
}

// Lock acquires l, blocking until it is available. Reentrant: the owning
// thread may lock again and must unlock the same number of times.
func (l *Lock) Lock() {
	me := tid()
	if atomic.LoadInt32(&l.owner) == me {
		l.depth++
		return
	}

	my := uint16(atomic.AddUint32(&l.ticket, 1<<16)>>16) - 1
	mask := uint32(1) << (my % 32)

	u := atomic.LoadUint32(&l.ticket)
	if uint16(u) != my {
		registerWait(l, me)
		spins := 0
		for {
			u = atomic.LoadUint32(&l.ticket)
			if uint16(u) == my {
				break
			}
			spins++
			if spins%spinsBeforeYield == 0 {
				runtime.Gosched()
			}
			if spins%spinsBeforePark == 0 {
				atomicOr(&l.futexBits, mask)
				longWaits.Add(1)
				futexWaitBitset(&l.ticket, u, mask)
				atomicAnd(&l.futexBits, ^mask)
			}
		}
		clearWait(l, me)
	}

	l.depth = 1
	atomic.StoreInt32(&l.owner, me)
}

// TryLock attempts to acquire l without blocking and reports whether it
// succeeded. The weak flag mirrors the weak/strong compare-exchange choice
// of the original lock; Go exposes only a strong CAS, so both behave the
// same here and weak is accepted for API compatibility.
func (l *Lock) TryLock(weak bool) bool {
	_ = weak
	me := tid()
	if atomic.LoadInt32(&l.owner) == me {
		l.depth++
		return true
	}

	// Cheap test before the CAS: somebody is holding or queued.
	u := atomic.LoadUint32(&l.ticket)
	active := uint16(u)
	avail := uint16(u >> 16)
	if active != avail {
		return false
	}

	next := active + 1
	nu := uint32(active) | uint32(next)<<16
	if atomic.CompareAndSwapUint32(&l.ticket, u, nu) {
		l.depth = 1
		atomic.StoreInt32(&l.owner, me)
		return true
	}
	return false
}

// Unlock releases one level of ownership. When the outermost level is
// released the next ticket is published and any parked waiter for it is
// woken.
func (l *Lock) Unlock() {
	l.depth--
	if l.depth != 0 {
		return
	}

	if atomic.LoadInt32(&l.owner) < 0 {
		panic("fastlock: unlock of an unowned or freed lock")
	}
	atomic.StoreInt32(&l.owner, unlockedOwner)

	var newActive uint16
	for {
		u := atomic.LoadUint32(&l.ticket)
		newActive = uint16(u) + 1
		nu := (u &^ 0xffff) | uint32(newActive)
		if atomic.CompareAndSwapUint32(&l.ticket, u, nu) {
			break
		}
	}
	l.wake(newActive)
}

// wake issues a bitset wake for the ticket that just became active,
// retrying while its bit stays set and no waiter reports being woken. The
// racing window where a waiter has set its bit but not yet parked is
// closed by the retry loop.
func (l *Lock) wake(active uint16) {
	mask := uint32(1) << (active % 32)
	if atomic.LoadUint32(&l.futexBits)&mask == 0 {
		return
	}
	for {
		if atomic.LoadUint32(&l.futexBits)&mask == 0 {
			return
		}
		if futexWakeBitset(&l.ticket, mask) >= 1 {
			return
		}
	}
}

// UnlockRecursive fully releases the lock regardless of the current
// recursion depth and returns that depth so that LockRecursive can restore
// it later. Used around sections that must drop the lock entirely.
func (l *Lock) UnlockRecursive() int {
	depth := int(l.depth)
	l.depth = 1
	l.Unlock()
	return depth
}

// LockRecursive acquires the lock and restores a recursion depth
// previously returned by UnlockRecursive.
func (l *Lock) LockRecursive(depth int) {
	l.Lock()
	l.depth = int32(depth)
}

// Owned reports whether the calling thread currently owns the lock.
func (l *Lock) Owned() bool {
	return atomic.LoadInt32(&l.owner) == tid()
}

// Free marks the lock as destroyed. The lock must be unlocked, or owned by
// the caller with nobody queued behind it. Any later operation on a freed
// lock is a bug and panics via the owner sentinel.
func (l *Lock) Free() {
	u := atomic.LoadUint32(&l.ticket)
	active := uint16(u)
	avail := uint16(u >> 16)
	unlocked := active == avail
	ownedNoWaiters := atomic.LoadInt32(&l.owner) == tid() && active == avail-1
	if !unlocked && !ownedNoWaiters {
		panic("fastlock: freeing a lock with waiters")
	}
	atomic.StoreInt32(&l.owner, freedOwner)
}

func atomicOr(addr *uint32, mask uint32) {
	for {
		u := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, u, u|mask) {
			return
		}
	}
}

func atomicAnd(addr *uint32, mask uint32) {
	for {
		u := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, u, u&mask) {
			return
		}
	}
}
