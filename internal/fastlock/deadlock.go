package fastlock

import (
	"fmt"
	"sync/atomic"
)

// The deadlock detector keeps a process-wide map from thread id to the
// lock that thread is currently waiting on. When a new wait edge is added
// the chain tid -> lock -> owner -> lock ... is walked; returning to the
// starting thread means the waits form a cycle and no thread in it can
// ever make progress, so the process is aborted loudly rather than left
// hanging.
//
// The detector's own lock guards the map and is never registered, so the
// walk cannot recurse into itself.
var detector = struct {
	lock Lock
	wait map[int32]*Lock
}{
	wait: make(map[int32]*Lock),
}

func init() {
	detector.lock.Init()
}

func registerWait(l *Lock, waiter int32) {
	if l == &detector.lock {
		return
	}
	detector.lock.Lock()
	detector.wait[waiter] = l

	cycle := false
	check := waiter
	for {
		waitingOn, ok := detector.wait[check]
		if !ok {
			break
		}
		check = atomic.LoadInt32(&waitingOn.owner)
		if check == waiter {
			cycle = true
			break
		}
	}
	detector.lock.Unlock()
	if cycle {
		panic(fmt.Sprintf("fastlock: deadlock detected (thread %d)", waiter))
	}
}

func clearWait(l *Lock, waiter int32) {
	if l == &detector.lock {
		return
	}
	detector.lock.Lock()
	delete(detector.wait, waiter)
	detector.lock.Unlock()
}
