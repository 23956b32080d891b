package fastlock

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockOSThread pins the calling goroutine to its OS thread for the
// duration of the test body. Lock ownership is per thread, so every
// goroutine touching a Lock must be pinned, exactly like the server's
// event-loop goroutines.
func lockOSThread() func() {
	runtime.LockOSThread()
	return runtime.UnlockOSThread
}

func TestLockUnlock(t *testing.T) {
	defer lockOSThread()()

	l := New()
	l.Lock()
	require.True(t, l.Owned())
	l.Unlock()
	require.False(t, l.Owned())
}

func TestTryLock(t *testing.T) {
	defer lockOSThread()()

	l := New()
	require.True(t, l.TryLock(false))
	require.True(t, l.Owned())

	// Reentrant try-lock on the owner succeeds.
	require.True(t, l.TryLock(true))
	l.Unlock()
	l.Unlock()

	// A held lock is refused from another thread.
	l.Lock()
	refused := make(chan bool, 1)
	go func() {
		defer lockOSThread()()
		refused <- !l.TryLock(false)
	}()
	require.True(t, <-refused)
	l.Unlock()
}

func TestRecursion(t *testing.T) {
	defer lockOSThread()()

	l := New()
	const n = 10
	for i := 0; i < n; i++ {
		l.Lock()
	}
	assert.Equal(t, int32(n), l.depth)
	for i := 0; i < n; i++ {
		require.True(t, l.Owned())
		l.Unlock()
	}
	assert.False(t, l.Owned())
}

func TestUnlockRecursiveRestoresDepth(t *testing.T) {
	defer lockOSThread()()

	l := New()
	l.Lock()
	l.Lock()
	l.Lock()

	depth := l.UnlockRecursive()
	assert.Equal(t, 3, depth)
	assert.False(t, l.Owned())

	l.LockRecursive(depth)
	assert.Equal(t, int32(3), l.depth)
	l.Unlock()
	l.Unlock()
	l.Unlock()
	assert.False(t, l.Owned())
}

// TestFIFO verifies that contended waiters enter the critical section in
// the exact order they drew their tickets.
func TestFIFO(t *testing.T) {
	defer lockOSThread()()

	l := New()
	l.Lock()

	const waiters = 8
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	for i := 0; i < waiters; i++ {
		i := i
		availBefore := uint16(atomic.LoadUint32(&l.ticket) >> 16)
		wg.Add(1)
		go func() {
			defer lockOSThread()()
			defer wg.Done()
			l.Lock()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Unlock()
		}()

		// Wait until waiter i has drawn its ticket before starting the
		// next one; ticket order is then the arrival order.
		require.Eventually(t, func() bool {
			return uint16(atomic.LoadUint32(&l.ticket)>>16) == availBefore+1
		}, 5*time.Second, time.Millisecond)
	}

	l.Unlock()
	wg.Wait()

	require.Len(t, order, waiters)
	for i, got := range order {
		assert.Equal(t, i, got, "waiter entered out of ticket order")
	}
}

// TestMutualExclusion hammers the lock from several threads and checks
// that no two of them are ever inside the critical section at once.
func TestMutualExclusion(t *testing.T) {
	l := New()

	const (
		goroutines = 8
		iterations = 2000
	)
	var (
		inside  int32
		counter int
		wg      sync.WaitGroup
	)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer lockOSThread()()
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				l.Lock()
				if atomic.AddInt32(&inside, 1) != 1 {
					t.Error("two threads inside the critical section")
				}
				counter++
				atomic.AddInt32(&inside, -1)
				l.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines*iterations, counter)
}

// TestLongWaitParks verifies a blocked waiter eventually parks on the
// futex, bumping the process-wide long-wait counter, and still acquires
// the lock when woken.
func TestLongWaitParks(t *testing.T) {
	defer lockOSThread()()

	l := New()
	l.Lock()

	before := LongWaitCount()
	acquired := make(chan struct{})
	go func() {
		defer lockOSThread()()
		l.Lock()
		l.Unlock()
		close(acquired)
	}()

	// The waiter spins through its budget and parks exactly once per
	// ticket round while we sit on the lock.
	require.Eventually(t, func() bool {
		return LongWaitCount() > before
	}, 10*time.Second, 5*time.Millisecond, "waiter never parked")

	l.Unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("parked waiter was never woken")
	}
	assert.GreaterOrEqual(t, LongWaitCount(), before+1)
}

// TestDeadlockDetection builds a two-thread lock cycle and expects the
// detector to panic in the thread that closes the cycle.
func TestDeadlockDetection(t *testing.T) {
	a := New()
	b := New()

	aLocked := make(chan struct{})
	bLocked := make(chan struct{})
	panicked := make(chan any, 2)

	// Each side takes one lock, then crosses over. Whichever side
	// registers its wait second closes the cycle and panics.
	go func() {
		defer lockOSThread()()
		defer func() { panicked <- recover() }()
		a.Lock()
		close(aLocked)
		<-bLocked
		b.Lock()
	}()

	go func() {
		defer lockOSThread()()
		defer func() { panicked <- recover() }()
		b.Lock()
		close(bLocked)
		<-aLocked
		a.Lock()
	}()

	select {
	case r := <-panicked:
		require.NotNil(t, r, "expected a deadlock panic")
		assert.Contains(t, r.(string), "deadlock")
	case <-time.After(30 * time.Second):
		t.Fatal("deadlock was not detected")
	}
}

func TestFreedLockPanicsOnUnlock(t *testing.T) {
	defer lockOSThread()()

	l := New()
	l.Free()
	assert.Panics(t, func() {
		l.depth = 1
		l.Unlock()
	})
}

func BenchmarkUncontendedLock(b *testing.B) {
	defer lockOSThread()()

	l := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Lock()
		l.Unlock()
	}
}
