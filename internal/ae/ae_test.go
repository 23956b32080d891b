package ae

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newRunningLoop(t *testing.T) *EventLoop {
	t.Helper()
	el, err := NewEventLoop()
	require.NoError(t, err)

	go el.Run()
	require.Eventually(t, func() bool {
		return el.threadID.Load() != -1
	}, 5*time.Second, time.Millisecond)

	t.Cleanup(func() {
		el.Stop()
		time.Sleep(200 * time.Millisecond)
		el.Close()
	})
	return el
}

func TestPostFunctionRunsOnLoopThread(t *testing.T) {
	el := newRunningLoop(t)

	var ran atomic.Bool
	var onLoop atomic.Bool
	require.NoError(t, el.PostFunction(func() {
		onLoop.Store(el.OnLoopThread())
		ran.Store(true)
	}, false))

	require.Eventually(t, func() bool { return ran.Load() }, 5*time.Second, time.Millisecond)
	assert.True(t, onLoop.Load(), "posted function must run on the loop thread")
}

func TestPostFunctionSynchronous(t *testing.T) {
	el := newRunningLoop(t)

	ran := false
	require.NoError(t, el.PostFunction(func() { ran = true }, true))
	assert.True(t, ran, "synchronous post must have completed on return")
}

func TestPostedFunctionsHoldGlobalLock(t *testing.T) {
	el := newRunningLoop(t)

	var owned atomic.Bool
	require.NoError(t, el.PostFunction(func() {
		owned.Store(OwnsLock())
	}, true))
	assert.True(t, owned.Load(), "posted functions run under the global lock")
}

func TestFileEventFires(t *testing.T) {
	el := newRunningLoop(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	var got atomic.Int32
	err := el.CreateFileEvent(fds[0], Readable|ReadThreadsafe, func(_ *EventLoop, fd int, _ any, mask int) {
		var buf [16]byte
		n, _ := unix.Read(fd, buf[:])
		got.Add(int32(n))
	}, nil)
	require.NoError(t, err)

	_, err = unix.Write(fds[1], []byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return got.Load() == 5 }, 5*time.Second, time.Millisecond)

	// After deletion the handler no longer fires.
	el.DeleteFileEvent(fds[0], Readable)
	assert.Equal(t, None, el.FileEvents(fds[0]))
}

func TestBarrierInvertsFireOrder(t *testing.T) {
	el := newRunningLoop(t)

	// A socketpair end that is both readable (peer wrote) and writable
	// (buffer empty) fires both handlers in one iteration.
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(pair[0])
	defer unix.Close(pair[1])
	require.NoError(t, unix.SetNonblock(pair[0], true))

	var order atomic.Value
	order.Store("")
	record := func(tag string) {
		for {
			cur := order.Load().(string)
			if order.CompareAndSwap(cur, cur+tag) {
				return
			}
		}
	}

	done := make(chan struct{}, 1)
	finish := func(fd int) {
		var buf [16]byte
		_, _ = unix.Read(fd, buf[:])
		el.DeleteFileEvent(fd, Readable|Writable)
		select {
		case done <- struct{}{}:
		default:
		}
	}
	readHandler := func(_ *EventLoop, fd int, _ any, _ int) {
		record("r")
		finish(fd)
	}
	writeHandler := func(_ *EventLoop, fd int, _ any, _ int) {
		record("w")
		finish(fd)
	}

	// Make the fd readable before registering, so the first poll sees
	// both readiness bits together.
	_, err = unix.Write(pair[1], []byte("x"))
	require.NoError(t, err)

	require.NoError(t, el.CreateFileEvent(pair[0], Writable|WriteThreadsafe|Barrier, writeHandler, nil))
	require.NoError(t, el.CreateFileEvent(pair[0], Readable|ReadThreadsafe, readHandler, nil))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never fired")
	}

	got := order.Load().(string)
	require.NotEmpty(t, got)
	assert.Equal(t, byte('w'), got[0], "with BARRIER the write handler fires first")
}
