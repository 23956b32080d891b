// Package ae implements the per-thread event loop driving all socket
// I/O. Each loop owns an epoll instance and runs pinned to its OS
// thread; other threads talk to it by posting functions through a
// command pipe the loop watches like any other file descriptor.
//
// Handlers are registered with a mask. READABLE and WRITABLE select the
// direction; READ_THREADSAFE / WRITE_THREADSAFE mark a handler as safe
// to run without the process-wide lock; BARRIER inverts the fire order
// so the write handler runs before the read handler within a single
// iteration (needed when something like an fsync must happen between
// serving a query and replying to it).
package ae

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/finchdb/finch/internal/fastlock"
)

// Event masks.
const (
	None     = 0
	Readable = 1 << iota
	Writable
	Barrier
	ReadThreadsafe
	WriteThreadsafe
)

// ErrPostFailed is returned when a cross-thread post cannot be delivered
// (the wakeup write to the target loop's command pipe failed with an error
// other than EAGAIN, e.g. because the pipe is closed). Callers may retry.
var ErrPostFailed = errors.New("ae: posting to event loop failed")

// The process-wide lock. It gates the shared client list, the id index,
// the close list and all other cross-thread server state. Handlers not
// marked thread-safe run with it held.
var globalLock = fastlock.New()

func AcquireLock() { globalLock.Lock() }

func ReleaseLock() { globalLock.Unlock() }

func TryAcquireLock(weak bool) bool { return globalLock.TryLock(weak) }

func OwnsLock() bool { return globalLock.Owned() }

// GlobalLock exposes the process-wide lock for lock-ordered sections
// that need UnlockRecursive/LockRecursive semantics.
func GlobalLock() *fastlock.Lock { return globalLock }

// FileProc is a file event handler. The mask passed in carries the fired
// direction plus the handler's thread-safety bit.
type FileProc func(el *EventLoop, fd int, clientData any, mask int)

type fileEvent struct {
	mask       int
	rproc      FileProc
	wproc      FileProc
	clientData any
}

// EventLoop is a single-threaded epoll driver. All fields beyond the
// registration table are owned by the loop goroutine.
type EventLoop struct {
	epfd       int
	cmdReadFd  int
	cmdWriteFd int

	// mu guards events and posted. Registration may happen from any
	// thread (epoll_ctl itself is thread-safe); everything else belongs
	// to the loop thread.
	mu     sync.Mutex
	events map[int]*fileEvent
	posted []func()

	beforeSleep func(*EventLoop)

	cron         func(*EventLoop)
	cronPeriodMs int
	sinceCronMs  int

	threadID atomic.Int32
	stop     atomic.Bool
}

const pollTimeoutMs = 100

// NewEventLoop creates an event loop with its epoll instance and command
// pipe. Call Run from a dedicated goroutine to start it.
func NewEventLoop() (*EventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}

	el := &EventLoop{
		epfd:       epfd,
		cmdReadFd:  pipeFds[0],
		cmdWriteFd: pipeFds[1],
		events:     make(map[int]*fileEvent),
	}
	el.threadID.Store(-1)

	// The command pipe is drained like any other readable fd. The
	// handler locks per posted function, not around the whole drain.
	if err := el.CreateFileEvent(el.cmdReadFd, Readable|ReadThreadsafe, el.processPosted, nil); err != nil {
		el.Close()
		return nil, err
	}
	return el, nil
}

// SetBeforeSleep installs the hook run at the top of every iteration,
// with the global lock held.
func (el *EventLoop) SetBeforeSleep(fn func(*EventLoop)) {
	el.beforeSleep = fn
}

// SetCron installs a periodic handler fired roughly every periodMs
// milliseconds, with the global lock held.
func (el *EventLoop) SetCron(periodMs int, fn func(*EventLoop)) {
	el.cronPeriodMs = periodMs
	el.cron = fn
}

// OnLoopThread reports whether the caller is running on this loop's
// thread.
func (el *EventLoop) OnLoopThread() bool {
	return el.threadID.Load() == int32(unix.Gettid())
}

// CreateFileEvent registers (or extends) the handler for fd. Safe to
// call from any thread.
func (el *EventLoop) CreateFileEvent(fd, mask int, proc FileProc, clientData any) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	fe, existing := el.events[fd]
	if !existing {
		fe = &fileEvent{}
		el.events[fd] = fe
	}
	fe.mask |= mask
	if mask&Readable != 0 {
		fe.rproc = proc
	}
	if mask&Writable != 0 {
		fe.wproc = proc
	}
	fe.clientData = clientData

	op := unix.EPOLL_CTL_ADD
	if existing {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(el.epfd, op, fd, epollEventFor(fd, fe.mask)); err != nil {
		if !existing {
			delete(el.events, fd)
		}
		return err
	}
	return nil
}

// DeleteFileEvent removes the given mask bits for fd, dropping the
// registration entirely once no direction remains. Safe to call from any
// thread.
func (el *EventLoop) DeleteFileEvent(fd, mask int) {
	el.mu.Lock()
	defer el.mu.Unlock()

	fe, ok := el.events[fd]
	if !ok {
		return
	}
	// Removing the write direction always removes the barrier too;
	// barriers only make sense while a write handler is installed.
	if mask&Writable != 0 {
		mask |= Barrier
	}
	fe.mask &^= mask

	if fe.mask&(Readable|Writable) == 0 {
		delete(el.events, fd)
		_ = unix.EpollCtl(el.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		return
	}
	_ = unix.EpollCtl(el.epfd, unix.EPOLL_CTL_MOD, fd, epollEventFor(fd, fe.mask))
}

// FileEvents returns the currently registered direction mask for fd.
func (el *EventLoop) FileEvents(fd int) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	fe, ok := el.events[fd]
	if !ok {
		return None
	}
	return fe.mask & (Readable | Writable)
}

// PostFunction enqueues fn to run on the loop's thread under the global
// lock. Called from the loop's own thread it runs fn inline. When
// synchronous is set the call blocks until fn has run; a synchronous
// post must not be made while holding the global lock, since the posted
// function acquires it on the target thread.
func (el *EventLoop) PostFunction(fn func(), synchronous bool) error {
	if el.OnLoopThread() {
		fn()
		return nil
	}

	var done chan struct{}
	if synchronous {
		done = make(chan struct{})
		inner := fn
		fn = func() {
			inner()
			close(done)
		}
	}

	el.mu.Lock()
	el.posted = append(el.posted, fn)
	el.mu.Unlock()

	if _, err := unix.Write(el.cmdWriteFd, []byte{0}); err != nil && err != unix.EAGAIN {
		return ErrPostFailed
	}
	// EAGAIN means the pipe is already full of wakeups; the queue entry
	// will be drained with them.

	if synchronous {
		<-done
	}
	return nil
}

func (el *EventLoop) processPosted(_ *EventLoop, fd int, _ any, _ int) {
	var buf [512]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			break
		}
	}

	for {
		el.mu.Lock()
		if len(el.posted) == 0 {
			el.mu.Unlock()
			return
		}
		fn := el.posted[0]
		el.posted = el.posted[1:]
		el.mu.Unlock()

		AcquireLock()
		fn()
		ReleaseLock()
	}
}

// Run drives the loop until Stop is called. It pins the goroutine to its
// OS thread; the thread id doubles as the loop identity for fastlock
// ownership and client affinity.
func (el *EventLoop) Run() {
	runtime.LockOSThread()
	el.threadID.Store(int32(unix.Gettid()))

	for !el.stop.Load() {
		if el.beforeSleep != nil {
			AcquireLock()
			el.beforeSleep(el)
			ReleaseLock()
		}
		el.ProcessEvents(false)
	}
}

// ProcessEvents polls once and dispatches the fired handlers. With
// dontWait set the poll returns immediately; used when events must be
// served in the middle of a long blocking operation. Returns the number
// of ready descriptors dispatched.
func (el *EventLoop) ProcessEvents(dontWait bool) int {
	timeout := pollTimeoutMs
	if dontWait {
		timeout = 0
	}

	// A fresh event buffer per call: handlers may re-enter ProcessEvents
	// while serving events during a long blocking operation.
	fired := make([]unix.EpollEvent, 256)
	n, err := unix.EpollWait(el.epfd, fired, timeout)
	if err != nil {
		if err == unix.EINTR {
			return 0
		}
		return 0
	}

	processed := 0
	for i := 0; i < n; i++ {
		ev := fired[i]
		fd := int(ev.Fd)

		mask := 0
		if ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			mask |= Readable
		}
		if ev.Events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			mask |= Writable
		}
		el.fire(fd, mask)
		processed++
	}

	if !dontWait && el.cron != nil {
		el.sinceCronMs += pollTimeoutMs
		if el.sinceCronMs >= el.cronPeriodMs {
			el.sinceCronMs = 0
			AcquireLock()
			el.cron(el)
			ReleaseLock()
		}
	}
	return processed
}

// fire invokes the handlers for one fired fd. The write handler runs
// first when the registration carries BARRIER. The registration is
// re-read before each direction: an earlier handler in this iteration
// may have deleted the event, so the snapshot cannot be trusted.
func (el *EventLoop) fire(fd, mask int) {
	snapshot := func() (fileEvent, bool) {
		el.mu.Lock()
		defer el.mu.Unlock()
		fe, ok := el.events[fd]
		if !ok {
			return fileEvent{}, false
		}
		return *fe, true
	}

	fe, ok := snapshot()
	if !ok {
		return
	}
	invert := fe.mask&Barrier != 0

	callRead := func() {
		fe, ok := snapshot()
		if !ok || fe.mask&mask&Readable == 0 || fe.rproc == nil {
			return
		}
		el.callLocked(fe.rproc, fd, fe.clientData,
			mask|(fe.mask&ReadThreadsafe), fe.mask&ReadThreadsafe == 0)
	}
	callWrite := func() {
		fe, ok := snapshot()
		if !ok || fe.mask&mask&Writable == 0 || fe.wproc == nil {
			return
		}
		el.callLocked(fe.wproc, fd, fe.clientData,
			mask|(fe.mask&WriteThreadsafe), fe.mask&WriteThreadsafe == 0)
	}

	if !invert {
		callRead()
		callWrite()
	} else {
		callWrite()
		callRead()
	}
}

func (el *EventLoop) callLocked(proc FileProc, fd int, clientData any, mask int, lock bool) {
	if lock {
		AcquireLock()
		defer ReleaseLock()
	}
	proc(el, fd, clientData, mask)
}

// Stop asks the loop to exit after the current iteration.
func (el *EventLoop) Stop() {
	el.stop.Store(true)
	_, _ = unix.Write(el.cmdWriteFd, []byte{0})
}

// Close releases the loop's descriptors. Only call after Run returned.
func (el *EventLoop) Close() {
	unix.Close(el.cmdReadFd)
	unix.Close(el.cmdWriteFd)
	unix.Close(el.epfd)
}

func epollEventFor(fd, mask int) *unix.EpollEvent {
	var events uint32
	if mask&Readable != 0 {
		events |= unix.EPOLLIN
	}
	if mask&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	return &unix.EpollEvent{Events: events, Fd: int32(fd)}
}
