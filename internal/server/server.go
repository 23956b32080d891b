// Package server implements the connection core: the per-thread event
// loops, the client machinery, the RESP parser and the reply pipeline.
//
// The threading model mirrors the original multi-threaded design: a
// configurable number of parallel event-loop threads, one designated
// "main", each owning the clients accepted onto it for their whole
// life. Replies for a foreign client are formulated into that client's
// async scratch buffer and spliced in by its owner thread. Shared state
// sits behind the process-wide lock; the acquisition order is global
// lock, then client lock, then pending-writes lock, with one exception:
// the pre-sleep coalescer takes client locks while holding its own
// thread's pending-writes lock.
package server

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/finchdb/finch/internal/ae"
	"github.com/finchdb/finch/internal/fastlock"
	"github.com/finchdb/finch/internal/logger"
	"github.com/finchdb/finch/pkg/config"
	"github.com/finchdb/finch/pkg/metrics"
	"github.com/finchdb/finch/pkg/store"
)

// Version is the server version reported by HELLO and INFO.
const Version = "0.9.0"

// The main event loop thread index. The other threads are equivalent
// workers.
const mainThread = 0

// serverCronPeriodMs is how often each loop runs its periodic duties.
const serverCronPeriodMs = 100

// threadVar is the per-event-loop-thread state.
type threadVar struct {
	idx int
	el  *ae.EventLoop

	// pendingWrites holds clients with queued replies to flush before
	// the loop sleeps; guarded by pendingLock only.
	pendingLock   fastlock.Lock
	pendingWrites []*client

	// pendingAsyncWrites holds clients whose async scratch buffers were
	// filled from this thread; guarded by the global lock.
	pendingAsyncWrites *list.List

	// unblocked holds clients to re-process on the next tick; guarded
	// by the global lock.
	unblocked *list.List

	// currentClient is the client whose command is being executed,
	// cleared by unlinkClient when it dies mid-command.
	currentClient *client

	connCount atomic.Int32
}

// Server drives the listeners and event-loop threads.
type Server struct {
	cfg     config.ServerConfig
	version string
	runID   string

	store   store.Store
	metrics metrics.ServerMetrics
	ctx     context.Context

	threads []*threadVar

	// Client registry; all guarded by the global lock.
	clients        *list.List
	clientsIndex   map[uint64]*client
	clientsToClose *list.List
	nextClientID   atomic.Uint64

	// Tracking state (client side caching); global lock.
	trackingTable   map[uint64]map[uint64]struct{}
	trackingClients int

	// Observable counters.
	statNumConnections atomic.Uint64
	statRejectedConn   atomic.Uint64
	statNetInputBytes  atomic.Uint64
	statNetOutputBytes atomic.Uint64
	lastSecurityLog    atomic.Int64

	// Cached clocks, refreshed by the loops.
	unixtime atomic.Int64
	mstime   atomic.Int64

	// usedMemory is the process RSS sampled periodically for the
	// max-memory pressure checks on the write path.
	usedMemory  atomic.Uint64
	memSampleAt atomic.Int64
	proc        *process.Process

	// Client pause state.
	clientsPaused   atomic.Bool
	clientsPauseEnd atomic.Int64

	tcpFd  int
	unixFd int

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New builds a Server from its configuration and collaborators. A nil
// serverMetrics disables metrics with zero overhead.
func New(cfg config.ServerConfig, st store.Store, serverMetrics metrics.ServerMetrics) (*Server, error) {
	if serverMetrics == nil {
		serverMetrics = metrics.NewServerMetrics()
	}

	s := &Server{
		cfg:            cfg,
		version:        Version,
		runID:          uuid.NewString(),
		store:          st,
		metrics:        serverMetrics,
		ctx:            context.Background(),
		clients:        list.New(),
		clientsIndex:   make(map[uint64]*client),
		clientsToClose: list.New(),
		tcpFd:          -1,
		unixFd:         -1,
		shutdown:       make(chan struct{}),
	}
	s.touchClocks()

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}

	for i := 0; i < cfg.Threads; i++ {
		el, err := ae.NewEventLoop()
		if err != nil {
			return nil, fmt.Errorf("failed to create event loop %d: %w", i, err)
		}
		tv := &threadVar{
			idx:                i,
			el:                 el,
			pendingAsyncWrites: list.New(),
			unblocked:          list.New(),
		}
		tv.pendingLock.Init()
		el.SetBeforeSleep(func(*ae.EventLoop) { s.beforeSleep(tv) })
		el.SetCron(serverCronPeriodMs, func(*ae.EventLoop) { s.serverCron(tv) })
		s.threads = append(s.threads, tv)
	}

	return s, nil
}

// RunID returns the unique id of this server instance.
func (s *Server) RunID() string { return s.runID }

// Serve opens the listeners and runs the event-loop threads until the
// context is cancelled or SHUTDOWN is received.
func (s *Server) Serve(ctx context.Context) error {
	s.ctx = ctx

	if s.cfg.Port != 0 {
		fd, err := listenTCP(s.bindAddr(), s.cfg.Port)
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
		}
		s.tcpFd = fd
		logger.Info("Listening on %s:%d", s.bindAddr(), s.cfg.Port)
	}
	if s.cfg.UnixSocket != "" {
		fd, err := listenUnix(s.cfg.UnixSocket)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.UnixSocket, err)
		}
		s.unixFd = fd
		logger.Info("Listening on unix socket %s", s.cfg.UnixSocket)
	}

	// Every loop watches the listeners: accepted connections default to
	// staying on the thread that accepted them.
	for _, tv := range s.threads {
		if s.tcpFd != -1 {
			if err := tv.el.CreateFileEvent(s.tcpFd, ae.Readable|ae.ReadThreadsafe, s.acceptTCPHandler, nil); err != nil {
				s.closeListeners()
				return fmt.Errorf("failed to install TCP accept handler: %w", err)
			}
		}
		if s.unixFd != -1 {
			if err := tv.el.CreateFileEvent(s.unixFd, ae.Readable|ae.ReadThreadsafe, s.acceptUnixHandler, nil); err != nil {
				s.closeListeners()
				return fmt.Errorf("failed to install unix accept handler: %w", err)
			}
		}
	}

	logger.Info("Server initialized with %d event loop thread(s), run id %s", len(s.threads), s.runID)

	g, gctx := errgroup.WithContext(ctx)
	for _, tv := range s.threads {
		tv := tv
		g.Go(func() error {
			tv.el.Run()
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.shutdown:
		}
		s.stopLoops()
		return nil
	})

	err := g.Wait()
	s.closeListeners()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Shutdown asks the server to stop. Safe to call from any goroutine and
// more than once.
func (s *Server) Shutdown() {
	s.initiateShutdown()
}

func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
	})
}

func (s *Server) stopLoops() {
	for _, tv := range s.threads {
		tv.el.Stop()
	}
}

func (s *Server) closeListeners() {
	if s.tcpFd != -1 {
		unix.Close(s.tcpFd)
		s.tcpFd = -1
	}
	if s.unixFd != -1 {
		unix.Close(s.unixFd)
		s.unixFd = -1
		_ = os.Remove(s.cfg.UnixSocket)
	}
}

func (s *Server) bindAddr() string {
	if len(s.cfg.Bind) > 0 {
		return s.cfg.Bind[0]
	}
	return ""
}

// currentThreadVar resolves the thread state of the calling thread. For
// callers outside every loop thread the main thread's state is used;
// its lists are drained under the global lock like any other.
func (s *Server) currentThreadVar() *threadVar {
	for _, tv := range s.threads {
		if tv.el.OnLoopThread() {
			return tv
		}
	}
	return s.threads[mainThread]
}

func (s *Server) threadIndexOf(el *ae.EventLoop) int {
	for _, tv := range s.threads {
		if tv.el == el {
			return tv.idx
		}
	}
	return mainThread
}

func (s *Server) touchClocks() {
	now := time.Now()
	s.unixtime.Store(now.Unix())
	s.mstime.Store(now.UnixMilli())
}

// beforeSleep runs at the top of every loop iteration with the global
// lock held: re-process clients that came back from blocked or paused
// state, flush the pending writes, then finalize deferred frees.
func (s *Server) beforeSleep(tv *threadVar) {
	s.touchClocks()

	for tv.unblocked.Len() > 0 {
		e := tv.unblocked.Front()
		c := e.Value.(*client)
		tv.unblocked.Remove(e)
		c.flags.unblocked = false

		c.lock.Lock()
		s.processInputBuffer(c)
		c.lock.Unlock()
	}

	s.handleClientsWithPendingWrites(tv.idx)
	s.freeClientsInAsyncFreeQueue(tv.idx)
}

// serverCron runs the periodic duties of one loop thread with the
// global lock held.
func (s *Server) serverCron(tv *threadVar) {
	s.touchClocks()
	s.checkClientsPauseExpiry()
	s.checkBlockedClientTimeouts(tv)

	s.metrics.SetConnectedClients(tv.idx, int(tv.connCount.Load()))

	if tv.idx == mainThread {
		s.metrics.SetLockLongWaits(fastlock.LongWaitCount())
		s.sampleMemory()
	}
}

// sampleMemory refreshes the cached RSS used by the write-path memory
// pressure check, at most once per second.
func (s *Server) sampleMemory() {
	if s.cfg.MaxMemory == 0 || s.proc == nil {
		return
	}
	now := s.unixtime.Load()
	if now == s.memSampleAt.Load() {
		return
	}
	s.memSampleAt.Store(now)
	if mi, err := s.proc.MemoryInfo(); err == nil {
		s.usedMemory.Store(mi.RSS)
	}
}

// checkBlockedClientTimeouts times out this thread's blocked clients.
func (s *Server) checkBlockedClientTimeouts(tv *threadVar) {
	now := s.mstime.Load()
	for e := s.clients.Front(); e != nil; e = e.Next() {
		c := e.Value.(*client)
		if c.iel != tv.idx || !c.flags.blocked {
			continue
		}
		if c.bpop.deadline != 0 && now >= c.bpop.deadline {
			c.lock.Lock()
			s.replyToBlockedClientTimedOut(c)
			s.unblockClient(c)
			c.lock.Unlock()
		}
	}
}

/* ----------------------------------------------------------------------------
 * Client pause.
 * ------------------------------------------------------------------------- */

// pauseClients suspends command processing for non-replica clients up to
// the given unix-milliseconds deadline. An already running pause is only
// ever extended, never shortened.
func (s *Server) pauseClients(endMs int64) {
	if !s.clientsPaused.Load() || endMs > s.clientsPauseEnd.Load() {
		s.clientsPauseEnd.Store(endMs)
	}
	s.clientsPaused.Store(true)
}

// clientsArePaused reports whether a pause is in effect. Deadline
// expiry is handled by the cron so this stays a lock-free check usable
// from the parse loop.
func (s *Server) clientsArePaused() bool {
	return s.clientsPaused.Load() && s.mstime.Load() < s.clientsPauseEnd.Load()
}

// checkClientsPauseExpiry lifts an expired pause and queues every
// non-replica, non-blocked client for reprocessing of any buffered
// input. Caller holds the global lock.
func (s *Server) checkClientsPauseExpiry() {
	if !s.clientsPaused.Load() || s.mstime.Load() < s.clientsPauseEnd.Load() {
		return
	}
	s.clientsPaused.Store(false)

	for e := s.clients.Front(); e != nil; e = e.Next() {
		c := e.Value.(*client)
		if c.flags.replica || c.flags.blocked {
			continue
		}
		s.queueClientForReprocessing(c)
	}
}

// processEventsWhileBlocked serves a few events from the middle of a
// long blocking operation, so other clients keep getting accepted,
// read, written and closed. The global lock is fully released across
// the iterations and restored before returning.
func (s *Server) processEventsWhileBlocked(iel int) int {
	iterations := 4
	count := 0

	depth := ae.GlobalLock().UnlockRecursive()
	for iterations > 0 {
		iterations--
		events := s.threads[iel].el.ProcessEvents(true)

		ae.AcquireLock()
		events += s.handleClientsWithPendingWrites(iel)
		ae.ReleaseLock()

		if events == 0 {
			break
		}
		count += events
	}
	ae.GlobalLock().LockRecursive(depth)
	return count
}
