package server

import (
	"container/list"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/finchdb/finch/internal/ae"
	"github.com/finchdb/finch/internal/fastlock"
	"github.com/finchdb/finch/internal/logger"
	"github.com/finchdb/finch/internal/resp"
)

// Request types of the parser state machine.
const (
	reqTypeNone = iota
	reqTypeInline
	reqTypeMultibulk
)

// Client classes for output buffer limit enforcement and CLIENT
// LIST/KILL TYPE filters.
const (
	clientTypeNormal = iota
	clientTypeReplica
	clientTypePubsub
	clientTypeMaster
)

// clientFlags is the unpacked flag word of the original client. The
// per-client lock guards every field; booleans keep the four dimensions
// (connection kind, lifecycle, reply gating, I/O scheduling) readable.
type clientFlags struct {
	// Connection kind.
	master     bool
	replica    bool
	monitor    bool
	pubsub     bool
	unixSocket bool
	readonly   bool
	lua        bool
	module     bool

	// Lifecycle.
	multi           bool
	blocked         bool
	unblocked       bool
	protected       bool
	closeAfterReply bool
	closeASAP       bool
	dirtyCAS        bool
	authenticated   bool

	// Client-side caching.
	tracking            bool
	trackingBrokenRedir bool

	// Reply gating.
	replyOff         bool
	replySkip        bool
	replySkipNext    bool
	forceReply       bool
	masterForceReply bool

	// I/O scheduling.
	pendingWrite      bool
	pendingAsyncWrite bool
}

// blockedState carries the parameters of a blocking operation while the
// client sits out of the command loop.
type blockedState struct {
	// deadline is the unblock deadline in unix milliseconds; 0 means no
	// timeout.
	deadline int64

	// keys the client is blocked on, when key-based.
	keys map[string]struct{}

	// target of a blocking transfer, when applicable.
	target []byte

	// numReplicas and replOffset parameterize replication waits.
	numReplicas int
	replOffset  int64
}

// Replication connection states used for write scheduling.
const (
	replStateNone = iota
	replStateConnecting
	replStateSendBulk
	replStateOnline
)

// replicationState is the per-connection replication sub-state. The
// replication protocol itself lives in an external collaborator; the
// connection core only tracks what it needs for scheduling and ACKs.
type replicationState struct {
	state          int
	ackTime        int64
	listeningPort  int
	appliedOffset  int64
	readOffset     int64
	putOnlineOnAck bool
}

// replyBlock is one owned chunk of the spill list. size is the block's
// capacity; used the filled prefix.
type replyBlock struct {
	size int
	used int
	buf  []byte
}

func newReplyBlock(capacity int) *replyBlock {
	if capacity < resp.ReplyChunkBytes {
		capacity = resp.ReplyChunkBytes
	}
	b := make([]byte, capacity)
	return &replyBlock{size: cap(b), buf: b}
}

// client is one connection (or pseudo-connection) to the server.
//
// Ownership: every client with a real socket belongs to exactly one
// event-loop thread (iel). Only that thread reads the socket, runs the
// synchronous reply path, and frees the client. Other threads must go
// through the async reply surface and hold c.lock where documented.
type client struct {
	id  uint64
	iel int
	fd  int // -1 for pseudo-clients (scripting, loaders)

	lock  fastlock.Lock
	flags clientFlags
	resp  int // protocol version: 2 or 3

	// Query side.
	querybuf        []byte
	qbPos           int
	pendingQuerybuf []byte // unapplied replication stream for masters
	querybufPeak    int
	reqType         int
	multibulklen    int
	bulklen         int64
	argv            [][]byte
	cmd             *command
	lastCmd         *command

	// Reply surfaces: fixed inline buffer, spill list, async scratch.
	buf        [resp.ReplyChunkBytes]byte
	bufpos     int
	reply      *list.List // of *replyBlock; nil entries are deferred-length placeholders
	replyBytes uint64
	sentlen    int

	bufAsync         []byte // len == used; grown by doubling
	casyncOpsPending int

	bpop           blockedState
	repl           replicationState
	pubsubChannels map[string]struct{}
	watchedKeys    []string

	trackingRedirect uint64

	name   string
	peerid string // lazily rendered
	user   string

	ctime           int64
	lastInteraction int64

	obufSoftLimitReachedTime int64

	listNode *list.Element // node in Server.clients
}

// createClient allocates a client bound to thread iel. With fd == -1 a
// pseudo-client is created: it can run commands but every socket
// operation short-circuits. Returns nil when the read handler cannot be
// installed.
func (s *Server) createClient(fd, iel int) *client {
	c := &client{
		id:             s.nextClientID.Add(1),
		iel:            iel,
		fd:             fd,
		resp:           2,
		bulklen:        -1,
		reply:          list.New(),
		pubsubChannels: make(map[string]struct{}),
		user:           "default",
	}
	c.lock.Init()
	now := s.unixtime.Load()
	c.ctime, c.lastInteraction = now, now

	// The default user is authenticated outright when passwordless.
	c.flags.authenticated = s.cfg.RequirePass == ""

	if fd != -1 {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return nil
		}
		if !c.flags.unixSocket {
			_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		}
		if s.cfg.TCPKeepAlive > 0 {
			_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		}
		if err := s.threads[iel].el.CreateFileEvent(fd,
			ae.Readable|ae.ReadThreadsafe, s.readQueryFromClient, c); err != nil {
			unix.Close(fd)
			return nil
		}
		s.linkClient(c)
	}
	return c
}

// linkClient registers the client in the process-wide list and the id
// index. Caller holds the global lock.
func (s *Server) linkClient(c *client) {
	c.listNode = s.clients.PushBack(c)
	s.clientsIndex[c.id] = c
	s.threads[c.iel].connCount.Add(1)
}

// unlinkClient removes every reference to the client from the shared
// structures and closes its socket. Caller is the owner thread, holding
// the global lock and c.lock for socket-backed clients.
func (s *Server) unlinkClient(c *client) {
	// If this is the client whose command is being executed, unset it so
	// the command loop learns it died.
	if tv := s.currentThreadVar(); tv.currentClient == c {
		tv.currentClient = nil
	}

	if c.fd != -1 {
		if c.listNode != nil {
			delete(s.clientsIndex, c.id)
			s.clients.Remove(c.listNode)
			c.listNode = nil
		}

		tv := s.threads[c.iel]
		tv.el.DeleteFileEvent(c.fd, ae.Readable)
		tv.el.DeleteFileEvent(c.fd, ae.Writable)
		unix.Close(c.fd)
		c.fd = -1
		tv.connCount.Add(-1)
	}

	if c.flags.pendingWrite {
		tv := s.threads[c.iel]
		tv.pendingLock.Lock()
		for i, pc := range tv.pendingWrites {
			if pc == c {
				tv.pendingWrites = append(tv.pendingWrites[:i], tv.pendingWrites[i+1:]...)
				break
			}
		}
		tv.pendingLock.Unlock()
		c.flags.pendingWrite = false
	}

	if c.flags.unblocked {
		removeFromList(s.threads[c.iel].unblocked, c)
		c.flags.unblocked = false
	}

	if c.flags.pendingAsyncWrite {
		for _, tv := range s.threads {
			removeFromList(tv.pendingAsyncWrites, c)
		}
		c.flags.pendingAsyncWrite = false
	}

	if c.flags.tracking {
		s.disableTracking(c)
	}
}

// freeClient destroys the client. Must run on the owner thread with the
// global lock held for socket-backed clients. Returns false when the
// free was converted into an asynchronous one (protected client or
// in-flight async ops).
func (s *Server) freeClient(c *client) bool {
	c.lock.Lock()

	if c.flags.protected || c.casyncOpsPending > 0 {
		c.lock.Unlock()
		s.freeClientAsync(c)
		return false
	}

	if c.flags.replica && !c.flags.monitor {
		logger.Warn("Connection with replica %s lost.", s.clientPeerID(c))
	}

	c.querybuf = nil
	c.pendingQuerybuf = nil

	if c.flags.blocked {
		s.unblockClient(c)
	}

	c.pubsubChannels = nil
	c.watchedKeys = nil
	c.reply.Init()
	c.replyBytes = 0
	c.argv = nil
	c.cmd = nil

	s.unlinkClient(c)

	if c.flags.closeASAP {
		removeFromList(s.clientsToClose, c)
	}

	c.bufAsync = nil
	c.lock.Unlock()
	c.lock.Free()
	return true
}

// freeClientAsync schedules the client for destruction at the owner
// thread's next safe point. Callable from any thread; the only writer of
// the close list besides the owner drain.
func (s *Server) freeClientAsync(c *client) {
	if c.flags.closeASAP || c.flags.lua {
		return // racy check without the lock first
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	s.armGlobalLock(c)
	defer ae.ReleaseLock()
	if c.flags.closeASAP || c.flags.lua {
		return // lost the race while acquiring
	}
	c.flags.closeASAP = true
	s.clientsToClose.PushBack(c)
}

// freeClientsInAsyncFreeQueue finalizes the pending destructions owned
// by thread iel. Caller holds the global lock.
func (s *Server) freeClientsInAsyncFreeQueue(iel int) {
	var mine []*client
	for e := s.clientsToClose.Front(); e != nil; {
		next := e.Next()
		c := e.Value.(*client)
		if c.iel == iel {
			mine = append(mine, c)
			s.clientsToClose.Remove(e)
		}
		e = next
	}
	for _, c := range mine {
		c.flags.closeASAP = false
		s.freeClient(c)
	}
}

// lookupClientByID resolves an id under the global lock. Pseudo-clients
// are never registered.
func (s *Server) lookupClientByID(id uint64) *client {
	return s.clientsIndex[id]
}

// resetClient prepares the client to process the next command.
func (s *Server) resetClient(c *client) {
	c.argv = nil
	c.cmd = nil
	c.reqType = reqTypeNone
	c.multibulklen = 0
	c.bulklen = -1

	// Skip the reply to the next command only: shift the skip-next mark
	// into an actual skip, clearing the one that just applied.
	c.flags.replySkip = false
	if c.flags.replySkipNext {
		c.flags.replySkip = true
		c.flags.replySkipNext = false
	}
}

// protectClient suspends the client's file events so that no error
// signal can free it while the caller re-enters the event loop.
func (s *Server) protectClient(c *client) {
	c.flags.protected = true
	tv := s.threads[c.iel]
	tv.el.DeleteFileEvent(c.fd, ae.Readable)
	tv.el.DeleteFileEvent(c.fd, ae.Writable)
}

func (s *Server) unprotectClient(c *client) {
	if !c.flags.protected {
		return
	}
	c.flags.protected = false
	tv := s.threads[c.iel]
	_ = tv.el.CreateFileEvent(c.fd, ae.Readable|ae.ReadThreadsafe, s.readQueryFromClient, c)
	if clientHasPendingReplies(c) {
		s.installWriteHandler(c)
	}
}

// blockClient parks the client outside the command loop until
// unblockClient runs, with an optional deadline in unix milliseconds.
func (s *Server) blockClient(c *client, deadlineMs int64) {
	c.flags.blocked = true
	c.bpop.deadline = deadlineMs
}

// unblockClient clears the blocked state and queues the client for
// reprocessing of whatever sits in its query buffer.
func (s *Server) unblockClient(c *client) {
	if !c.flags.blocked {
		return
	}
	c.flags.blocked = false
	c.bpop = blockedState{}
	s.queueClientForReprocessing(c)
}

// queueClientForReprocessing puts the client on its owner thread's
// unblocked list so the next loop tick re-reads its query buffer. Caller
// holds the global lock.
func (s *Server) queueClientForReprocessing(c *client) {
	if c.flags.unblocked {
		return
	}
	c.flags.unblocked = true
	s.threads[c.iel].unblocked.PushBack(c)
}

// onOwnerThread reports whether the caller runs on the client's owner
// event-loop thread.
func (s *Server) onOwnerThread(c *client) bool {
	return s.threads[c.iel].el.OnLoopThread()
}

// clientType classifies the client for limits and admin filters.
func clientType(c *client) int {
	switch {
	case c.flags.master:
		return clientTypeMaster
	case c.flags.replica && !c.flags.monitor:
		return clientTypeReplica
	case c.flags.pubsub:
		return clientTypePubsub
	default:
		return clientTypeNormal
	}
}

func clientTypeByName(name string) int {
	switch name {
	case "normal":
		return clientTypeNormal
	case "slave", "replica":
		return clientTypeReplica
	case "pubsub":
		return clientTypePubsub
	case "master":
		return clientTypeMaster
	default:
		return -1
	}
}

func clientTypeName(t int) string {
	switch t {
	case clientTypeNormal:
		return "normal"
	case clientTypeReplica:
		return "slave"
	case clientTypePubsub:
		return "pubsub"
	case clientTypeMaster:
		return "master"
	default:
		return ""
	}
}

// clientPeerID returns the cached "ip:port" form of the peer address,
// rendering it on first use; it never changes for the life of the
// connection.
func (s *Server) clientPeerID(c *client) string {
	if c.peerid != "" {
		return c.peerid
	}
	if c.flags.unixSocket {
		c.peerid = s.cfg.UnixSocket + ":0"
		return c.peerid
	}
	if c.fd == -1 {
		c.peerid = "fake:0"
		return c.peerid
	}
	sa, err := unix.Getpeername(c.fd)
	if err != nil {
		c.peerid = "?:0"
		return c.peerid
	}
	c.peerid = formatSockaddr(sa)
	return c.peerid
}

func formatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x:%x:%x:%x:%x:%x:%x:%x]:%d",
			uint16(a.Addr[0])<<8|uint16(a.Addr[1]), uint16(a.Addr[2])<<8|uint16(a.Addr[3]),
			uint16(a.Addr[4])<<8|uint16(a.Addr[5]), uint16(a.Addr[6])<<8|uint16(a.Addr[7]),
			uint16(a.Addr[8])<<8|uint16(a.Addr[9]), uint16(a.Addr[10])<<8|uint16(a.Addr[11]),
			uint16(a.Addr[12])<<8|uint16(a.Addr[13]), uint16(a.Addr[14])<<8|uint16(a.Addr[15]),
			a.Port)
	case *unix.SockaddrUnix:
		return a.Name + ":0"
	default:
		return "?:0"
	}
}

// catClientInfo renders one CLIENT LIST line.
func (s *Server) catClientInfo(c *client) string {
	fl := make([]byte, 0, 16)
	if c.flags.replica {
		if c.flags.monitor {
			fl = append(fl, 'O')
		} else {
			fl = append(fl, 'S')
		}
	}
	if c.flags.master {
		fl = append(fl, 'M')
	}
	if c.flags.pubsub {
		fl = append(fl, 'P')
	}
	if c.flags.multi {
		fl = append(fl, 'x')
	}
	if c.flags.blocked {
		fl = append(fl, 'b')
	}
	if c.flags.tracking {
		fl = append(fl, 't')
	}
	if c.flags.trackingBrokenRedir {
		fl = append(fl, 'R')
	}
	if c.flags.dirtyCAS {
		fl = append(fl, 'd')
	}
	if c.flags.closeAfterReply {
		fl = append(fl, 'c')
	}
	if c.flags.unblocked {
		fl = append(fl, 'u')
	}
	if c.flags.closeASAP {
		fl = append(fl, 'A')
	}
	if c.flags.unixSocket {
		fl = append(fl, 'U')
	}
	if c.flags.readonly {
		fl = append(fl, 'r')
	}
	if len(fl) == 0 {
		fl = append(fl, 'N')
	}

	var events string
	if c.fd != -1 {
		emask := s.threads[c.iel].el.FileEvents(c.fd)
		if emask&ae.Readable != 0 {
			events += "r"
		}
		if emask&ae.Writable != 0 {
			events += "w"
		}
	}

	lastCmd := "NULL"
	if c.lastCmd != nil {
		lastCmd = c.lastCmd.name
	}

	now := s.unixtime.Load()
	return fmt.Sprintf(
		"id=%d addr=%s fd=%d name=%s age=%d idle=%d flags=%s db=0 sub=%d psub=0 multi=-1 qbuf=%d qbuf-free=%d obl=%d oll=%d omem=%d events=%s cmd=%s",
		c.id, s.clientPeerID(c), c.fd, c.name,
		now-c.ctime, now-c.lastInteraction, fl,
		len(c.pubsubChannels),
		len(c.querybuf)-c.qbPos, cap(c.querybuf)-len(c.querybuf),
		c.bufpos, c.reply.Len(), clientOutputBufferMemoryUsage(c),
		events, lastCmd)
}

// removeFromList deletes the first node holding c, if any.
func removeFromList(l *list.List, c *client) {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*client) == c {
			l.Remove(e)
			return
		}
	}
}
