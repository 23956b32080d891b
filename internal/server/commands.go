package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/finchdb/finch/internal/ae"
	"github.com/finchdb/finch/internal/fastlock"
	"github.com/finchdb/finch/internal/logger"
	"github.com/finchdb/finch/pkg/store"
)

// command is one entry of the dispatch table. Arity follows the usual
// convention: positive means exact, negative means at-least.
type command struct {
	name     string
	proc     func(s *Server, c *client)
	arity    int
	readonly bool
	firstKey int
	lastKey  int
	noAuth   bool // runnable before authentication
}

var commandTable []*command

var commands map[string]*command

func init() {
	commandTable = []*command{
		{name: "ping", proc: pingCommand, arity: -1},
		{name: "echo", proc: echoCommand, arity: 2},
		{name: "select", proc: selectCommand, arity: 2},
		{name: "auth", proc: authCommand, arity: 2, noAuth: true},
		{name: "hello", proc: helloCommand, arity: -2, noAuth: true},
		{name: "quit", proc: quitCommand, arity: 1, noAuth: true},
		{name: "client", proc: clientCommand, arity: -2},
		{name: "command", proc: commandCommand, arity: -1},
		{name: "info", proc: infoCommand, arity: -1},
		{name: "shutdown", proc: shutdownCommand, arity: -1},
		{name: "debug", proc: debugCommand, arity: -2},
		{name: "bwait", proc: bwaitCommand, arity: 2},
		{name: "get", proc: getCommand, arity: 2, readonly: true, firstKey: 1, lastKey: 1},
		{name: "set", proc: setCommand, arity: -3, firstKey: 1, lastKey: 1},
		{name: "del", proc: delCommand, arity: -2, firstKey: 1, lastKey: -1},
		{name: "exists", proc: existsCommand, arity: -2, readonly: true, firstKey: 1, lastKey: -1},

		// POST and "Host:" are no commands: they mean somebody is talking
		// HTTP to us, a cross protocol scripting attempt.
		{name: "post", proc: securityWarningCommand, arity: -1, noAuth: true},
		{name: "host:", proc: securityWarningCommand, arity: -1, noAuth: true},
	}

	commands = make(map[string]*command, len(commandTable))
	for _, cmd := range commandTable {
		commands[cmd.name] = cmd
	}
}

func lookupCommand(name string) *command {
	return commands[name]
}

// armGlobalLock acquires the global lock while already holding c.lock,
// respecting the global -> client order: when the global lock is not
// immediately available the client lock is fully released first and
// restored afterwards.
func (s *Server) armGlobalLock(c *client) {
	if ae.TryAcquireLock(true) {
		return
	}
	depth := c.lock.UnlockRecursive()
	ae.AcquireLock()
	c.lock.LockRecursive(depth)
}

// processCommandAndResetClient executes the parsed command under the
// global lock and prepares the client for the next one. Returns false
// when the client was freed as a side effect of the command.
func (s *Server) processCommandAndResetClient(c *client) bool {
	s.armGlobalLock(c)
	tv := s.currentThreadVar()
	tv.currentClient = c

	s.processCommand(c)

	if c.flags.master && !c.flags.multi {
		// Track how much of the replication stream was applied.
		c.repl.appliedOffset = c.repl.readOffset - int64(len(c.querybuf)-c.qbPos)
	}
	s.resetClient(c)

	dead := tv.currentClient == nil
	tv.currentClient = nil
	ae.ReleaseLock()
	return !dead
}

// processCommand dispatches one parsed command. Caller holds the global
// lock and c.lock.
func (s *Server) processCommand(c *client) {
	name := strings.ToLower(string(c.argv[0]))
	cmd := lookupCommand(name)
	c.cmd = cmd
	if cmd != nil {
		c.lastCmd = cmd
	}

	if cmd == nil {
		s.addReplyErrorFormat(c, "unknown command `%s`, with args beginning with:", name)
		return
	}

	if (cmd.arity > 0 && len(c.argv) != cmd.arity) ||
		(cmd.arity < 0 && len(c.argv) < -cmd.arity) {
		s.addReplyErrorFormat(c, "wrong number of arguments for '%s' command", cmd.name)
		return
	}

	if !c.flags.authenticated && !cmd.noAuth {
		s.addReplyError(c, "-NOAUTH Authentication required.")
		return
	}

	cmd.proc(s, c)

	if c.flags.tracking && cmd.readonly {
		s.trackingRememberKeys(c)
	}
}

// commandKeys returns the key arguments of the current command.
func commandKeys(c *client) [][]byte {
	cmd := c.cmd
	if cmd == nil || cmd.firstKey == 0 {
		return nil
	}
	last := cmd.lastKey
	if last < 0 {
		last = len(c.argv) + last
	}
	if last >= len(c.argv) {
		last = len(c.argv) - 1
	}
	var keys [][]byte
	for i := cmd.firstKey; i <= last; i++ {
		keys = append(keys, c.argv[i])
	}
	return keys
}

func pingCommand(s *Server, c *client) {
	if len(c.argv) > 2 {
		s.addReplyErrorFormat(c, "wrong number of arguments for '%s' command", "ping")
		return
	}
	if len(c.argv) == 2 {
		s.addReplyBulk(c, c.argv[1])
		return
	}
	s.addReplyProto(c, []byte("+PONG\r\n"))
}

func echoCommand(s *Server, c *client) {
	s.addReplyBulk(c, c.argv[1])
}

func selectCommand(s *Server, c *client) {
	idx, err := strconv.Atoi(string(c.argv[1]))
	if err != nil {
		s.addReplyError(c, "invalid DB index")
		return
	}
	// The core runs a single keyspace.
	if idx != 0 {
		s.addReplyError(c, "DB index is out of range")
		return
	}
	s.addReplyProto(c, []byte("+OK\r\n"))
}

func authCommand(s *Server, c *client) {
	if s.cfg.RequirePass == "" {
		s.addReplyError(c, "Client sent AUTH, but no password is set. Did you mean AUTH <username> <password>?")
		return
	}
	if string(c.argv[1]) == s.cfg.RequirePass {
		c.flags.authenticated = true
		s.addReplyProto(c, []byte("+OK\r\n"))
		return
	}
	c.flags.authenticated = false
	s.addReplyError(c, "-WRONGPASS invalid username-password pair")
}

func quitCommand(s *Server, c *client) {
	s.addReplyProto(c, []byte("+OK\r\n"))
	c.flags.closeAfterReply = true
}

func getCommand(s *Server, c *client) {
	val, err := s.store.Get(s.ctx, c.argv[1])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.addReplyNull(c)
			return
		}
		s.addReplyErrorFormat(c, "store failure: %v", err)
		return
	}
	s.addReplyBulk(c, val)
}

func setCommand(s *Server, c *client) {
	if len(c.argv) != 3 {
		s.addReplyError(c, "syntax error")
		return
	}
	if err := s.store.Set(s.ctx, c.argv[1], c.argv[2]); err != nil {
		s.addReplyErrorFormat(c, "store failure: %v", err)
		return
	}
	s.trackingInvalidateKey(c.argv[1])
	s.addReplyProto(c, []byte("+OK\r\n"))
}

func delCommand(s *Server, c *client) {
	deleted := int64(0)
	for _, key := range c.argv[1:] {
		existed, err := s.store.Del(s.ctx, key)
		if err != nil {
			s.addReplyErrorFormat(c, "store failure: %v", err)
			return
		}
		if existed {
			deleted++
			s.trackingInvalidateKey(key)
		}
	}
	s.addReplyLongLong(c, deleted)
}

func existsCommand(s *Server, c *client) {
	count := int64(0)
	for _, key := range c.argv[1:] {
		ok, err := s.store.Exists(s.ctx, key)
		if err != nil {
			s.addReplyErrorFormat(c, "store failure: %v", err)
			return
		}
		if ok {
			count++
		}
	}
	s.addReplyLongLong(c, count)
}

// commandCommand implements COMMAND and COMMAND COUNT. The full reply
// uses a deferred length: the table is walked while emitting.
func commandCommand(s *Server, c *client) {
	if len(c.argv) == 2 && strings.EqualFold(string(c.argv[1]), "count") {
		s.addReplyLongLong(c, int64(len(commandTable)))
		return
	}
	if len(c.argv) > 1 {
		s.addReplySubcommandSyntaxError(c)
		return
	}

	d := s.addReplyDeferredLen(c)
	n := int64(0)
	for _, cmd := range commandTable {
		s.addReplyArrayLen(c, 2)
		s.addReplyBulkString(c, cmd.name)
		s.addReplyLongLong(c, int64(cmd.arity))
		n++
	}
	s.setDeferredArrayLen(c, d, n)
}

func infoCommand(s *Server, c *client) {
	var b strings.Builder

	b.WriteString("# Server\r\n")
	b.WriteString("server_name:finch\r\n")
	b.WriteString("version:" + s.version + "\r\n")
	b.WriteString("run_id:" + s.runID + "\r\n")
	b.WriteString("tcp_port:" + strconv.Itoa(s.cfg.Port) + "\r\n")
	b.WriteString("io_threads:" + strconv.Itoa(len(s.threads)) + "\r\n")
	b.WriteString("\r\n# Clients\r\n")
	b.WriteString("connected_clients:" + strconv.Itoa(s.clients.Len()) + "\r\n")
	b.WriteString("\r\n# Stats\r\n")
	b.WriteString("total_connections_received:" + strconv.FormatUint(s.statNumConnections.Load(), 10) + "\r\n")
	b.WriteString("rejected_connections:" + strconv.FormatUint(s.statRejectedConn.Load(), 10) + "\r\n")
	b.WriteString("total_net_input_bytes:" + strconv.FormatUint(s.statNetInputBytes.Load(), 10) + "\r\n")
	b.WriteString("total_net_output_bytes:" + strconv.FormatUint(s.statNetOutputBytes.Load(), 10) + "\r\n")
	b.WriteString("fastlock_long_waits:" + strconv.FormatUint(fastlock.LongWaitCount(), 10) + "\r\n")

	s.addReplyVerbatim(c, []byte(b.String()), "txt")
}

func shutdownCommand(s *Server, c *client) {
	logger.Warn("User requested shutdown...")
	s.initiateShutdown()
}

// debugCommand carries the introspection helpers. SLEEP holds the
// global lock while still serving a few events per interval, the way a
// long-running persistence stage would.
func debugCommand(s *Server, c *client) {
	sub := strings.ToLower(string(c.argv[1]))
	switch {
	case sub == "sleep" && len(c.argv) == 3:
		secs, err := strconv.ParseFloat(string(c.argv[2]), 64)
		if err != nil || secs < 0 {
			s.addReplyError(c, "invalid sleep time")
			return
		}
		// Suspend this client's file events and drop its lock so the
		// served events cannot race or free it while we linger.
		s.protectClient(c)
		depth := c.lock.UnlockRecursive()

		deadline := time.Now().Add(time.Duration(secs * float64(time.Second)))
		for time.Now().Before(deadline) {
			s.processEventsWhileBlocked(c.iel)
			time.Sleep(time.Millisecond)
		}

		c.lock.LockRecursive(depth)
		s.unprotectClient(c)
		s.addReplyProto(c, []byte("+OK\r\n"))
	default:
		s.addReplySubcommandSyntaxError(c)
	}
}

// bwaitCommand blocks the client until CLIENT UNBLOCK or the given
// timeout in milliseconds (0 means forever). The demo blocking
// primitive behind the blocked/unblocked lifecycle.
func bwaitCommand(s *Server, c *client) {
	ms, err := strconv.ParseInt(string(c.argv[1]), 10, 64)
	if err != nil || ms < 0 {
		s.addReplyError(c, "timeout is not an integer or out of range")
		return
	}
	deadline := int64(0)
	if ms > 0 {
		deadline = s.mstime.Load() + ms
	}
	s.blockClient(c, deadline)
}

// replyToBlockedClientTimedOut sends the timeout reply of the blocking
// primitive.
func (s *Server) replyToBlockedClientTimedOut(c *client) {
	s.addReplyNullCore(c, !s.onOwnerThread(c))
}

func securityWarningCommand(s *Server, c *client) {
	now := time.Now().Unix()
	last := s.lastSecurityLog.Load()
	if now-last > 60 && s.lastSecurityLog.CompareAndSwap(last, now) {
		logger.Warn("Possible SECURITY ATTACK detected. It looks like somebody is sending POST or Host: commands to Finch. This is likely due to an attacker attempting to use Cross Protocol Scripting to compromise your Finch instance. Connection aborted.")
	}
	s.freeClientAsync(c)
}
