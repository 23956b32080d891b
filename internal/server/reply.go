package server

import (
	"container/list"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/finchdb/finch/internal/logger"
	"github.com/finchdb/finch/internal/resp"
)

// clientHasPendingReplies reports whether the client has reply bytes
// queued for the socket.
func clientHasPendingReplies(c *client) bool {
	return (c.bufpos > 0 || c.reply.Len() > 0) && !c.flags.closeASAP
}

// replyListNodeOverhead approximates the bookkeeping cost of one spill
// list entry for output-buffer accounting.
const replyListNodeOverhead = 64

func clientOutputBufferMemoryUsage(c *client) uint64 {
	return c.replyBytes + uint64(c.reply.Len())*replyListNodeOverhead + uint64(cap(c.bufAsync))
}

// installWriteHandler flags the client and puts it on its owner
// thread's pending-write vector. The writable file event is not
// installed here: the pre-sleep coalescer first tries to write without a
// syscall round-trip and only installs the handler on a short write.
// Caller holds c.lock on the owner thread.
func (s *Server) installWriteHandler(c *client) {
	if c.flags.pendingWrite {
		return
	}
	// Replicas accumulate but are not scheduled for writes until fully
	// online.
	if c.repl.state != replStateNone &&
		!(c.repl.state == replStateOnline && !c.repl.putOnlineOnAck) {
		return
	}
	c.flags.pendingWrite = true

	tv := s.threads[c.iel]
	tv.pendingLock.Lock()
	tv.pendingWrites = append(tv.pendingWrites, c)
	tv.pendingLock.Unlock()
}

// installAsyncWriteHandler puts the client on the calling thread's
// pending-async-write list. Caller holds the global lock.
func (s *Server) installAsyncWriteHandler(c *client) {
	if c.flags.pendingAsyncWrite {
		return
	}
	c.flags.pendingAsyncWrite = true
	s.currentThreadVar().pendingAsyncWrites.PushFront(c)
}

// prepareClientToWrite is called before any reply byte is queued. It
// decides whether the client accepts replies at all and schedules the
// flush. The async flag is automatically downgraded when the caller
// already runs on the client's owner thread.
func (s *Server) prepareClientToWrite(c *client, fAsync bool) bool {
	fAsync = fAsync && !s.onOwnerThread(c)

	// FORCE REPLY means something else is being done with the buffer;
	// accept bytes but do not schedule a write.
	if c.flags.forceReply {
		return true
	}

	// Scripting pseudo-clients have no socket at all.
	if c.flags.lua || c.flags.module {
		return true
	}

	if c.flags.replyOff || c.flags.replySkip {
		return false
	}

	// Masters don't receive replies, unless explicitly forced.
	if c.flags.master && !c.flags.masterForceReply {
		return false
	}

	if c.fd <= 0 {
		return false // fake client
	}

	if !fAsync && !clientHasPendingReplies(c) {
		s.installWriteHandler(c)
	}
	if fAsync && !c.flags.pendingAsyncWrite {
		s.installAsyncWriteHandler(c)
	}
	return true
}

/* ----------------------------------------------------------------------------
 * Low level functions to add more data to output buffers.
 * ------------------------------------------------------------------------- */

// addToBuffer places b in the inline reply buffer, or in the async
// scratch when fAsync is set. Returns false when the bytes must go to
// the spill list instead.
func (s *Server) addToBuffer(c *client, b []byte, fAsync bool) bool {
	if c.flags.closeAfterReply {
		return true
	}

	fAsync = fAsync && !s.onOwnerThread(c)
	if fAsync {
		need := len(c.bufAsync) + len(b)
		if cap(c.bufAsync) < need {
			newCap := 2 * cap(c.bufAsync)
			if newCap < need {
				newCap = need
			}
			grown := make([]byte, len(c.bufAsync), newCap)
			copy(grown, c.bufAsync)
			c.bufAsync = grown
		}
		c.bufAsync = append(c.bufAsync, b...)
		return true
	}

	// If there already are entries in the reply list, nothing more can
	// go into the static buffer.
	if c.reply.Len() > 0 {
		return false
	}
	if len(b) > len(c.buf)-c.bufpos {
		return false
	}
	copy(c.buf[c.bufpos:], b)
	c.bufpos += len(b)
	return true
}

// addToList appends b to the spill list, topping up the tail block
// before allocating a fresh one. Never used on the async path.
func (s *Server) addToList(c *client, b []byte) {
	if c.flags.closeAfterReply {
		return
	}

	// The tail may hold a nil block: deferred-length placeholders are
	// nil entries filled in later.
	if e := c.reply.Back(); e != nil {
		if tail := e.Value.(*replyBlock); tail != nil {
			n := copy(tail.buf[tail.used:tail.size], b)
			tail.used += n
			b = b[n:]
		}
	}
	if len(b) > 0 {
		blk := newReplyBlock(len(b))
		blk.used = copy(blk.buf, b)
		c.reply.PushBack(blk)
		c.replyBytes += uint64(blk.size)
	}
	s.asyncCloseClientOnOutputBufferLimitReached(c)
}

// addReplyProtoCore queues raw protocol bytes on the client.
func (s *Server) addReplyProtoCore(c *client, b []byte, fAsync bool) {
	if !s.prepareClientToWrite(c, fAsync) {
		return
	}
	if !s.addToBuffer(c, b, fAsync) {
		s.addToList(c, b)
	}
}

func (s *Server) addReplyProto(c *client, b []byte) {
	s.addReplyProtoCore(c, b, false)
}

func (s *Server) addReplyProtoAsync(c *client, b []byte) {
	s.addReplyProtoCore(c, b, true)
}

/* ----------------------------------------------------------------------------
 * Higher level formatters, called by command implementations.
 * ------------------------------------------------------------------------- */

// addReplyErrorCore emits "-ERRORCODE message\r\n". When the message does
// not carry its own -CODE prefix, "-ERR " is prepended.
func (s *Server) addReplyErrorCore(c *client, msg string, fAsync bool) {
	if len(msg) == 0 || msg[0] != '-' {
		s.addReplyProtoCore(c, []byte("-ERR "), fAsync)
	}
	s.addReplyProtoCore(c, []byte(msg), fAsync)
	s.addReplyProtoCore(c, resp.CRLF, fAsync)

	// An error flowing between a master and a replica almost always
	// means a bug somewhere in the pipeline; those are worth a warning.
	if (c.flags.master || c.flags.replica) && !c.flags.monitor {
		to, from := "master", "replica"
		if c.flags.master {
			to, from = "replica", "master"
		}
		cmdname := "<unknown>"
		if c.lastCmd != nil {
			cmdname = c.lastCmd.name
		}
		logger.Warn("== CRITICAL == This %s is sending an error to its %s: '%s' after processing the command '%s'",
			from, to, msg, cmdname)
	}
}

func (s *Server) addReplyError(c *client, msg string) {
	s.addReplyErrorCore(c, msg, false)
}

func (s *Server) addReplyErrorAsync(c *client, msg string) {
	s.addReplyErrorCore(c, msg, true)
}

// addReplyErrorFormat formats an error, flattening newlines which would
// break the protocol.
func (s *Server) addReplyErrorFormat(c *client, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	msg = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, msg)
	s.addReplyErrorCore(c, msg, false)
}

func (s *Server) addReplyStatus(c *client, status string) {
	s.addReplyProto(c, []byte("+"))
	s.addReplyProto(c, []byte(status))
	s.addReplyProto(c, resp.CRLF)
}

func (s *Server) addReplyStatusFormat(c *client, format string, args ...any) {
	s.addReplyStatus(c, fmt.Sprintf(format, args...))
}

// addReplyLongLongWithPrefixCore emits <prefix><n>\r\n, reusing the
// shared small headers for '*' and '$'.
func (s *Server) addReplyLongLongWithPrefixCore(c *client, n int64, prefix byte, fAsync bool) {
	if (prefix == '*' || prefix == '$') && n >= 0 {
		s.addReplyProtoCore(c, resp.AggregateHeader(prefix, n), fAsync)
		return
	}
	buf := make([]byte, 0, 24)
	buf = append(buf, prefix)
	buf = strconv.AppendInt(buf, n, 10)
	buf = append(buf, '\r', '\n')
	s.addReplyProtoCore(c, buf, fAsync)
}

func (s *Server) addReplyLongLongCore(c *client, n int64, fAsync bool) {
	switch n {
	case 0:
		s.addReplyProtoCore(c, resp.CZero, fAsync)
	case 1:
		s.addReplyProtoCore(c, resp.COne, fAsync)
	default:
		s.addReplyLongLongWithPrefixCore(c, n, ':', fAsync)
	}
}

func (s *Server) addReplyLongLong(c *client, n int64) {
	s.addReplyLongLongCore(c, n, false)
}

func (s *Server) addReplyLongLongAsync(c *client, n int64) {
	s.addReplyLongLongCore(c, n, true)
}

func (s *Server) addReplyAggregateLenCore(c *client, length int64, prefix byte, fAsync bool) {
	s.addReplyLongLongWithPrefixCore(c, length, prefix, fAsync)
}

func (s *Server) addReplyArrayLen(c *client, length int64) {
	s.addReplyAggregateLenCore(c, length, '*', false)
}

func (s *Server) addReplyArrayLenAsync(c *client, length int64) {
	s.addReplyAggregateLenCore(c, length, '*', true)
}

// Maps are a native type only in protocol 3; protocol 2 sees a flat
// array of alternating keys and values, twice as long.
func (s *Server) addReplyMapLenCore(c *client, length int64, fAsync bool) {
	prefix := byte('%')
	if c.resp == 2 {
		prefix = '*'
		length *= 2
	}
	s.addReplyAggregateLenCore(c, length, prefix, fAsync)
}

func (s *Server) addReplyMapLen(c *client, length int64) {
	s.addReplyMapLenCore(c, length, false)
}

func (s *Server) addReplySetLen(c *client, length int64) {
	prefix := byte('~')
	if c.resp == 2 {
		prefix = '*'
	}
	s.addReplyAggregateLenCore(c, length, prefix, false)
}

func (s *Server) addReplyAttributeLen(c *client, length int64) {
	prefix := byte('|')
	if c.resp == 2 {
		prefix = '*'
		length *= 2
	}
	s.addReplyAggregateLenCore(c, length, prefix, false)
}

func (s *Server) addReplyPushLenCore(c *client, length int64, fAsync bool) {
	prefix := byte('>')
	if c.resp == 2 {
		prefix = '*'
	}
	s.addReplyAggregateLenCore(c, length, prefix, fAsync)
}

func (s *Server) addReplyPushLen(c *client, length int64) {
	s.addReplyPushLenCore(c, length, false)
}

func (s *Server) addReplyPushLenAsync(c *client, length int64) {
	s.addReplyPushLenCore(c, length, true)
}

func (s *Server) addReplyNullCore(c *client, fAsync bool) {
	if c.resp == 2 {
		s.addReplyProtoCore(c, resp.NullBulk, fAsync)
	} else {
		s.addReplyProtoCore(c, resp.Null3, fAsync)
	}
}

func (s *Server) addReplyNull(c *client) {
	s.addReplyNullCore(c, false)
}

func (s *Server) addReplyNullAsync(c *client) {
	s.addReplyNullCore(c, true)
}

// A null array no longer exists in protocol 3; it degrades to the plain
// null type there.
func (s *Server) addReplyNullArray(c *client) {
	if c.resp == 2 {
		s.addReplyProto(c, resp.NullMultiBulk)
	} else {
		s.addReplyProto(c, resp.Null3)
	}
}

func (s *Server) addReplyBool(c *client, b bool) {
	if c.resp == 2 {
		if b {
			s.addReplyProto(c, resp.COne)
		} else {
			s.addReplyProto(c, resp.CZero)
		}
		return
	}
	if b {
		s.addReplyProto(c, []byte("#t\r\n"))
	} else {
		s.addReplyProto(c, []byte("#f\r\n"))
	}
}

// addReplyDoubleCore emits a double: bulk-string form in protocol 2, the
// native ',' form in protocol 3. Non-finite values are spelled out as
// inf/-inf since printf renditions vary across platforms.
func (s *Server) addReplyDoubleCore(c *client, d float64, fAsync bool) {
	if math.IsInf(d, 0) {
		if c.resp == 2 {
			if d > 0 {
				s.addReplyBulkStringCore(c, "inf", fAsync)
			} else {
				s.addReplyBulkStringCore(c, "-inf", fAsync)
			}
		} else {
			if d > 0 {
				s.addReplyProtoCore(c, []byte(",inf\r\n"), fAsync)
			} else {
				s.addReplyProtoCore(c, []byte(",-inf\r\n"), fAsync)
			}
		}
		return
	}

	formatted := strconv.FormatFloat(d, 'g', -1, 64)
	if c.resp == 2 {
		s.addReplyBulkStringCore(c, formatted, fAsync)
	} else {
		s.addReplyProtoCore(c, []byte(","+formatted+"\r\n"), fAsync)
	}
}

func (s *Server) addReplyDouble(c *client, d float64) {
	s.addReplyDoubleCore(c, d, false)
}

func (s *Server) addReplyDoubleAsync(c *client, d float64) {
	s.addReplyDoubleCore(c, d, true)
}

// addReplyHumanDouble uses a human readable rendition instead of
// exposing the crude behavior of doubles to the dear user.
func (s *Server) addReplyHumanDouble(c *client, d float64) {
	formatted := strconv.FormatFloat(d, 'f', -1, 64)
	if c.resp == 2 {
		s.addReplyBulkString(c, formatted)
	} else {
		s.addReplyProto(c, []byte(","+formatted+"\r\n"))
	}
}

// addReplyBulkCore emits one bulk string from a byte range.
func (s *Server) addReplyBulkCore(c *client, b []byte, fAsync bool) {
	s.addReplyLongLongWithPrefixCore(c, int64(len(b)), '$', fAsync)
	s.addReplyProtoCore(c, b, fAsync)
	s.addReplyProtoCore(c, resp.CRLF, fAsync)
}

func (s *Server) addReplyBulk(c *client, b []byte) {
	s.addReplyBulkCore(c, b, false)
}

func (s *Server) addReplyBulkAsync(c *client, b []byte) {
	s.addReplyBulkCore(c, b, true)
}

func (s *Server) addReplyBulkStringCore(c *client, str string, fAsync bool) {
	s.addReplyBulkCore(c, []byte(str), fAsync)
}

func (s *Server) addReplyBulkString(c *client, str string) {
	s.addReplyBulkStringCore(c, str, false)
}

func (s *Server) addReplyBulkInt64(c *client, n int64) {
	s.addReplyBulk(c, []byte(strconv.FormatInt(n, 10)))
}

// addReplyVerbatim emits a verbatim string with its three character
// format tag ("txt", "md ", ...); protocol 2 sees a plain bulk string.
func (s *Server) addReplyVerbatim(c *client, b []byte, ext string) {
	if c.resp == 2 {
		s.addReplyBulk(c, b)
		return
	}
	tag := []byte("   ")
	copy(tag, ext)
	hdr := fmt.Sprintf("=%d\r\n%s:", len(b)+4, tag[:3])
	s.addReplyProto(c, []byte(hdr))
	s.addReplyProto(c, b)
	s.addReplyProto(c, resp.CRLF)
}

// addReplyHelp renders the reply of a HELP subcommand: a heading plus
// one status line per entry, with the array length filled in afterwards.
func (s *Server) addReplyHelp(c *client, help []string) {
	cmdName := strings.ToUpper(string(c.argv[0]))
	d := s.addReplyDeferredLen(c)

	s.addReplyStatusFormat(c, "%s <subcommand> arg arg ... arg. Subcommands are:", cmdName)
	for _, line := range help {
		s.addReplyStatus(c, line)
	}

	s.setDeferredArrayLen(c, d, int64(len(help)+1))
}

func (s *Server) addReplySubcommandSyntaxError(c *client) {
	cmdName := strings.ToUpper(string(c.argv[0]))
	s.addReplyErrorFormat(c,
		"Unknown subcommand or wrong number of arguments for '%s'. Try %s HELP.",
		string(c.argv[1]), cmdName)
}

// addReplyFromClient splices src's output buffers into dst, clearing
// src.
func (s *Server) addReplyFromClient(dst, src *client) {
	if !s.prepareClientToWrite(dst, false) {
		return
	}
	s.addReplyProto(dst, src.buf[:src.bufpos])
	if src.reply.Len() > 0 {
		dst.reply.PushBackList(src.reply)
		src.reply.Init()
	}
	dst.replyBytes += src.replyBytes
	src.replyBytes = 0
	src.bufpos = 0
}

// copyClientOutputBuffer replaces dst's output buffers with a copy of
// src's.
func (s *Server) copyClientOutputBuffer(dst, src *client) {
	dst.reply.Init()
	dst.sentlen = 0
	for e := src.reply.Front(); e != nil; e = e.Next() {
		if blk := e.Value.(*replyBlock); blk != nil {
			cp := newReplyBlock(blk.used)
			cp.used = copy(cp.buf, blk.buf[:blk.used])
			dst.reply.PushBack(cp)
		}
	}
	copy(dst.buf[:], src.buf[:src.bufpos])
	dst.bufpos = src.bufpos
	dst.replyBytes = src.replyBytes
}

/* ----------------------------------------------------------------------------
 * Deferred aggregate lengths.
 * ------------------------------------------------------------------------- */

// deferredReply marks a spot in the reply stream whose aggregate length
// is filled in later: a nil entry in the spill list on the sync path, a
// byte offset into the async scratch otherwise.
type deferredReply struct {
	node   *list.Element
	async  bool
	offset int
}

// addReplyDeferredLen reserves a length slot in the reply stream.
// Returns nil when the client does not accept writes.
func (s *Server) addReplyDeferredLen(c *client) *deferredReply {
	// The write is scheduled here even though the length is not known
	// yet: setDeferred*Len is guaranteed to run before the event loop
	// is re-entered.
	if !s.prepareClientToWrite(c, false) {
		return nil
	}
	node := c.reply.PushBack((*replyBlock)(nil))
	return &deferredReply{node: node}
}

func (s *Server) addReplyDeferredLenAsync(c *client) *deferredReply {
	if s.onOwnerThread(c) {
		return s.addReplyDeferredLen(c)
	}
	return &deferredReply{async: true, offset: len(c.bufAsync)}
}

// setDeferredAggregateLen fills a deferred length slot. On the sync path
// the placeholder is dropped and the rendered length prepended into the
// following block when it has enough slack and is not yet too big,
// saving one write syscall later.
func (s *Server) setDeferredAggregateLen(c *client, d *deferredReply, length int64, prefix byte) {
	if d == nil {
		return
	}
	lenstr := []byte(fmt.Sprintf("%c%d\r\n", prefix, length))

	if d.async && !s.onOwnerThread(c) {
		// Shift the scratch bytes written since the placeholder to make
		// room for the length prefix.
		c.bufAsync = append(c.bufAsync, lenstr...) // grow by lenstr bytes
		copy(c.bufAsync[d.offset+len(lenstr):], c.bufAsync[d.offset:])
		copy(c.bufAsync[d.offset:], lenstr)
		return
	}

	node := d.node
	if node == nil {
		return
	}
	if node.Value.(*replyBlock) != nil {
		panic("deferred length placeholder already filled")
	}

	if next := node.Next(); next != nil {
		if blk := next.Value.(*replyBlock); blk != nil &&
			blk.size-blk.used >= len(lenstr) &&
			blk.used < resp.ReplyChunkBytes*4 {
			copy(blk.buf[len(lenstr):], blk.buf[:blk.used])
			copy(blk.buf, lenstr)
			blk.used += len(lenstr)
			c.reply.Remove(node)
			s.asyncCloseClientOnOutputBufferLimitReached(c)
			return
		}
	}

	blk := &replyBlock{size: len(lenstr), used: len(lenstr), buf: lenstr}
	node.Value = blk
	c.replyBytes += uint64(blk.size)
	s.asyncCloseClientOnOutputBufferLimitReached(c)
}

func (s *Server) setDeferredArrayLen(c *client, d *deferredReply, length int64) {
	s.setDeferredAggregateLen(c, d, length, '*')
}

func (s *Server) setDeferredMapLen(c *client, d *deferredReply, length int64) {
	prefix := byte('%')
	if c.resp == 2 {
		prefix = '*'
		length *= 2
	}
	s.setDeferredAggregateLen(c, d, length, prefix)
}

func (s *Server) setDeferredSetLen(c *client, d *deferredReply, length int64) {
	prefix := byte('~')
	if c.resp == 2 {
		prefix = '*'
	}
	s.setDeferredAggregateLen(c, d, length, prefix)
}

func (s *Server) setDeferredAttributeLen(c *client, d *deferredReply, length int64) {
	prefix := byte('|')
	if c.resp == 2 {
		prefix = '*'
		length *= 2
	}
	s.setDeferredAggregateLen(c, d, length, prefix)
}

func (s *Server) setDeferredPushLen(c *client, d *deferredReply, length int64) {
	prefix := byte('>')
	if c.resp == 2 {
		prefix = '*'
	}
	s.setDeferredAggregateLen(c, d, length, prefix)
}
