package server

import (
	"golang.org/x/sys/unix"

	"github.com/finchdb/finch/internal/ae"
	"github.com/finchdb/finch/internal/logger"
	"github.com/finchdb/finch/pkg/config"
)

// netMaxWritesPerEvent bounds how much one client may drain per write
// event, so a fast link cannot starve the rest of the loop.
const netMaxWritesPerEvent = 64 * 1024

// writeToClient drains the client's reply surfaces into the socket.
// Returns true if the client is still valid afterwards, false when it
// was scheduled for destruction because of an error or close-after-reply.
//
// Called by threads with handlerInstalled false; with true only from the
// writable event handler on the owner thread.
func (s *Server) writeToClient(fd int, c *client, handlerInstalled bool) bool {
	var totwritten int
	var werr error

	c.lock.Lock()

	for clientHasPendingReplies(c) {
		var nwritten int

		if c.bufpos > 0 {
			nwritten, werr = unix.Write(fd, c.buf[c.sentlen:c.bufpos])
			if werr != nil || nwritten <= 0 {
				break
			}
			c.sentlen += nwritten
			totwritten += nwritten

			// If the buffer was sent, reset it to continue with the
			// remainder of the reply.
			if c.sentlen == c.bufpos {
				c.bufpos = 0
				c.sentlen = 0
			}
		} else {
			e := c.reply.Front()
			blk := e.Value.(*replyBlock)
			if blk == nil || blk.used == 0 {
				if blk != nil {
					c.replyBytes -= uint64(blk.size)
				}
				c.reply.Remove(e)
				continue
			}

			nwritten, werr = unix.Write(fd, blk.buf[c.sentlen:blk.used])
			if werr != nil || nwritten <= 0 {
				break
			}
			c.sentlen += nwritten
			totwritten += nwritten

			if c.sentlen == blk.used {
				c.replyBytes -= uint64(blk.size)
				c.reply.Remove(e)
				c.sentlen = 0
			}
		}

		// Avoid sending more than netMaxWritesPerEvent per call so other
		// clients get served too. Over the memory threshold, or for a
		// replica, deliver as much as possible instead: holding back
		// only grows the buffers further.
		if totwritten > netMaxWritesPerEvent &&
			(s.cfg.MaxMemory == 0 || s.usedMemory.Load() < uint64(s.cfg.MaxMemory)) &&
			!c.flags.replica {
			break
		}
	}

	s.statNetOutputBytes.Add(uint64(totwritten))
	s.metrics.RecordOutputBytes(totwritten)

	if werr != nil && werr != unix.EAGAIN {
		logger.Debug("Error writing to client: %v", werr)
		c.lock.Unlock()
		s.freeClientAsync(c)
		return false
	}

	if totwritten > 0 {
		// Masters get no interaction credit for writes; the periodic
		// ACK traffic would defeat timeout detection.
		if !c.flags.master {
			c.lastInteraction = s.unixtime.Load()
		}
	}

	if !clientHasPendingReplies(c) {
		c.sentlen = 0
		if handlerInstalled {
			s.threads[c.iel].el.DeleteFileEvent(c.fd, ae.Writable)
		}

		// Close the connection after the entire reply was sent.
		if c.flags.closeAfterReply {
			c.lock.Unlock()
			s.freeClientAsync(c)
			return false
		}
	}
	c.lock.Unlock()
	return true
}

// sendReplyToClient is the writable event handler.
func (s *Server) sendReplyToClient(el *ae.EventLoop, fd int, privdata any, _ int) {
	c := privdata.(*client)

	if !s.writeToClient(fd, c, true) {
		// The write scheduled an async close; finalize it here if
		// possible. The client structure stays alive under GC until the
		// last reference drops, so inspecting it after the failed write
		// is safe.
		c.lock.Lock()
		s.armGlobalLock(c)
		if c.flags.closeASAP {
			c.lock.Unlock()
			s.freeClient(c)
		} else {
			c.lock.Unlock()
		}
		ae.ReleaseLock()
	}
}

// writeMask is the event mask for installed write handlers. The barrier
// bit is set when the persistence collaborator fsyncs in beforeSleep, so
// a descriptor is never read and written within one iteration around the
// fsync point.
func (s *Server) writeMask() int {
	mask := ae.Writable | ae.WriteThreadsafe
	if s.cfg.WriteBarrier {
		mask |= ae.Barrier
	}
	return mask
}

// handleClientsWithPendingWrites is called just before entering the
// event loop wait, in the hope the replies fit the socket buffers
// without installing a writable event handler and paying the extra
// syscall round-trip. Caller holds the global lock on thread iel.
func (s *Server) handleClientsWithPendingWrites(iel int) int {
	tv := s.threads[iel]
	tv.pendingLock.Lock()
	processed := len(tv.pendingWrites)

	for len(tv.pendingWrites) > 0 {
		c := tv.pendingWrites[len(tv.pendingWrites)-1]
		tv.pendingWrites = tv.pendingWrites[:len(tv.pendingWrites)-1]
		c.flags.pendingWrite = false

		// Protected clients get no writes; that could trigger a write
		// error or recreate the handler.
		if c.flags.protected {
			continue
		}

		if !s.writeToClient(c.fd, c, false) {
			if c.flags.closeASAP {
				s.freeClient(c)
			}
			continue
		}

		// Data still to output: now the writable handler really is
		// needed.
		if clientHasPendingReplies(c) {
			if err := tv.el.CreateFileEvent(c.fd, s.writeMask(), s.sendReplyToClient, c); err != nil {
				s.freeClientAsync(c)
			}
		}
	}
	tv.pendingLock.Unlock()

	if tv.pendingAsyncWrites.Len() > 0 {
		s.processPendingAsyncWrites(tv)
	}
	return processed
}

// processPendingAsyncWrites splices the async scratch buffers queued on
// this thread into their clients' reply lists and arranges the flush on
// each owner thread. Caller holds the global lock.
func (s *Server) processPendingAsyncWrites(tv *threadVar) {
	for tv.pendingAsyncWrites.Len() > 0 {
		e := tv.pendingAsyncWrites.Front()
		c := e.Value.(*client)
		tv.pendingAsyncWrites.Remove(e)

		c.lock.Lock()
		if !c.flags.pendingAsyncWrite {
			c.lock.Unlock()
			continue
		}

		if c.flags.closeASAP || c.flags.closeAfterReply {
			c.bufAsync = nil
			c.flags.pendingAsyncWrite = false
			c.lock.Unlock()
			continue
		}

		// Wrap the scratch contents into a reply block owned by the
		// spill list.
		size := len(c.bufAsync)
		blk := &replyBlock{size: size, used: size, buf: c.bufAsync}
		c.reply.PushBack(blk)
		c.replyBytes += uint64(blk.size)
		c.bufAsync = nil
		c.flags.pendingAsyncWrite = false

		// Replicas not yet online accumulate without scheduling.
		if c.repl.state != replStateNone &&
			!(c.repl.state == replStateOnline && !c.repl.putOnlineOnAck) {
			c.lock.Unlock()
			continue
		}

		s.asyncCloseClientOnOutputBufferLimitReached(c)
		if c.flags.closeASAP {
			// Never going to write this; don't post an op.
			c.lock.Unlock()
			continue
		}

		// The client lock orders the enqueue against the counter: the
		// posted closure takes it before decrementing, so the increment
		// below can never be observed out of order.
		if c.casyncOpsPending == 0 {
			if s.onOwnerThread(c) {
				s.prepareClientToWrite(c, false)
			} else {
				target := s.threads[c.iel]
				cc := c
				err := target.el.PostFunction(func() {
					// Install a write handler. The actual write is left
					// to the normal code path with its throttling and
					// safety mechanisms.
					cc.lock.Lock()
					cc.casyncOpsPending--
					_ = target.el.CreateFileEvent(cc.fd, s.writeMask(), s.sendReplyToClient, cc)
					cc.lock.Unlock()
				}, false)
				if err == nil {
					c.casyncOpsPending++
				}
				// A failed post is not retried: the spliced bytes stay
				// in the reply list and the counter is left unchanged.
			}
		}
		c.lock.Unlock()
	}
}

// checkClientOutputBufferLimits reports whether the client crossed its
// class's soft or hard output buffer limit, updating the soft-limit
// clock as a side effect.
func (s *Server) checkClientOutputBufferLimits(c *client) bool {
	used := clientOutputBufferMemoryUsage(c)

	class := clientType(c)
	// For the purpose of output buffer limiting, masters are handled
	// like normal clients.
	if class == clientTypeMaster {
		class = clientTypeNormal
	}
	lim := s.obufLimit(class)

	soft := lim.SoftLimit != 0 && used >= uint64(lim.SoftLimit)
	hard := lim.HardLimit != 0 && used >= uint64(lim.HardLimit)

	if soft {
		now := s.unixtime.Load()
		if c.obufSoftLimitReachedTime == 0 {
			c.obufSoftLimitReachedTime = now
			soft = false // first time the soft limit is seen
		} else if now-c.obufSoftLimitReachedTime <= int64(lim.SoftSeconds) {
			soft = false // not over the limit for long enough yet
		}
	} else {
		c.obufSoftLimitReachedTime = 0
	}
	return soft || hard
}

func (s *Server) obufLimit(class int) config.OutputBufferLimit {
	var key string
	switch class {
	case clientTypeReplica:
		key = config.ClassReplica
	case clientTypePubsub:
		key = config.ClassPubsub
	default:
		key = config.ClassNormal
	}
	return s.cfg.OutputBufferLimits[key]
}

// asyncCloseClientOnOutputBufferLimitReached schedules an async close
// when the limits are breached. Async because this runs below the reply
// builders, where the client cannot be freed safely; the reply being
// built is still allowed to finish.
func (s *Server) asyncCloseClientOnOutputBufferLimitReached(c *client) {
	if c.fd == -1 {
		return // unsafe to free fake clients
	}
	if c.replyBytes == 0 || c.flags.closeASAP {
		return
	}
	if s.checkClientOutputBufferLimits(c) {
		info := s.catClientInfo(c)
		s.freeClientAsync(c)
		logger.Warn("Client %s scheduled to be closed ASAP for overcoming of output buffer limits.", info)
	}
}
