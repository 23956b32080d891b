package server

import (
	"bytes"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/finchdb/finch/internal/ae"
	"github.com/finchdb/finch/internal/logger"
	"github.com/finchdb/finch/internal/resp"
)

// protoDumpLen bounds the protocol sample logged on parse errors.
const protoDumpLen = 128

// setProtocolError records the error details and flags the client to be
// closed once the error reply was delivered.
func (s *Server) setProtocolError(c *client, errstr string) {
	if logger.Enabled(logger.LevelDebug) {
		sample := resp.SanitizeSample(c.querybuf[c.qbPos:], protoDumpLen)
		logger.Debug("Protocol error (%s) from client: %s. Query buffer during protocol error: '%s'",
			errstr, s.catClientInfo(c), sample)
	}
	c.flags.closeAfterReply = true
}

// parseCount parses a decimal length field of a request header.
func parseCount(b []byte) (int64, bool) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// processInlineBuffer consumes one inline request from the query buffer
// and builds the argument vector. Returns true when a full command is
// ready; false when more input is needed or a protocol error was raised.
func (s *Server) processInlineBuffer(c *client) bool {
	idx := bytes.IndexByte(c.querybuf[c.qbPos:], '\n')

	// Nothing to do without a full line.
	if idx == -1 {
		if len(c.querybuf)-c.qbPos > resp.MaxInlineSize {
			s.addReplyError(c, "Protocol error: too big inline request")
			s.setProtocolError(c, "too big inline request")
		}
		return false
	}

	end := c.qbPos + idx
	linefeedChars := 1
	if end > c.qbPos && c.querybuf[end-1] == '\r' {
		end--
		linefeedChars++
	}
	queryLen := end - c.qbPos

	args, ok := resp.SplitInlineArgs(c.querybuf[c.qbPos:end])
	if !ok {
		s.addReplyError(c, "Protocol error: unbalanced quotes in request")
		s.setProtocolError(c, "unbalanced quotes in inline request")
		return false
	}

	// Newlines from replicas refresh the last ACK time; a replica pings
	// back this way while busy loading a bulk payload.
	if queryLen == 0 && c.flags.replica {
		c.repl.ackTime = s.mstime.Load()
	}

	c.qbPos += queryLen + linefeedChars

	c.argv = c.argv[:0]
	for _, a := range args {
		if len(a) > 0 {
			c.argv = append(c.argv, a)
		}
	}
	return true
}

// processMultibulkBuffer consumes a RESP array request. Restartable: it
// returns false leaving the parse cursor on the first unconsumed element
// when the buffer holds only part of the command.
func (s *Server) processMultibulkBuffer(c *client) bool {
	if c.multibulklen == 0 {
		// The multi bulk count cannot be read without a full line.
		idx := bytes.IndexByte(c.querybuf[c.qbPos:], '\r')
		if idx == -1 {
			if len(c.querybuf)-c.qbPos > resp.MaxInlineSize {
				s.addReplyError(c, "Protocol error: too big mbulk count string")
				s.setProtocolError(c, "too big mbulk count string")
			}
			return false
		}
		newlinePos := c.qbPos + idx

		// The buffer must also contain the '\n'.
		if newlinePos > len(c.querybuf)-2 {
			return false
		}

		ll, ok := parseCount(c.querybuf[c.qbPos+1 : newlinePos])
		if !ok || ll > resp.MaxMultibulkLen {
			s.addReplyError(c, "Protocol error: invalid multibulk length")
			s.setProtocolError(c, "invalid mbulk count")
			return false
		}

		c.qbPos = newlinePos + 2

		// Null and empty arrays are consumed as a no-op command.
		if ll <= 0 {
			return true
		}

		c.multibulklen = int(ll)
		c.argv = make([][]byte, 0, ll)
	}

	for c.multibulklen > 0 {
		// Read the bulk length if unknown.
		if c.bulklen == -1 {
			idx := bytes.IndexByte(c.querybuf[c.qbPos:], '\r')
			if idx == -1 {
				if len(c.querybuf)-c.qbPos > resp.MaxInlineSize {
					s.addReplyError(c, "Protocol error: too big bulk count string")
					s.setProtocolError(c, "too big bulk count string")
				}
				break
			}
			newlinePos := c.qbPos + idx
			if newlinePos > len(c.querybuf)-2 {
				break
			}

			if c.querybuf[c.qbPos] != '$' {
				s.addReplyErrorFormat(c, "Protocol error: expected '$', got '%c'", c.querybuf[c.qbPos])
				s.setProtocolError(c, "expected $ but got something else")
				return false
			}

			ll, ok := parseCount(c.querybuf[c.qbPos+1 : newlinePos])
			if !ok || ll < 0 || ll > int64(s.cfg.ProtoMaxBulkLen) {
				s.addReplyError(c, "Protocol error: invalid bulk length")
				s.setProtocolError(c, "invalid bulk length")
				return false
			}

			c.qbPos = newlinePos + 2
			if ll >= resp.MbulkBigArg {
				// A large bulk is arriving: arrange for it to start at
				// the buffer boundary so that, when it is the sole
				// content, the buffer itself can become the argument
				// with no copy. Only worth it while the unparsed tail
				// is no longer than the bulk itself.
				if len(c.querybuf)-c.qbPos <= int(ll)+2 {
					s.trimQueryBuffer(c)
					if cap(c.querybuf) < int(ll)+2 {
						grown := make([]byte, len(c.querybuf), int(ll)+2)
						copy(grown, c.querybuf)
						c.querybuf = grown
					}
				}
			}
			c.bulklen = ll
		}

		// Read the bulk argument (+2 for the trailing CRLF).
		if len(c.querybuf)-c.qbPos < int(c.bulklen)+2 {
			break
		}

		if c.qbPos == 0 &&
			c.bulklen >= resp.MbulkBigArg &&
			len(c.querybuf) == int(c.bulklen)+2 {
			// The buffer contains exactly this bulk: adopt it as the
			// argument's backing storage instead of copying, and start
			// a fresh buffer assuming more fat arguments will follow.
			c.argv = append(c.argv, c.querybuf[:c.bulklen])
			c.querybuf = make([]byte, 0, int(c.bulklen)+2)
		} else {
			arg := make([]byte, c.bulklen)
			copy(arg, c.querybuf[c.qbPos:c.qbPos+int(c.bulklen)])
			c.argv = append(c.argv, arg)
			c.qbPos += int(c.bulklen) + 2
		}
		c.bulklen = -1
		c.multibulklen--
	}

	return c.multibulklen == 0
}

// trimQueryBuffer discards the consumed prefix of the query buffer,
// keeping its backing storage.
func (s *Server) trimQueryBuffer(c *client) {
	if c.qbPos == 0 {
		return
	}
	n := copy(c.querybuf, c.querybuf[c.qbPos:])
	c.querybuf = c.querybuf[:n]
	c.qbPos = 0
}

// processInputBuffer drains complete commands from the query buffer.
// Called whenever more data was read from the socket, or when a client
// comes back from blocked/paused state with buffered input.
func (s *Server) processInputBuffer(c *client) {
	for c.qbPos < len(c.querybuf) {
		// Paused clients stop being consumed from; replicas are exempt.
		if !c.flags.replica && s.clientsArePaused() {
			break
		}

		// Don't touch clients in the middle of something.
		if c.flags.blocked {
			break
		}

		// Once a close is scheduled the reply must not grow further, so
		// no more commands are parsed.
		if c.flags.closeAfterReply || c.flags.closeASAP {
			break
		}

		if c.reqType == reqTypeNone {
			if c.querybuf[c.qbPos] == '*' {
				c.reqType = reqTypeMultibulk
			} else {
				c.reqType = reqTypeInline
			}
		}

		var ready bool
		if c.reqType == reqTypeInline {
			ready = s.processInlineBuffer(c)
		} else {
			ready = s.processMultibulkBuffer(c)
		}
		if !ready {
			break
		}

		if len(c.argv) == 0 {
			s.resetClient(c)
			continue
		}
		if !s.processCommandAndResetClient(c) {
			// The client is no longer valid; leave without touching the
			// buffers again.
			return
		}
	}

	s.trimQueryBuffer(c)
}

// readQueryFromClient is the readable event handler. Thread-safe: it
// runs without the global lock and takes it only around command
// execution.
func (s *Server) readQueryFromClient(el *ae.EventLoop, fd int, privdata any, mask int) {
	c := privdata.(*client)

	// Process something else while another thread works on this client.
	if !c.lock.TryLock(true) {
		return
	}
	defer c.lock.Unlock()

	readlen := resp.IOBufLen
	// While a big bulk is in flight, read no further than its end so the
	// buffer can hold exactly the argument and be handed off with no
	// copy.
	if c.reqType == reqTypeMultibulk && c.multibulklen != 0 && c.bulklen != -1 &&
		c.bulklen >= resp.MbulkBigArg {
		remaining := int(c.bulklen) + 2 - len(c.querybuf)
		if remaining > 0 && remaining < readlen {
			readlen = remaining
		}
	}

	qblen := len(c.querybuf)
	if c.querybufPeak < qblen {
		c.querybufPeak = qblen
	}
	if cap(c.querybuf) < qblen+readlen {
		grown := make([]byte, qblen, qblen+readlen)
		copy(grown, c.querybuf)
		c.querybuf = grown
	}

	nread, err := unix.Read(fd, c.querybuf[qblen:qblen+readlen])
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		logger.Debug("Reading from client: %v", err)
		s.freeClientAsync(c)
		return
	}
	if nread == 0 {
		logger.Debug("Client closed connection")
		s.freeClientAsync(c)
		return
	}

	c.querybuf = c.querybuf[:qblen+nread]
	if c.flags.master {
		// Masters also feed the pending buffer, which later carries the
		// applied part of the stream to sub-replicas.
		c.pendingQuerybuf = append(c.pendingQuerybuf, c.querybuf[qblen:]...)
		c.repl.readOffset += int64(nread)
	}

	c.lastInteraction = s.unixtime.Load()
	s.statNetInputBytes.Add(uint64(nread))
	s.metrics.RecordInputBytes(nread)

	if uint64(len(c.querybuf)) > uint64(s.cfg.MaxQuerybufLen) {
		logger.Warn("Closing client that reached max query buffer length: %s (qbuf initial bytes: %s)",
			s.catClientInfo(c), resp.SanitizeSample(c.querybuf, 64))
		s.freeClientAsync(c)
		return
	}

	s.processInputBufferAndReplicate(c)

	tv := s.threads[c.iel]
	if tv.pendingAsyncWrites.Len() > 0 {
		s.armGlobalLock(c)
		s.processPendingAsyncWrites(tv)
		ae.ReleaseLock()
	}
}

// processInputBufferAndReplicate wraps processInputBuffer with the
// bookkeeping that forwards the applied part of a master's stream.
func (s *Server) processInputBufferAndReplicate(c *client) {
	if !c.flags.master {
		s.processInputBuffer(c)
		return
	}

	prevOffset := c.repl.appliedOffset
	s.processInputBuffer(c)
	applied := c.repl.appliedOffset - prevOffset
	if applied > 0 {
		// The replication collaborator would feed sub-replicas from
		// pendingQuerybuf here; the core only advances the window.
		c.pendingQuerybuf = c.pendingQuerybuf[applied:]
	}
}
