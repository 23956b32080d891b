package server

import (
	"math"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/finchdb/finch/internal/ae"
	"github.com/finchdb/finch/internal/resp"
	"github.com/finchdb/finch/pkg/config"
)

// lockThread pins the calling test goroutine to its OS thread; fastlock
// ownership is per thread.
func lockThread() func() {
	runtime.LockOSThread()
	return runtime.UnlockOSThread
}

// newSocketClient creates a client backed by one end of a socketpair
// and returns the peer descriptor the test reads replies from.
func newSocketClient(t *testing.T, s *Server) (*client, int) {
	t.Helper()

	fds := [2]int{}
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	fds[0], fds[1] = pair[0], pair[1]

	require.NoError(t, unix.SetNonblock(fds[1], true))

	ae.AcquireLock()
	c := s.createClient(fds[0], 0)
	ae.ReleaseLock()
	require.NotNil(t, c)

	t.Cleanup(func() { unix.Close(fds[1]) })
	return c, fds[1]
}

// drain flushes the client's reply surfaces to the socket and reads
// whatever arrived on the peer side.
func drain(t *testing.T, s *Server, c *client, peer int) string {
	t.Helper()

	for i := 0; i < 100 && clientHasPendingReplies(c); i++ {
		if !s.writeToClient(c.fd, c, false) {
			break
		}
	}

	buf := make([]byte, 1<<20)
	total := 0
	for total < len(buf) {
		n, err := unix.Read(peer, buf[total:])
		if err != nil || n == 0 {
			break
		}
		total += n
	}
	return string(buf[:total])
}

// TestPendingWriteInstalledOnce checks the first queued reply schedules
// the client exactly once, no matter how many appends follow.
func TestPendingWriteInstalledOnce(t *testing.T) {
	defer lockThread()()

	s := newTestServer(t)
	c, peer := newSocketClient(t, s)
	_ = peer

	c.lock.Lock()
	defer c.lock.Unlock()

	require.True(t, s.prepareClientToWrite(c, false))
	s.addReplyProto(c, []byte("+OK\r\n"))
	s.addReplyProto(c, []byte("+OK\r\n"))
	s.addReplyLongLong(c, 42)

	tv := s.threads[c.iel]
	tv.pendingLock.Lock()
	count := 0
	for _, pc := range tv.pendingWrites {
		if pc == c {
			count++
		}
	}
	tv.pendingLock.Unlock()

	assert.Equal(t, 1, count)
	assert.True(t, c.flags.pendingWrite)
}

// TestInlineBufferSpill checks big replies overflow from the inline
// buffer into the spill list and drain in order.
func TestInlineBufferSpill(t *testing.T) {
	defer lockThread()()

	s := newTestServer(t)
	c, peer := newSocketClient(t, s)

	c.lock.Lock()
	payload := make([]byte, len(c.buf)*2)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	s.addReplyBulk(c, payload)
	require.Greater(t, c.reply.Len(), 0, "large reply must spill")
	c.lock.Unlock()

	got := drain(t, s, c, peer)
	want := string(resp.AggregateHeader('$', int64(len(payload)))) + string(payload) + "\r\n"
	assert.Equal(t, want, got)
}

// TestAsyncReplySplice covers the foreign-thread path: async bytes land
// in the scratch buffer, the integrator splices them after all prior
// sync bytes, and the wire sees them in order.
func TestAsyncReplySplice(t *testing.T) {
	defer lockThread()()

	s := newTestServer(t)
	c, peer := newSocketClient(t, s)

	// Sync bytes first.
	c.lock.Lock()
	s.addReplyProto(c, []byte("+first\r\n"))
	c.lock.Unlock()

	// Async bytes from a "foreign" thread (the loops are not running,
	// so no thread is the owner).
	ae.AcquireLock()
	c.lock.Lock()
	s.addReplyProtoAsync(c, []byte("+second\r\n"))
	s.addReplyLongLongAsync(c, 7)
	require.True(t, c.flags.pendingAsyncWrite)
	require.NotEmpty(t, c.bufAsync)
	c.lock.Unlock()

	// Splice on the thread that queued them.
	s.processPendingAsyncWrites(s.currentThreadVar())
	ae.ReleaseLock()

	assert.False(t, c.flags.pendingAsyncWrite)
	assert.Nil(t, c.bufAsync)

	got := drain(t, s, c, peer)
	assert.Equal(t, "+first\r\n+second\r\n:7\r\n", got)
}

// TestDeferredAggregateLen checks the wire form of a deferred-length
// aggregate: the final stream starts with the filled-in header.
func TestDeferredAggregateLen(t *testing.T) {
	defer lockThread()()

	s := newTestServer(t)
	c, peer := newSocketClient(t, s)

	c.lock.Lock()
	d := s.addReplyDeferredLen(c)
	require.NotNil(t, d)
	s.addReplyBulk(c, []byte("one"))
	s.addReplyBulk(c, []byte("two"))
	s.addReplyBulk(c, []byte("three"))
	s.setDeferredArrayLen(c, d, 3)
	c.lock.Unlock()

	got := drain(t, s, c, peer)
	assert.Equal(t, "*3\r\n$3\r\none\r\n$3\r\ntwo\r\n$5\r\nthree\r\n", got)
}

// TestDeferredLenGluesIntoNextBlock checks the placeholder is dropped
// and the length prepended into the following block when it has slack.
func TestDeferredLenGluesIntoNextBlock(t *testing.T) {
	defer lockThread()()

	s := newTestServer(t)
	c, peer := newSocketClient(t, s)

	c.lock.Lock()
	d := s.addReplyDeferredLen(c)
	require.NotNil(t, d)
	s.addReplyBulk(c, []byte("x"))
	listLenBefore := c.reply.Len()
	s.setDeferredArrayLen(c, d, 1)
	assert.Equal(t, listLenBefore-1, c.reply.Len(),
		"placeholder should be merged into the following block")
	c.lock.Unlock()

	got := drain(t, s, c, peer)
	assert.Equal(t, "*1\r\n$1\r\nx\r\n", got)
}

func TestProtocolVersionForms(t *testing.T) {
	defer lockThread()()

	s := newTestServer(t)

	t.Run("resp2", func(t *testing.T) {
		defer lockThread()()
		c, peer := newSocketClient(t, s)
		c.lock.Lock()
		s.addReplyNull(c)
		s.addReplyBool(c, true)
		s.addReplyBool(c, false)
		s.addReplyMapLen(c, 1)
		s.addReplyBulk(c, []byte("k"))
		s.addReplyBulk(c, []byte("v"))
		s.addReplyDouble(c, 1.5)
		c.lock.Unlock()

		got := drain(t, s, c, peer)
		assert.Equal(t, "$-1\r\n:1\r\n:0\r\n*2\r\n$1\r\nk\r\n$1\r\nv\r\n$3\r\n1.5\r\n", got)
	})

	t.Run("resp3", func(t *testing.T) {
		defer lockThread()()
		c, peer := newSocketClient(t, s)
		c.resp = 3
		c.lock.Lock()
		s.addReplyNull(c)
		s.addReplyBool(c, true)
		s.addReplyBool(c, false)
		s.addReplyMapLen(c, 1)
		s.addReplyBulk(c, []byte("k"))
		s.addReplyBulk(c, []byte("v"))
		s.addReplyDouble(c, 1.5)
		s.addReplySetLen(c, 0)
		s.addReplyPushLen(c, 0)
		c.lock.Unlock()

		got := drain(t, s, c, peer)
		assert.Equal(t, "_\r\n#t\r\n#f\r\n%1\r\n$1\r\nk\r\n$1\r\nv\r\n,1.5\r\n~0\r\n>0\r\n", got)
	})

	t.Run("non-finite doubles", func(t *testing.T) {
		defer lockThread()()
		c, peer := newSocketClient(t, s)
		c.resp = 3
		c.lock.Lock()
		s.addReplyDouble(c, math.Inf(1))
		s.addReplyDouble(c, math.Inf(-1))
		c.lock.Unlock()

		got := drain(t, s, c, peer)
		assert.Equal(t, ",inf\r\n,-inf\r\n", got)
	})

	t.Run("verbatim", func(t *testing.T) {
		defer lockThread()()
		c, peer := newSocketClient(t, s)
		c.resp = 3
		c.lock.Lock()
		s.addReplyVerbatim(c, []byte("hello"), "txt")
		c.lock.Unlock()

		got := drain(t, s, c, peer)
		assert.Equal(t, "=9\r\ntxt:hello\r\n", got)
	})
}

// TestReplyGating checks reply-off and skip clients queue nothing.
func TestReplyGating(t *testing.T) {
	defer lockThread()()

	s := newTestServer(t)
	c, _ := newSocketClient(t, s)

	c.lock.Lock()
	defer c.lock.Unlock()

	c.flags.replyOff = true
	s.addReplyProto(c, []byte("+nope\r\n"))
	assert.Zero(t, c.bufpos)
	assert.Zero(t, c.reply.Len())

	c.flags.replyOff = false
	c.flags.replySkip = true
	s.addReplyProto(c, []byte("+nope\r\n"))
	assert.Zero(t, c.bufpos)

	c.flags.replySkip = false
	s.addReplyProto(c, []byte("+yes\r\n"))
	assert.Equal(t, "+yes\r\n", string(c.buf[:c.bufpos]))
}

// TestOutputBufferHardLimit checks a hard limit breach schedules an
// async close while letting the current reply finish.
func TestOutputBufferHardLimit(t *testing.T) {
	defer lockThread()()

	s := newTestServer(t)
	s.cfg.OutputBufferLimits = map[string]config.OutputBufferLimit{
		config.ClassNormal: {HardLimit: 64 * 1024},
	}
	c, _ := newSocketClient(t, s)

	c.lock.Lock()
	payload := make([]byte, 256*1024)
	s.addReplyBulk(c, payload)
	c.lock.Unlock()

	assert.True(t, c.flags.closeASAP, "hard limit breach must schedule the close")

	// The deferred destruction happens on the owner thread's drain.
	ae.AcquireLock()
	s.freeClientsInAsyncFreeQueue(c.iel)
	ae.ReleaseLock()
	assert.Equal(t, -1, c.fd)
}

// TestCopyAndSpliceBuffers exercises the cross-client buffer helpers.
func TestCopyAndSpliceBuffers(t *testing.T) {
	defer lockThread()()

	s := newTestServer(t)
	src, _ := newSocketClient(t, s)
	dst, peer := newSocketClient(t, s)

	src.lock.Lock()
	s.addReplyProto(src, []byte("+from-src\r\n"))
	src.lock.Unlock()

	dst.lock.Lock()
	s.addReplyFromClient(dst, src)
	dst.lock.Unlock()

	assert.Zero(t, src.bufpos, "splice must clear the source buffers")
	got := drain(t, s, dst, peer)
	assert.Equal(t, "+from-src\r\n", got)
}

