package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchdb/finch/pkg/config"
	"github.com/finchdb/finch/pkg/store/memory"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// startServer boots a full server on a loopback port and tears it down
// with the test.
func startServer(t *testing.T, mutate func(*config.ServerConfig)) string {
	t.Helper()

	cfg := config.ServerConfig{
		Port:            freePort(t),
		Bind:            []string{"127.0.0.1"},
		Threads:         2,
		MaxClients:      100,
		MaxQuerybufLen:  1 << 30,
		ProtoMaxBulkLen: 512 << 20,
		ShutdownTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg, memory.New(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond, "server never came up")

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return addr
}

type testConn struct {
	net.Conn
	r *bufio.Reader
}

func dialServer(t *testing.T, addr string) *testConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return &testConn{Conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) send(t *testing.T, data string) {
	t.Helper()
	_, err := c.Write([]byte(data))
	require.NoError(t, err)
}

func (c *testConn) readLine(t *testing.T) string {
	t.Helper()
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return line
}

// readReply consumes one full RESP reply, including aggregates.
func (c *testConn) readReply(t *testing.T) string {
	t.Helper()
	line := c.readLine(t)
	require.NotEmpty(t, line)

	switch line[0] {
	case '+', '-', ':', '_', '#', ',':
		return line
	case '$', '=':
		n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
		require.NoError(t, err)
		if n < 0 {
			return line
		}
		body := make([]byte, n+2)
		_, err = io.ReadFull(c.r, body)
		require.NoError(t, err)
		return line + string(body)
	case '*', '%', '~', '>', '|':
		n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
		require.NoError(t, err)
		if line[0] == '%' || line[0] == '|' {
			n *= 2
		}
		out := line
		for i := 0; i < n; i++ {
			out += c.readReply(t)
		}
		return out
	default:
		t.Fatalf("unexpected reply line %q", line)
		return ""
	}
}

// S1: a multibulk PING gets +PONG.
func TestPingMultibulk(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	c.send(t, "*1\r\n$4\r\nPING\r\n")
	assert.Equal(t, "+PONG\r\n", c.readLine(t))
}

// S2: an inline PING gets +PONG.
func TestPingInline(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	c.send(t, "PING\r\n")
	assert.Equal(t, "+PONG\r\n", c.readLine(t))
}

// S3: a pipeline sent in one write is answered in order.
func TestPipeline(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	c.send(t, "*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n")
	assert.Equal(t, "+PONG\r\n", c.readLine(t))
	assert.Equal(t, "+PONG\r\n", c.readLine(t))
}

// S4: a malformed multibulk count draws the protocol error and the
// connection is closed after the reply.
func TestProtocolErrorClosesConnection(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	c.send(t, "*-1\r\n*9999999\r\n")
	assert.Equal(t, "-ERR Protocol error: invalid multibulk length\r\n", c.readLine(t))

	// The server closes once the error is flushed.
	_, err := c.r.ReadByte()
	assert.Error(t, err)
}

// S5: after HELLO 3 the null is the RESP3 native "_".
func TestHelloSwitchesNullForm(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	c.send(t, "HELLO 3\r\n")
	reply := c.readReply(t)
	assert.True(t, strings.HasPrefix(reply, "%7\r\n"), "HELLO must reply a 7 entry map, got %q", reply)
	assert.Contains(t, reply, "$5\r\nfinch\r\n")
	assert.Contains(t, reply, "$5\r\nproto\r\n:3\r\n")

	c.send(t, "*2\r\n$3\r\nGET\r\n$7\r\nmissing\r\n")
	assert.Equal(t, "_\r\n", c.readLine(t))
}

// The same missing key is a RESP2 null bulk by default.
func TestNullFormDefault(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	c.send(t, "*2\r\n$3\r\nGET\r\n$7\r\nmissing\r\n")
	assert.Equal(t, "$-1\r\n", c.readLine(t))
}

// S6: while clients are paused, commands from other clients are not
// served until the deadline passes.
func TestClientPause(t *testing.T) {
	addr := startServer(t, nil)
	x := dialServer(t, addr)
	y := dialServer(t, addr)

	// Warm both connections up so accept and admission are done.
	x.send(t, "PING\r\n")
	require.Equal(t, "+PONG\r\n", x.readLine(t))
	y.send(t, "PING\r\n")
	require.Equal(t, "+PONG\r\n", y.readLine(t))

	x.send(t, "CLIENT PAUSE 400\r\n")
	require.Equal(t, "+OK\r\n", x.readLine(t))

	start := time.Now()
	y.send(t, "PING\r\n")
	require.Equal(t, "+PONG\r\n", y.readLine(t))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond,
		"paused client was served too early")
	assert.Less(t, elapsed, 5*time.Second)
}

func TestSetGetDelOverWire(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	c.send(t, "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	assert.Equal(t, "+OK\r\n", c.readLine(t))

	c.send(t, "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	assert.Equal(t, "$3\r\nbar\r\n", c.readReply(t))

	c.send(t, "*2\r\n$3\r\nDEL\r\n$3\r\nfoo\r\n")
	assert.Equal(t, ":1\r\n", c.readLine(t))

	c.send(t, "*2\r\n$6\r\nEXISTS\r\n$3\r\nfoo\r\n")
	assert.Equal(t, ":0\r\n", c.readLine(t))
}

func TestBigArgumentOverWire(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	payload := strings.Repeat("z", 64*1024)
	c.send(t, fmt.Sprintf("*3\r\n$3\r\nSET\r\n$3\r\nbig\r\n$%d\r\n%s\r\n", len(payload), payload))
	assert.Equal(t, "+OK\r\n", c.readLine(t))

	c.send(t, "*2\r\n$3\r\nGET\r\n$3\r\nbig\r\n")
	reply := c.readReply(t)
	assert.Equal(t, fmt.Sprintf("$%d\r\n%s\r\n", len(payload), payload), reply)
}

func TestClientAdminSurface(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	c.send(t, "CLIENT ID\r\n")
	idLine := c.readLine(t)
	require.True(t, strings.HasPrefix(idLine, ":"))

	c.send(t, "CLIENT SETNAME conn-one\r\n")
	assert.Equal(t, "+OK\r\n", c.readLine(t))

	c.send(t, "CLIENT GETNAME\r\n")
	assert.Equal(t, "$8\r\nconn-one\r\n", c.readReply(t))

	// Names with spaces are refused.
	c.send(t, "CLIENT SETNAME \"a b\"\r\n")
	bad := c.readLine(t)
	assert.True(t, strings.HasPrefix(bad, "-ERR"), "got %q", bad)

	c.send(t, "CLIENT LIST\r\n")
	list := c.readReply(t)
	assert.Contains(t, list, "name=conn-one")
	assert.Contains(t, list, "cmd=client")

	c.send(t, "CLIENT HELP\r\n")
	help := c.readReply(t)
	assert.Contains(t, help, "setname")
}

func TestClientKillById(t *testing.T) {
	addr := startServer(t, nil)
	victim := dialServer(t, addr)
	killer := dialServer(t, addr)

	victim.send(t, "CLIENT ID\r\n")
	idLine := victim.readLine(t)
	id := strings.TrimSpace(idLine[1:])

	killer.send(t, "CLIENT KILL ID "+id+"\r\n")
	assert.Equal(t, ":1\r\n", killer.readLine(t))

	// The victim's connection dies.
	victim.send(t, "PING\r\n")
	_, err := victim.r.ReadByte()
	assert.Error(t, err)
}

func TestClientKillSelfDefersClose(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	c.send(t, "CLIENT ID\r\n")
	id := strings.TrimSpace(c.readLine(t)[1:])

	// Killing yourself with SKIPME no delivers the reply first, then
	// closes.
	c.send(t, "CLIENT KILL ID "+id+" SKIPME no\r\n")
	assert.Equal(t, ":1\r\n", c.readLine(t))
	_, err := c.r.ReadByte()
	assert.Error(t, err)
}

func TestClientUnblock(t *testing.T) {
	addr := startServer(t, nil)
	blocked := dialServer(t, addr)
	admin := dialServer(t, addr)

	blocked.send(t, "CLIENT ID\r\n")
	id := strings.TrimSpace(blocked.readLine(t)[1:])

	// Block forever, then release from the other connection.
	blocked.send(t, "BWAIT 0\r\n")
	time.Sleep(200 * time.Millisecond)

	admin.send(t, "CLIENT UNBLOCK "+id+" TIMEOUT\r\n")
	assert.Equal(t, ":1\r\n", admin.readLine(t))
	assert.Equal(t, "$-1\r\n", blocked.readReply(t))

	// Unblocking a non-blocked client reports 0.
	admin.send(t, "CLIENT UNBLOCK "+id+"\r\n")
	assert.Equal(t, ":0\r\n", admin.readLine(t))
}

func TestBlockedClientTimesOut(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	start := time.Now()
	c.send(t, "BWAIT 150\r\n")
	assert.Equal(t, "$-1\r\n", c.readReply(t))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestClientReplyOffAndSkip(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	c.send(t, "CLIENT REPLY OFF\r\n")
	c.send(t, "PING\r\n")
	c.send(t, "CLIENT REPLY ON\r\n")
	// Only the final +OK from REPLY ON arrives.
	assert.Equal(t, "+OK\r\n", c.readLine(t))

	c.send(t, "CLIENT REPLY SKIP\r\n")
	c.send(t, "PING\r\n")
	c.send(t, "PING\r\n")
	// The command right after SKIP is muted; the next one answers.
	assert.Equal(t, "+PONG\r\n", c.readLine(t))
}

func TestUnknownCommand(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	c.send(t, "*1\r\n$7\r\nNOEXIST\r\n")
	line := c.readLine(t)
	assert.True(t, strings.HasPrefix(line, "-ERR unknown command"), "got %q", line)
}

func TestInfoCommand(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	c.send(t, "INFO\r\n")
	info := c.readReply(t)
	assert.Contains(t, info, "server_name:finch")
	assert.Contains(t, info, "connected_clients:")
	assert.Contains(t, info, "total_connections_received:")
	assert.Contains(t, info, "fastlock_long_waits:")
}

func TestHelloRejectsBadVersion(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	c.send(t, "HELLO 4\r\n")
	line := c.readLine(t)
	assert.True(t, strings.HasPrefix(line, "-NOPROTO"), "got %q", line)
}

func TestAuthRequired(t *testing.T) {
	addr := startServer(t, func(cfg *config.ServerConfig) {
		cfg.RequirePass = "sekrit"
	})
	c := dialServer(t, addr)

	c.send(t, "PING\r\n")
	line := c.readLine(t)
	assert.True(t, strings.HasPrefix(line, "-NOAUTH"), "got %q", line)

	c.send(t, "AUTH wrong\r\n")
	line = c.readLine(t)
	assert.True(t, strings.HasPrefix(line, "-WRONGPASS"), "got %q", line)

	c.send(t, "AUTH sekrit\r\n")
	assert.Equal(t, "+OK\r\n", c.readLine(t))

	c.send(t, "PING\r\n")
	assert.Equal(t, "+PONG\r\n", c.readLine(t))
}

func TestMaxClients(t *testing.T) {
	addr := startServer(t, func(cfg *config.ServerConfig) {
		cfg.MaxClients = 1
	})

	// Let the startup probe connection finish being reclaimed.
	time.Sleep(300 * time.Millisecond)

	first := dialServer(t, addr)
	first.send(t, "PING\r\n")
	require.Equal(t, "+PONG\r\n", first.readLine(t))

	second := dialServer(t, addr)
	line := second.readLine(t)
	assert.Equal(t, "-ERR max number of clients reached\r\n", line)
}

func TestTrackingInvalidation(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)
	writer := dialServer(t, addr)

	c.send(t, "HELLO 3\r\n")
	c.readReply(t)

	c.send(t, "CLIENT TRACKING ON\r\n")
	require.Equal(t, "+OK\r\n", c.readLine(t))

	c.send(t, "*3\r\n$3\r\nSET\r\n$5\r\ntrack\r\n$1\r\n1\r\n")
	require.Equal(t, "+OK\r\n", c.readLine(t))
	c.send(t, "*2\r\n$3\r\nGET\r\n$5\r\ntrack\r\n")
	require.Equal(t, "$1\r\n1\r\n", c.readReply(t))

	// A write from another connection invalidates the tracked slot.
	writer.send(t, "*3\r\n$3\r\nSET\r\n$5\r\ntrack\r\n$1\r\n2\r\n")
	require.Equal(t, "+OK\r\n", writer.readLine(t))

	push := c.readReply(t)
	assert.True(t, strings.HasPrefix(push, ">2\r\n"), "expected an invalidation push, got %q", push)
	assert.Contains(t, push, "$10\r\ninvalidate\r\n")
}

func TestUnixSocketListener(t *testing.T) {
	sock := t.TempDir() + "/finch.sock"
	startServer(t, func(cfg *config.ServerConfig) {
		cfg.UnixSocket = sock
	})

	conn, err := net.DialTimeout("unix", sock, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("PING\r\n"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "+PONG\r\n", line)
}

func TestShutdownCommandStopsServer(t *testing.T) {
	addr := startServer(t, nil)
	c := dialServer(t, addr)

	c.send(t, "SHUTDOWN\r\n")

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, 5*time.Second, 50*time.Millisecond, "server kept accepting after SHUTDOWN")
}
