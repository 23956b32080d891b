package server

import (
	"fmt"
	"math/rand"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/finchdb/finch/internal/ae"
	"github.com/finchdb/finch/internal/logger"
)

// maxAcceptsPerCall bounds how many connections one readable event on a
// listener may accept, keeping tail latency of the other clients on the
// loop bounded during connection storms.
const maxAcceptsPerCall = 1000

const tcpBacklog = 511

// listenTCP opens a non-blocking TCP listener on addr:port. An empty
// addr binds all interfaces.
func listenTCP(addr string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	sa := &unix.SockaddrInet4{Port: port}
	if addr != "" {
		ip := net.ParseIP(addr)
		if ip == nil || ip.To4() == nil {
			unix.Close(fd)
			return -1, fmt.Errorf("invalid bind address %q", addr)
		}
		copy(sa.Addr[:], ip.To4())
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, tcpBacklog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// listenUnix opens a non-blocking stream listener on the given path,
// removing a stale socket file first.
func listenUnix(path string) (int, error) {
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, tcpBacklog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func ipFromSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3])
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String()
	default:
		return ""
	}
}

// acceptTCPHandler accepts up to maxAcceptsPerCall pending TCP
// connections. By default the accepting thread keeps the client; in
// test mode connections are spread uniformly over the non-main threads
// by posting the hand-off to the target loop.
func (s *Server) acceptTCPHandler(el *ae.EventLoop, fd int, _ any, _ int) {
	for i := 0; i < maxAcceptsPerCall; i++ {
		cfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK && err != unix.ECONNABORTED {
				logger.Warn("Accepting client connection: %v", err)
			}
			return
		}
		ip := ipFromSockaddr(sa)
		logger.Debug("Accepted %s (fd=%d)", ip, cfd)

		ielCur := s.threadIndexOf(el)
		if !s.cfg.TestMode {
			// We always accept on the same thread.
			ae.AcquireLock()
			s.acceptCommonHandler(cfd, false, ip, ielCur)
			ae.ReleaseLock()
			continue
		}

		// In test mode we want a good distribution among threads and
		// avoid the main thread, since it is the most likely to work.
		iel := mainThread
		for len(s.threads) > 1 && iel == mainThread {
			iel = rand.Intn(len(s.threads))
		}
		if iel == ielCur {
			ae.AcquireLock()
			s.acceptCommonHandler(cfd, false, ip, ielCur)
			ae.ReleaseLock()
			continue
		}
		if err := s.threads[iel].el.PostFunction(func() {
			s.acceptCommonHandler(cfd, false, ip, iel)
		}, false); err != nil {
			logger.Warn("Failed to post accepted connection to thread %d: %v", iel, err)
			unix.Close(cfd)
		}
	}
}

// acceptUnixHandler accepts pending local stream connections, spreading
// them across all threads.
func (s *Server) acceptUnixHandler(el *ae.EventLoop, fd int, _ any, _ int) {
	for i := 0; i < maxAcceptsPerCall; i++ {
		cfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK && err != unix.ECONNABORTED {
				logger.Warn("Accepting client connection: %v", err)
			}
			return
		}
		logger.Debug("Accepted connection to %s", s.cfg.UnixSocket)

		ielCur := s.threadIndexOf(el)
		ielTarget := rand.Intn(len(s.threads))
		if ielTarget == ielCur {
			ae.AcquireLock()
			s.acceptCommonHandler(cfd, true, "", ielCur)
			ae.ReleaseLock()
			continue
		}
		if err := s.threads[ielTarget].el.PostFunction(func() {
			s.acceptCommonHandler(cfd, true, "", ielTarget)
		}, false); err != nil {
			logger.Warn("Failed to post accepted connection to thread %d: %v", ielTarget, err)
			unix.Close(cfd)
		}
	}
}

// acceptCommonHandler finishes admission of one accepted descriptor on
// its owner thread. Caller holds the global lock.
func (s *Server) acceptCommonHandler(fd int, unixSocket bool, ip string, iel int) {
	c := s.createClient(fd, iel)
	if c == nil {
		logger.Warn("Error registering fd event for the new client (fd=%d)", fd)
		return
	}
	c.flags.unixSocket = unixSocket

	if s.cfg.ThreadAffinity && !unixSocket {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_INCOMING_CPU, iel); err != nil {
			logger.Warn("Failed to set socket affinity")
		}
	}

	// The client is created before the maxclients check on purpose: the
	// socket is already non-blocking, so the refusal line is written
	// for free using the kernel I/O buffers.
	if s.clients.Len() > s.cfg.MaxClients {
		// Best effort error message, write failures don't matter.
		_, _ = unix.Write(c.fd, []byte("-ERR max number of clients reached\r\n"))
		s.statRejectedConn.Add(1)
		s.metrics.RecordConnectionRejected()
		s.freeClient(c)
		return
	}

	// Protected mode: with no bind address and no password configured,
	// only loopback peers are served; everyone else gets an explanation
	// instead of silent exposure.
	if s.cfg.ProtectedMode &&
		len(s.cfg.Bind) == 0 &&
		s.cfg.RequirePass == "" &&
		!unixSocket &&
		ip != "" &&
		ip != "127.0.0.1" && ip != "::1" {
		_, _ = unix.Write(c.fd, []byte(protectedModeErr))
		s.statRejectedConn.Add(1)
		s.metrics.RecordConnectionRejected()
		s.freeClient(c)
		return
	}

	s.statNumConnections.Add(1)
	s.metrics.RecordConnectionAccepted()
}

const protectedModeErr = "-DENIED Finch is running in protected mode because protected " +
	"mode is enabled, no bind address was specified, no " +
	"authentication password is requested to clients. In this mode " +
	"connections are only accepted from the loopback interface. " +
	"If you want to connect from external computers you " +
	"may adopt one of the following solutions: " +
	"1) Disable protected mode by setting protected_mode to false in the " +
	"configuration file, MAKING SURE the instance is not publicly reachable " +
	"from the internet first. " +
	"2) Setup a bind address or an authentication password. " +
	"NOTE: You only need to do one of the above things in order for " +
	"the server to start accepting connections from the outside.\r\n"
