// File: server/server.go
// Package server implements the single-threaded reactor: one poll loop
// owns the listening socket and every accepted Connection, with no worker
// goroutines and no locking anywhere in the hot path.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// There is deliberately no NUMA pinning or executor pool fanning work out
// across goroutines here: that has no place in a single-threaded,
// poll-based reactor for a small embedded target. The accept/readiness/
// dispatch/sweep loop below is a register/wait/dispatch-by-event-bits
// iteration over one fixed-capacity connection slice, with functional
// options for construction and signal-driven Stop for shutdown, adapted
// from an edge-triggered multi-goroutine epoll loop handling many
// listeners down to one goroutine, one listener, and explicit per-iteration
// bookkeeping (poll latency, overload admission, timeout sweeps) that
// Server owns directly instead of delegating to adapters.
package server

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/ewss/conn"
	"github.com/momentics/ewss/internal/logging"
	intrate "github.com/momentics/ewss/internal/rate"
	"github.com/momentics/ewss/pool"
	"github.com/momentics/ewss/stats"
	"github.com/momentics/ewss/wserr"
)

// Server owns exactly one listening socket and the fixed-capacity set of
// connections accepted from it. Every exported method except Stop is meant
// to be called from the Run goroutine only.
type Server struct {
	cfg Config

	listenFd int
	conns    []*conn.Connection
	pollFDs  []pollFD

	backend pollBackend
	pool    *pool.ConnPool
	stats   *stats.Stats
	cb      conn.Callbacks

	nextID    uint64
	startedAt time.Time
	stopCh    chan struct{}
}

// ServiceInfo describes the running server for status/debug endpoints.
type ServiceInfo struct {
	Name      string
	Version   string
	StartedAt time.Time
}

// New constructs a Server bound to port, applying opts over DefaultConfig.
// Binding and listen failures are returned, not panicked: construction is
// expected to be retried or reported by the caller, not to crash the
// process outright.
func New(port int, opts ...Option) (*Server, error) {
	cfg := DefaultConfig()
	cfg.Port = port
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt reuseaddr: %w", err)
	}

	sa, err := resolveSockaddr(cfg.BindAddr, port)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	backend, err := newPollBackend(cfg.Backend, cfg.MaxConnections)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("poll backend: %w", err)
	}

	st := &stats.Stats{}
	s := &Server{
		cfg:       cfg,
		listenFd:  fd,
		conns:     make([]*conn.Connection, 0, cfg.MaxConnections),
		pollFDs:   make([]pollFD, cfg.MaxConnections+1),
		backend:   backend,
		pool:      pool.New(cfg.MaxConnections, st),
		stats:     st,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
	return s, nil
}

func resolveSockaddr(bindAddr string, port int) (unix.Sockaddr, error) {
	ip := net.IPv4zero
	if bindAddr != "" {
		parsed := net.ParseIP(bindAddr)
		if parsed == nil {
			return nil, fmt.Errorf("invalid bind address %q", bindAddr)
		}
		ip = parsed
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("only IPv4 bind addresses are supported, got %q", bindAddr)
	}
	var addr [4]byte
	copy(addr[:], v4)
	return &unix.SockaddrInet4{Port: port, Addr: addr}, nil
}

// OnConnect installs the required on_open handler.
func (s *Server) OnConnect(f func(*conn.Connection)) *Server { s.cb.OnOpen = f; return s }

// OnMessage installs the required on_message handler.
func (s *Server) OnMessage(f func(*conn.Connection, []byte, bool)) *Server {
	s.cb.OnMessage = f
	return s
}

// OnClose installs the required on_close handler.
func (s *Server) OnClose(f func(*conn.Connection, bool)) *Server { s.cb.OnClose = f; return s }

// OnError installs the optional on_error handler.
func (s *Server) OnError(f func(*conn.Connection)) *Server { s.cb.OnError = f; return s }

// OnBackpressure installs the optional backpressure-entry handler.
func (s *Server) OnBackpressure(f func(*conn.Connection)) *Server {
	s.cb.OnBackpressure = f
	return s
}

// OnDrain installs the optional backpressure-exit handler.
func (s *Server) OnDrain(f func(*conn.Connection)) *Server { s.cb.OnDrain = f; return s }

// Stats returns a point-in-time snapshot of the counters.
func (s *Server) Stats() stats.Snapshot { return s.stats.Snapshot() }

// Logger returns the configured logger, defaulted by New if the caller
// never supplied one via WithLogger.
func (s *Server) Logger() *logrus.Logger { return s.cfg.Logger }

// SetLogger replaces the logger used by subsequent log lines.
func (s *Server) SetLogger(l *logrus.Logger) *Server { s.cfg.Logger = l; return s }

// SetRateLimit replaces the rate-limit config applied to connections
// accepted from this point on; already-open connections keep their
// existing limiter.
func (s *Server) SetRateLimit(eventsPerSec float64, burst int) *Server {
	s.cfg.RateLimit = intrate.Config{MessagesPerSecond: eventsPerSec, Burst: burst, Enabled: true}
	return s
}

// ServiceInfo reports the configured name/version and start time.
func (s *Server) ServiceInfo() ServiceInfo {
	return ServiceInfo{Name: s.cfg.ServiceName, Version: s.cfg.ServiceVersion, StartedAt: s.startedAt}
}

// Addr returns the listening socket's bound address, useful after binding
// to port 0 for a kernel-assigned port in tests.
func (s *Server) Addr() (string, error) {
	sa, err := unix.Getsockname(s.listenFd)
	if err != nil {
		return "", err
	}
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", fmt.Errorf("unexpected sockaddr type %T", sa)
	}
	ip := net.IP(v4.Addr[:])
	return fmt.Sprintf("%s:%d", ip.String(), v4.Port), nil
}

// Stop requests the Run loop to exit after its current iteration. Safe to
// call from any goroutine, including from within a callback.
func (s *Server) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Run blocks, driving the reactor loop until Stop is called or the poll
// backend returns a fatal error. It always closes the listening socket and
// every still-open connection before returning.
func (s *Server) Run() error {
	defer s.shutdownAll()

	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		fds := s.refreshPollSet()
		start := time.Now()
		events, err := s.backend.wait(fds, s.cfg.PollTimeoutMs)
		s.stats.RecordPollLatency(uint64(time.Since(start).Microseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}

		if len(events) > 0 && events[0].readable {
			s.acceptOne()
		}

		n := len(events) - 1
		for i := 0; i < n; i++ {
			c := s.conns[i]
			ev := events[i+1]
			if ev.errored {
				c.MarkError(wserr.SocketError, "poll reported error or hangup")
				c.ForceClose()
				continue
			}
			if ev.readable {
				c.OnReadable()
			}
			if !c.IsClosed() && ev.writable {
				c.OnWritable()
			}
		}

		s.enforceTimeouts()
		s.sweepClosed()
	}
}

func (s *Server) refreshPollSet() []pollFD {
	s.pollFDs[0] = pollFD{fd: s.listenFd}
	for i, c := range s.conns {
		s.pollFDs[i+1] = pollFD{fd: c.Fd(), writeWant: c.WantsWrite()}
	}
	return s.pollFDs[:len(s.conns)+1]
}

// acceptOne accepts at most one pending connection per iteration. Past the
// 90% overload threshold it accepts and immediately closes the connection
// rather than leaving it to linger unaccepted in the kernel backlog; at the
// hard capacity it rejects outright.
func (s *Server) acceptOne() {
	fd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			s.cfg.Logger.WithError(err).Warn("accept failed")
		}
		return
	}

	if s.stats.IsOverloaded(s.cfg.MaxConnections) || len(s.conns) >= s.cfg.MaxConnections {
		unix.Close(fd)
		s.stats.RejectedConnections.Add(1)
		return
	}

	applyTCPTuning(fd, s.cfg.TCPTuning)

	s.nextID++
	limiter := intrate.NewLimiter(s.cfg.RateLimit)
	c := s.pool.Acquire(s.nextID, fd, s.cb, limiter)
	c.SetUseWritev(s.cfg.UseWritev)
	c.SetLogger(s.cfg.Logger)
	s.conns = append(s.conns, c)
	s.stats.TotalConnections.Add(1)
	s.stats.ActiveConnections.Add(1)
}

func (s *Server) enforceTimeouts() {
	now := time.Now()
	for _, c := range s.conns {
		if c.IsClosed() {
			continue
		}
		switch {
		case c.HandshakeExpired(now):
			c.MarkError(wserr.Timeout, "handshake timeout exceeded")
			c.ForceClose()
		case c.CloseExpired(now):
			c.MarkError(wserr.Timeout, "close handshake timeout exceeded")
			c.ForceClose()
		}
	}
}

// sweepClosed removes every Closed connection via swap-remove, returning it
// to the pool's free-list. active_connections was already decremented the
// moment each connection transitioned, so this does no counter bookkeeping
// of its own.
func (s *Server) sweepClosed() {
	i := 0
	for i < len(s.conns) {
		c := s.conns[i]
		if !c.IsClosed() {
			i++
			continue
		}
		last := len(s.conns) - 1
		s.conns[i] = s.conns[last]
		s.conns[last] = nil
		s.conns = s.conns[:last]
		s.pool.Release(c)
	}
}

func (s *Server) shutdownAll() {
	for _, c := range s.conns {
		if !c.IsClosed() {
			c.ForceClose()
		}
	}
	s.conns = s.conns[:0]
	s.backend.close()
	unix.Close(s.listenFd)
}

func applyTCPTuning(fd int, t TCPTuning) {
	if t.NoDelay {
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	if t.QuickAck {
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	}
	if t.KeepAlive {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		if t.KeepIdleSecs > 0 {
			unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, t.KeepIdleSecs)
		}
		if t.KeepIntvlSecs > 0 {
			unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, t.KeepIntvlSecs)
		}
		if t.KeepCount > 0 {
			unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, t.KeepCount)
		}
	}
}
