package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"socks-relay/internal/domain"
	"socks-relay/internal/infrastructure/network"
)

var errPeerClosed = errors.New("connection closed by peer")

type Options struct {
	Host    string
	Port    int
	Backlog int

	// BufferSize is the size of every read buffer.
	BufferSize int
	// MaxQueuedBytes bounds each relay queue; zero leaves it unbounded.
	MaxQueuedBytes int
	// Hosts maps lower-case names to addresses without a DNS query.
	Hosts map[string][4]byte
}

// Stats is a snapshot of the service counters.
type Stats struct {
	Accepted        int64
	Connections     int64
	Tunnels         int64
	BytesUpstream   int64
	BytesDownstream int64
}

type counters struct {
	accepted        atomic.Int64
	connections     atomic.Int64
	tunnels         atomic.Int64
	bytesUpstream   atomic.Int64
	bytesDownstream atomic.Int64
}

// ProxyService is the SOCKS5 relay. All of its methods except Stats and Port
// run on the event loop goroutine.
type ProxyService struct {
	log        *slog.Logger
	loop       domain.EventLoop
	resolver   domain.Resolver
	opts       Options
	listenerFD int
	port       int

	attachments map[int]domain.Attachment
	queries     map[uint16]int // DNS ID -> client FD

	// acceptPaused is set while the listener is parked because the process
	// ran out of descriptors.
	acceptPaused bool

	stats counters
}

func NewProxyService(loop domain.EventLoop, resolver domain.Resolver, logger *slog.Logger, opts Options) (*ProxyService, error) {
	if opts.BufferSize <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", opts.BufferSize)
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 128
	}

	lfd, err := network.ListenTCP(opts.Host, opts.Port, opts.Backlog)
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}
	port, err := network.LocalPort(lfd)
	if err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("failed to read listen port: %w", err)
	}

	return &ProxyService{
		log:         logger,
		loop:        loop,
		resolver:    resolver,
		opts:        opts,
		listenerFD:  lfd,
		port:        port,
		attachments: make(map[int]domain.Attachment),
		queries:     make(map[uint16]int),
	}, nil
}

// Port returns the port the listener is bound to.
func (s *ProxyService) Port() int {
	return s.port
}

func (s *ProxyService) Stats() Stats {
	return Stats{
		Accepted:        s.stats.accepted.Load(),
		Connections:     s.stats.connections.Load(),
		Tunnels:         s.stats.tunnels.Load(),
		BytesUpstream:   s.stats.bytesUpstream.Load(),
		BytesDownstream: s.stats.bytesDownstream.Load(),
	}
}

// Start registers the listener and resolver descriptors and runs the event
// loop until it is stopped.
func (s *ProxyService) Start() error {
	s.log.Info("Registering server sockets in EventLoop", "listener_fd", s.listenerFD, "dns_fd", s.resolver.FD(), "dns_timer_fd", s.resolver.TimerFD())

	for _, fd := range []int{s.listenerFD, s.resolver.FD(), s.resolver.TimerFD()} {
		if err := s.loop.Register(fd, domain.EventRead); err != nil {
			return err
		}
	}

	s.log.Info("Proxy service is running loop...", "port", s.port)
	return s.loop.Run(s)
}

// HandleEvent dispatches one readiness event. Failures inside a connection
// are handled here by tearing that connection down; only listener failures
// are returned.
func (s *ProxyService) HandleEvent(fd int, event domain.EventType) error {
	if fd == s.listenerFD {
		return s.acceptNewClient()
	}
	switch fd {
	case s.resolver.FD():
		s.processDNSResponse()
		return nil
	case s.resolver.TimerFD():
		s.expireDNSQueries()
		return nil
	}

	var err error
	switch att := s.attachments[fd].(type) {
	case *domain.Connection:
		err = s.handshake(att)
	case *domain.Tunnel:
		err = s.relay(att, fd, event)
	default:
		return nil
	}
	if err != nil {
		s.teardown(fd, err)
	}
	return nil
}

func (s *ProxyService) acceptNewClient() error {
	nfd, peer, err := network.Accept(s.listenerFD)
	if err != nil {
		return s.acceptFailed(err)
	}

	if err := s.adoptClient(nfd, peer); err != nil {
		unix.Close(nfd)
		return err
	}
	s.stats.accepted.Add(1)
	s.log.Debug("New client accepted", "fd", nfd, "peer", peer)
	return nil
}

// acceptFailed classifies an accept error. Running out of descriptors parks
// the listener until a connection closes, since the pending client would
// otherwise keep it readable and the loop spinning.
func (s *ProxyService) acceptFailed(err error) error {
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ECONNABORTED):
		return nil
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE),
		errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
		if s.acceptPaused {
			return nil
		}
		s.log.Warn("Pausing accept until a connection closes", "error", err)
		if merr := s.loop.Modify(s.listenerFD, 0); merr != nil {
			return fmt.Errorf("pause accept: %w", merr)
		}
		s.acceptPaused = true
		return nil
	default:
		return fmt.Errorf("accept: %w", err)
	}
}

// resumeAccept re-arms a parked listener after a descriptor was released.
func (s *ProxyService) resumeAccept() {
	if !s.acceptPaused {
		return
	}
	if err := s.loop.Modify(s.listenerFD, domain.EventRead); err != nil {
		s.log.Error("Failed to resume accept", "error", err)
		return
	}
	s.acceptPaused = false
	s.log.Info("Accept resumed")
}

func (s *ProxyService) adoptClient(fd int, peer string) error {
	conn := &domain.Connection{
		ClientFD: fd,
		Peer:     peer,
		State:    domain.StateAwaitingGreeting,
		Interest: domain.EventRead,
	}
	if err := s.loop.Register(fd, conn.Interest); err != nil {
		return err
	}
	s.attachments[fd] = conn
	s.stats.connections.Add(1)
	return nil
}

// teardown is the single failure path: it closes whatever fd belongs to,
// including both sides of a tunnel.
func (s *ProxyService) teardown(fd int, cause error) {
	switch att := s.attachments[fd].(type) {
	case *domain.Connection:
		level := slog.LevelWarn
		if errors.Is(cause, errPeerClosed) {
			level = slog.LevelDebug
		}
		s.log.Log(context.Background(), level, "Closing connection", "client_fd", att.ClientFD, "peer", att.Peer, "state", att.State, "reason", cause)
		s.closeConnection(att)
	case *domain.Tunnel:
		s.closeTunnel(att, cause.Error())
	default:
		_ = s.loop.Unregister(fd)
		unix.Close(fd)
	}
}

func (s *ProxyService) closeConnection(c *domain.Connection) {
	if c.State == domain.StateAwaitingResolution {
		delete(s.queries, c.QueryID)
		s.resolver.Cancel(c.QueryID)
	}
	_ = s.loop.Unregister(c.ClientFD)
	unix.Close(c.ClientFD)
	delete(s.attachments, c.ClientFD)
	c.Inbound = nil
	s.stats.connections.Add(-1)
	s.resumeAccept()
}

func (s *ProxyService) closeTunnel(t *domain.Tunnel, reason string) {
	s.log.Info("Closing session", "client_fd", t.ClientFD, "server_fd", t.ServerFD, "target", t.Target, "reason", reason)

	for _, fd := range []int{t.ClientFD, t.ServerFD} {
		if s.attachments[fd] != t {
			continue
		}
		_ = s.loop.Unregister(fd)
		unix.Close(fd)
		delete(s.attachments, fd)
	}
	t.Release()
	s.stats.tunnels.Add(-1)
	s.resumeAccept()
}

// Close releases every connection, tunnel and socket the service owns. Call it
// after the loop has returned.
func (s *ProxyService) Close() error {
	s.acceptPaused = false
	seen := make(map[domain.Attachment]bool)
	for _, att := range s.attachments {
		if seen[att] {
			continue
		}
		seen[att] = true
		switch a := att.(type) {
		case *domain.Connection:
			s.closeConnection(a)
		case *domain.Tunnel:
			s.closeTunnel(a, "shutdown")
		}
	}

	st := s.Stats()
	s.log.Info("Proxy service closed", "accepted", st.Accepted, "bytes_upstream", st.BytesUpstream, "bytes_downstream", st.BytesDownstream)

	_ = s.loop.Unregister(s.listenerFD)
	_ = s.loop.Unregister(s.resolver.FD())
	_ = s.loop.Unregister(s.resolver.TimerFD())
	return errors.Join(unix.Close(s.listenerFD), s.resolver.Close())
}
