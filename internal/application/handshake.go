package application

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"golang.org/x/sys/unix"

	"socks-relay/internal/domain"
	"socks-relay/internal/infrastructure/network"
	"socks-relay/internal/protocol"
)

// errHandshakeOverflow reports a client that sent more than a greeting, a
// request and one read of early data before its tunnel existed.
var errHandshakeOverflow = errors.New("too much data before tunnel")

// handshake reads once from a client that has no tunnel yet and advances its
// state machine as far as the buffered bytes allow. Reads continue while a
// name is being resolved so that a client hang-up is noticed; the bytes wait
// in Inbound.
func (s *ProxyService) handshake(c *domain.Connection) error {
	buf := make([]byte, s.opts.BufferSize)
	n, err := unix.Read(c.ClientFD, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		return fmt.Errorf("handshake read: %w", err)
	}
	if n == 0 {
		return errPeerClosed
	}
	c.Inbound = append(c.Inbound, buf[:n]...)
	if len(c.Inbound) > s.inboundLimit() {
		s.reject(c, protocol.Reply(protocol.RepGeneralFailure), errHandshakeOverflow)
		return nil
	}
	return s.advance(c)
}

func (s *ProxyService) inboundLimit() int {
	return protocol.MaxGreetingLen + protocol.MaxRequestLen + s.opts.BufferSize
}

func (s *ProxyService) advance(c *domain.Connection) error {
	for {
		switch c.State {
		case domain.StateAwaitingGreeting:
			g, n, err := protocol.ParseGreeting(c.Inbound)
			if errors.Is(err, protocol.ErrIncomplete) {
				return nil
			}
			if err != nil {
				s.reject(c, protocol.Reply(protocol.ReplyCodeFor(err)), err)
				return nil
			}
			c.Inbound = c.Inbound[n:]

			if !g.Offers(protocol.MethodNoAuth) {
				s.reject(c, protocol.MethodReply(protocol.MethodNoAcceptable), errors.New("no acceptable auth method"))
				return nil
			}
			if err := writeAll(c.ClientFD, protocol.MethodReply(protocol.MethodNoAuth)); err != nil {
				return fmt.Errorf("auth write failed: %w", err)
			}
			c.State = domain.StateAwaitingRequest
			s.log.Debug("Auth successful, waiting for command", "client_fd", c.ClientFD)

		case domain.StateAwaitingRequest:
			req, n, err := protocol.ParseRequest(c.Inbound)
			if errors.Is(err, protocol.ErrIncomplete) {
				return nil
			}
			if err != nil {
				s.reject(c, protocol.Reply(protocol.ReplyCodeFor(err)), err)
				return nil
			}
			c.Inbound = c.Inbound[n:]
			return s.resolveTarget(c, req)

		default:
			// Bytes arriving during resolution wait in Inbound.
			return nil
		}
	}
}

// resolveTarget connects straight away for literal or statically mapped
// addresses and otherwise sends a DNS query and parks the connection.
func (s *ProxyService) resolveTarget(c *domain.Connection, req protocol.Request) error {
	c.TargetHost = req.Host
	c.TargetPort = req.Port

	if ip, ok := s.lookupStatic(req.Host); ok {
		s.log.Info("Connecting direct IP", "target", req.Address(), "client_fd", c.ClientFD)
		return s.connect(c, ip)
	}

	id, err := s.resolver.Query(req.Host)
	if err != nil {
		s.reject(c, protocol.Reply(protocol.RepHostUnreachable), fmt.Errorf("resolve %q: %w", req.Host, err))
		return nil
	}

	s.log.Info("Resolving domain", "domain", req.Host, "client_fd", c.ClientFD)
	c.State = domain.StateAwaitingResolution
	c.QueryID = id
	s.queries[id] = c.ClientFD
	return nil
}

func (s *ProxyService) lookupStatic(host string) ([4]byte, bool) {
	if addr, err := netip.ParseAddr(host); err == nil && addr.Is4() {
		return addr.As4(), true
	}
	ip, ok := s.opts.Hosts[strings.ToLower(host)]
	return ip, ok
}

// connect starts the outbound connect and promotes c to a Tunnel. The success
// reply is queued to the client at once, before the connect completes.
func (s *ProxyService) connect(c *domain.Connection, ip [4]byte) error {
	target := network.FormatIPv4(ip, int(c.TargetPort))
	rfd, err := network.ConnectTCP(ip, int(c.TargetPort))
	if err != nil {
		s.reject(c, protocol.Reply(protocol.RepHostUnreachable), fmt.Errorf("connect %s: %w", target, err))
		return nil
	}

	t := domain.NewTunnel(c.ClientFD, rfd)
	t.Peer = c.Peer
	t.Target = target
	t.ClientInterest = c.Interest
	t.ClientToServer.Push(c.Inbound)
	t.ServerToClient.Push(protocol.Reply(protocol.RepSuccess))
	c.Inbound = nil

	s.attachments[c.ClientFD] = t
	s.attachments[rfd] = t
	s.stats.connections.Add(-1)
	s.stats.tunnels.Add(1)

	s.log.Debug("Initiating TCP connection", "target", target, "client_fd", c.ClientFD, "server_fd", rfd)

	if err := s.loop.Register(rfd, domain.EventWrite); err != nil {
		return err
	}
	t.ServerInterest = domain.EventWrite
	return s.updateInterest(t)
}

// reject sends a best-effort reply and closes the connection.
func (s *ProxyService) reject(c *domain.Connection, reply []byte, cause error) {
	s.log.Warn("Rejecting client", "client_fd", c.ClientFD, "peer", c.Peer, "state", c.State, "reason", cause)
	_ = writeAll(c.ClientFD, reply)
	s.closeConnection(c)
}

func writeAll(fd int, b []byte) error {
	n, err := unix.Write(fd, b)
	if err != nil {
		return err
	}
	if n < len(b) {
		return io.ErrShortWrite
	}
	return nil
}
