package application

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"socks-relay/internal/domain"
	"socks-relay/internal/infrastructure/network"
)

func (s *ProxyService) relay(t *domain.Tunnel, fd int, event domain.EventType) error {
	if fd == t.ServerFD && !t.Established {
		return s.finishConnect(t)
	}

	switch event {
	case domain.EventWrite:
		return s.relayWrite(t, fd)
	case domain.EventError:
		if err := network.SocketError(fd); err != nil {
			return fmt.Errorf("fd %d: %w", fd, err)
		}
		return s.relayRead(t, fd)
	default:
		return s.relayRead(t, fd)
	}
}

func (s *ProxyService) finishConnect(t *domain.Tunnel) error {
	if err := network.SocketError(t.ServerFD); err != nil {
		return fmt.Errorf("connect async failed: %w", err)
	}
	t.Established = true
	s.log.Info("Connected to target", "target", t.Target, "client_fd", t.ClientFD, "server_fd", t.ServerFD)
	return s.updateInterest(t)
}

// relayRead reads once from fd and queues the bytes for the other side.
func (s *ProxyService) relayRead(t *domain.Tunnel, fd int) error {
	buf := make([]byte, s.opts.BufferSize)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		return fmt.Errorf("read fd %d: %w", fd, err)
	}
	if n == 0 {
		s.closeTunnel(t, "connection closed by peer")
		return nil
	}

	t.QueueFrom(fd).Push(buf[:n])
	s.log.Debug("Data read", "bytes", n, "src_fd", fd)
	return s.updateInterest(t)
}

// relayWrite drains the queue destined for fd until it is empty or the
// socket stops accepting bytes.
func (s *ProxyService) relayWrite(t *domain.Tunnel, fd int) error {
	n, err := t.QueueTo(fd).Flush(func(b []byte) (int, error) {
		return unix.Write(fd, b)
	})
	if fd == t.ServerFD {
		s.stats.bytesUpstream.Add(int64(n))
	} else {
		s.stats.bytesDownstream.Add(int64(n))
	}
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("write fd %d: %w", fd, err)
	}
	return s.updateInterest(t)
}

// interestFor derives what fd should wait for. A side with queued output waits
// for write; it also waits for read once the tunnel is established, unless
// the queue its reads feed is at the configured bound. A connect in progress
// waits for write only.
func (s *ProxyService) interestFor(t *domain.Tunnel, fd int) domain.EventType {
	if fd == t.ServerFD && !t.Established {
		return domain.EventWrite
	}

	var ev domain.EventType
	if !t.QueueTo(fd).Empty() {
		ev |= domain.EventWrite
	}
	if !t.Established {
		return ev
	}
	if limit := s.opts.MaxQueuedBytes; limit > 0 && t.QueueFrom(fd).Len() >= limit {
		return ev
	}
	return ev | domain.EventRead
}

func (s *ProxyService) updateInterest(t *domain.Tunnel) error {
	if ev := s.interestFor(t, t.ClientFD); ev != t.ClientInterest {
		if err := s.loop.Modify(t.ClientFD, ev); err != nil {
			return err
		}
		t.ClientInterest = ev
	}
	if ev := s.interestFor(t, t.ServerFD); ev != t.ServerInterest {
		if err := s.loop.Modify(t.ServerFD, ev); err != nil {
			return err
		}
		t.ServerInterest = ev
	}
	return nil
}
