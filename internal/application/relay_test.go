package application

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"socks-relay/internal/domain"
	"socks-relay/internal/protocol"
)

// openTunnel runs a client through the handshake to a local listener and
// returns the tunnel together with the accepted target connection.
func openTunnel(t *testing.T, h *harness, early string) (*domain.Tunnel, int, net.Conn) {
	t.Helper()
	ln, port := listenTarget(t)
	fd, peer := h.client(t)

	msg := protocol.AppendGreeting(nil, protocol.MethodNoAuth)
	msg = append(msg, connectRequest(t, protocol.AtypIPv4, "127.0.0.1", port)...)
	msg = append(msg, early...)
	h.send(t, fd, peer, msg)
	require.Equal(t, []byte{0x05, 0x00}, readN(t, peer, 2))

	tun := h.tunnelOf(t, fd)
	target, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { _ = target.Close() })

	waitFD(t, tun.ServerFD, unix.POLLOUT)
	require.NoError(t, h.svc.HandleEvent(tun.ServerFD, domain.EventWrite))
	require.True(t, tun.Established)
	return tun, peer, target
}

func TestTunnelLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	tun, peer, target := openTunnel(t, h, "early")

	assert.Equal(t, domain.EventRead|domain.EventWrite, h.loop.interest[tun.ClientFD])
	assert.Equal(t, domain.EventRead|domain.EventWrite, h.loop.interest[tun.ServerFD])

	require.NoError(t, h.svc.HandleEvent(tun.ClientFD, domain.EventWrite))
	assert.Equal(t, protocol.Reply(protocol.RepSuccess), readN(t, peer, protocol.ReplyLen))

	require.NoError(t, h.svc.HandleEvent(tun.ServerFD, domain.EventWrite))
	got := make([]byte, 5)
	_, err := io.ReadFull(target, got)
	require.NoError(t, err)
	assert.Equal(t, "early", string(got))

	assert.Equal(t, domain.EventRead, h.loop.interest[tun.ClientFD])
	assert.Equal(t, domain.EventRead, h.loop.interest[tun.ServerFD])

	// target -> client
	_, err = target.Write([]byte("pong"))
	require.NoError(t, err)
	waitFD(t, tun.ServerFD, unix.POLLIN)
	require.NoError(t, h.svc.HandleEvent(tun.ServerFD, domain.EventRead))
	assert.Equal(t, domain.EventRead|domain.EventWrite, h.loop.interest[tun.ClientFD])
	require.NoError(t, h.svc.HandleEvent(tun.ClientFD, domain.EventWrite))
	assert.Equal(t, "pong", string(readN(t, peer, 4)))

	// client -> target
	_, err = unix.Write(peer, []byte("ping"))
	require.NoError(t, err)
	waitFD(t, tun.ClientFD, unix.POLLIN)
	require.NoError(t, h.svc.HandleEvent(tun.ClientFD, domain.EventRead))
	require.NoError(t, h.svc.HandleEvent(tun.ServerFD, domain.EventWrite))
	_, err = io.ReadFull(target, got[:4])
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got[:4]))

	st := h.svc.Stats()
	assert.EqualValues(t, 1, st.Tunnels)
	assert.EqualValues(t, 0, st.Connections)
	assert.EqualValues(t, 9, st.BytesUpstream)
	assert.EqualValues(t, protocol.ReplyLen+4, st.BytesDownstream)

	// Target EOF closes both sides.
	require.NoError(t, target.Close())
	waitFD(t, tun.ServerFD, unix.POLLIN)
	require.NoError(t, h.svc.HandleEvent(tun.ServerFD, domain.EventRead))
	expectEOF(t, peer)
	assert.Empty(t, h.svc.attachments)
	assert.Empty(t, h.loop.interest)
	assert.EqualValues(t, 0, h.svc.Stats().Tunnels)
}

func TestClientCloseClosesTarget(t *testing.T) {
	h := newHarness(t, Options{})
	tun, peer, target := openTunnel(t, h, "")

	require.NoError(t, unix.Shutdown(peer, unix.SHUT_WR))
	waitFD(t, tun.ClientFD, unix.POLLIN)
	require.NoError(t, h.svc.HandleEvent(tun.ClientFD, domain.EventRead))

	n, err := target.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, h.svc.attachments)
}

func TestConnectRefusedClosesBothSides(t *testing.T) {
	ln, port := listenTarget(t)
	require.NoError(t, ln.Close())

	h := newHarness(t, Options{})
	fd, peer := h.client(t)
	h.send(t, fd, peer, protocol.AppendGreeting(nil, protocol.MethodNoAuth))
	readN(t, peer, 2)
	h.send(t, fd, peer, connectRequest(t, protocol.AtypIPv4, "127.0.0.1", port))

	if tun, ok := h.svc.attachments[fd].(*domain.Tunnel); ok {
		// The connect failed asynchronously; the client gets no further reply.
		waitFD(t, tun.ServerFD, unix.POLLOUT)
		require.NoError(t, h.svc.HandleEvent(tun.ServerFD, domain.EventWrite))
		expectEOF(t, peer)
	} else {
		assert.Equal(t, protocol.Reply(protocol.RepHostUnreachable), readN(t, peer, protocol.ReplyLen))
		expectEOF(t, peer)
	}
	assert.Empty(t, h.svc.attachments)
	assert.Empty(t, h.loop.interest)
	assert.EqualValues(t, 0, h.svc.Stats().Tunnels)
}

func TestQueueBoundPausesReads(t *testing.T) {
	h := newHarness(t, Options{BufferSize: 8, MaxQueuedBytes: 8})
	tun, peer, target := openTunnel(t, h, "")

	require.NoError(t, h.svc.HandleEvent(tun.ClientFD, domain.EventWrite))
	readN(t, peer, protocol.ReplyLen)

	_, err := target.Write(make([]byte, 32))
	require.NoError(t, err)
	waitFD(t, tun.ServerFD, unix.POLLIN)
	require.NoError(t, h.svc.HandleEvent(tun.ServerFD, domain.EventRead))

	assert.Equal(t, 8, tun.ServerToClient.Len())
	assert.Equal(t, domain.EventType(0), h.loop.interest[tun.ServerFD], "reads from the target are paused")
	assert.Equal(t, domain.EventRead|domain.EventWrite, h.loop.interest[tun.ClientFD])

	require.NoError(t, h.svc.HandleEvent(tun.ClientFD, domain.EventWrite))
	readN(t, peer, 8)
	assert.Equal(t, domain.EventRead, h.loop.interest[tun.ServerFD], "reads resume once drained")
}

func TestEventOnUnknownFDIsIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	assert.NoError(t, h.svc.HandleEvent(123456, domain.EventRead))
}
