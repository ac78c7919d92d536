package network

import (
	"fmt"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// ListenTCP opens a non-blocking IPv4 listening socket on host:port. An empty
// host binds all interfaces.
func ListenTCP(host string, port, backlog int) (int, error) {
	addr := &unix.SockaddrInet4{Port: port}
	if host != "" {
		ip, err := netip.ParseAddr(host)
		if err != nil || !ip.Is4() {
			return 0, fmt.Errorf("listen address %q is not IPv4", host)
		}
		addr.Addr = ip.As4()
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return 0, err
	}

	return fd, nil
}

// LocalPort returns the port a socket is bound to.
func LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return sa4.Port, nil
	}
	return 0, fmt.Errorf("fd %d is not an IPv4 socket", fd)
}

// Accept returns a non-blocking accepted socket and its peer address.
func Accept(lfd int) (int, string, error) {
	nfd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return 0, "", err
	}
	return nfd, SockaddrString(sa), nil
}

// ConnectTCP starts a non-blocking connect to ip:port. Completion is signalled
// by writability; check it with SocketError.
func ConnectTCP(ip [4]byte, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	err = unix.Connect(fd, &unix.SockaddrInet4{Port: port, Addr: ip})
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

// SocketError returns the pending error on fd, if any.
func SocketError(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

// BindUDP opens an unbound non-blocking IPv4 datagram socket.
func BindUDP() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	return fd, nil
}

func SockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrUnix:
		return "unix:" + a.Name
	default:
		return "unknown"
	}
}

// ParseSockaddr4 turns "a.b.c.d:port" into a socket address.
func ParseSockaddr4(hostport string) (*unix.SockaddrInet4, error) {
	ap, err := netip.ParseAddrPort(hostport)
	if err != nil {
		return nil, err
	}
	if !ap.Addr().Is4() {
		return nil, fmt.Errorf("%s is not an IPv4 address", hostport)
	}
	return &unix.SockaddrInet4{Addr: ap.Addr().As4(), Port: int(ap.Port())}, nil
}

// FormatIPv4 renders a raw address.
func FormatIPv4(ip [4]byte, port int) string {
	return netip.AddrFrom4(ip).String() + ":" + strconv.Itoa(port)
}
