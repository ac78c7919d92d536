// Package protocol encodes and decodes the subset of SOCKS5 (RFC 1928) the
// relay speaks: no-auth negotiation and CONNECT to IPv4 or domain targets.
//
// Decoders are pure and never read past the buffer they are given. A buffer
// that ends before the message does yields ErrIncomplete, which callers treat
// as "wait for more bytes" rather than a violation.
package protocol

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"strconv"
)

const (
	Version5 byte = 0x05

	MethodNoAuth       byte = 0x00
	MethodNoAcceptable byte = 0xFF

	CmdConnect byte = 0x01

	AtypIPv4   byte = 0x01
	AtypDomain byte = 0x03

	RepSuccess                 byte = 0x00
	RepGeneralFailure          byte = 0x01
	RepHostUnreachable         byte = 0x04
	RepCommandNotSupported     byte = 0x07
	RepAddressTypeNotSupported byte = 0x08

	// ReplyLen is the size of every reply this package encodes.
	ReplyLen = 10

	MaxGreetingLen = 2 + 255
	MaxRequestLen  = 4 + 1 + 255 + 2
)

var (
	ErrIncomplete              = errors.New("socks5: incomplete message")
	ErrBadVersion              = errors.New("socks5: unsupported protocol version")
	ErrCommandNotSupported     = errors.New("socks5: command not supported")
	ErrAddressTypeNotSupported = errors.New("socks5: address type not supported")
)

// ReplyCodeFor maps a decode error to the reply code sent before closing.
func ReplyCodeFor(err error) byte {
	switch {
	case errors.Is(err, ErrCommandNotSupported):
		return RepCommandNotSupported
	case errors.Is(err, ErrAddressTypeNotSupported):
		return RepAddressTypeNotSupported
	default:
		return RepGeneralFailure
	}
}

type Greeting struct {
	Methods []byte
}

// Offers reports whether the client listed method.
func (g Greeting) Offers(method byte) bool {
	for _, m := range g.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// ParseGreeting decodes VER NMETHODS METHODS from the head of b and returns the
// number of bytes consumed.
func ParseGreeting(b []byte) (Greeting, int, error) {
	if len(b) > 0 && b[0] != Version5 {
		return Greeting{}, 0, ErrBadVersion
	}
	if len(b) < 2 {
		return Greeting{}, 0, ErrIncomplete
	}
	n := 2 + int(b[1])
	if len(b) < n {
		return Greeting{}, 0, ErrIncomplete
	}
	methods := make([]byte, n-2)
	copy(methods, b[2:n])
	return Greeting{Methods: methods}, n, nil
}

func AppendGreeting(dst []byte, methods ...byte) []byte {
	dst = append(dst, Version5, byte(len(methods)))
	return append(dst, methods...)
}

func MethodReply(method byte) []byte {
	return []byte{Version5, method}
}

// ParseMethodReply decodes VER METHOD.
func ParseMethodReply(b []byte) (byte, error) {
	if len(b) < 2 {
		return 0, ErrIncomplete
	}
	if b[0] != Version5 {
		return 0, ErrBadVersion
	}
	return b[1], nil
}

// Request is a decoded CONNECT request. For AtypIPv4, Host is the dotted-quad
// form of the address.
type Request struct {
	Command  byte
	AddrType byte
	Host     string
	Port     uint16
}

// Address returns host:port.
func (r Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// ParseRequest decodes VER CMD RSV ATYP DST.ADDR DST.PORT from the head of b and
// returns the number of bytes consumed. The reserved byte is not checked.
func ParseRequest(b []byte) (Request, int, error) {
	if len(b) > 0 && b[0] != Version5 {
		return Request{}, 0, ErrBadVersion
	}
	if len(b) < 4 {
		return Request{}, 0, ErrIncomplete
	}
	if b[1] != CmdConnect {
		return Request{}, 0, ErrCommandNotSupported
	}

	req := Request{Command: b[1], AddrType: b[3]}
	var n int
	switch req.AddrType {
	case AtypIPv4:
		n = 4 + 4 + 2
		if len(b) < n {
			return Request{}, 0, ErrIncomplete
		}
		req.Host = netip.AddrFrom4([4]byte(b[4:8])).String()
	case AtypDomain:
		if len(b) < 5 {
			return Request{}, 0, ErrIncomplete
		}
		l := int(b[4])
		n = 5 + l + 2
		if len(b) < n {
			return Request{}, 0, ErrIncomplete
		}
		req.Host = string(b[5 : 5+l])
	default:
		return Request{}, 0, ErrAddressTypeNotSupported
	}
	req.Port = binary.BigEndian.Uint16(b[n-2 : n])
	return req, n, nil
}

// AppendRequest encodes r. An AtypIPv4 request needs an IPv4 Host; an
// AtypDomain request needs a Host of at most 255 bytes.
func AppendRequest(dst []byte, r Request) ([]byte, error) {
	dst = append(dst, Version5, r.Command, 0x00, r.AddrType)
	switch r.AddrType {
	case AtypIPv4:
		addr, err := netip.ParseAddr(r.Host)
		if err != nil || !addr.Is4() {
			return nil, ErrAddressTypeNotSupported
		}
		a4 := addr.As4()
		dst = append(dst, a4[:]...)
	case AtypDomain:
		if len(r.Host) > 255 {
			return nil, ErrAddressTypeNotSupported
		}
		dst = append(dst, byte(len(r.Host)))
		dst = append(dst, r.Host...)
	default:
		return nil, ErrAddressTypeNotSupported
	}
	return binary.BigEndian.AppendUint16(dst, r.Port), nil
}

// Reply encodes a reply with code rep. The bound address and port are always
// zero.
func Reply(rep byte) []byte {
	return []byte{Version5, rep, 0x00, AtypIPv4, 0, 0, 0, 0, 0, 0}
}

// ParseReply decodes a reply with an IPv4 bound address and returns its code.
func ParseReply(b []byte) (byte, error) {
	if len(b) > 0 && b[0] != Version5 {
		return 0, ErrBadVersion
	}
	if len(b) < 4 {
		return 0, ErrIncomplete
	}
	if b[3] != AtypIPv4 {
		return 0, ErrAddressTypeNotSupported
	}
	if len(b) < ReplyLen {
		return 0, ErrIncomplete
	}
	return b[1], nil
}
