// Package resolver resolves destination names to IPv4 addresses with DNS A
// queries sent over a non-blocking UDP socket. The socket and a timerfd that
// drives retransmission are meant to be watched by the proxy's event loop;
// nothing here waits.
package resolver

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"socks-relay/internal/domain"
	"socks-relay/internal/infrastructure/network"
)

const (
	FallbackServer = "8.8.8.8:53"
	ResolvConfPath = "/etc/resolv.conf"

	DefaultTimeout  = 2 * time.Second
	DefaultAttempts = 3

	maxMessageSize = dns.MaxMsgSize
)

var (
	// ErrNotFound reports a name with no usable A record.
	ErrNotFound = errors.New("resolver: host not found")
	// ErrUnsolicited reports a response that matches no outstanding query.
	ErrUnsolicited = errors.New("resolver: unsolicited response")
	// ErrTimeout reports a query that got no response within its attempts.
	ErrTimeout = errors.New("resolver: no response")
)

type Config struct {
	// Server is an IPv4 host:port. Empty selects the first IPv4 nameserver in
	// /etc/resolv.conf.
	Server string
	// Timeout is how long each attempt waits before the query is resent.
	Timeout time.Duration
	// Attempts is the number of times a query is sent before it fails.
	Attempts int
}

type query struct {
	name     string
	packed   []byte
	attempts int
	deadline time.Time
}

type DNSResolver struct {
	fd       int
	timerFD  int
	server   *unix.SockaddrInet4
	timeout  time.Duration
	attempts int

	pending map[uint16]*query
	armed   bool
	buf     []byte
}

// New opens the query socket and its retransmission timer. Zero Timeout and
// Attempts select the defaults.
func New(cfg Config) (*DNSResolver, error) {
	server := cfg.Server
	if server == "" {
		server = ServerFromResolvConf(ResolvConfPath)
	}
	sa, err := network.ParseSockaddr4(server)
	if err != nil {
		return nil, fmt.Errorf("dns server %q: %w", server, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}

	fd, err := network.BindUDP()
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp: %w", err)
	}
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("timerfd: %w", err)
	}

	return &DNSResolver{
		fd:       fd,
		timerFD:  tfd,
		server:   sa,
		timeout:  cfg.Timeout,
		attempts: cfg.Attempts,
		pending:  make(map[uint16]*query),
		buf:      make([]byte, maxMessageSize),
	}, nil
}

// ServerFromResolvConf returns host:port of the first IPv4 nameserver listed
// in path, or FallbackServer.
func ServerFromResolvConf(path string) string {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return FallbackServer
	}
	for _, s := range cfg.Servers {
		if ip := net.ParseIP(s); ip != nil && ip.To4() != nil {
			return net.JoinHostPort(s, cfg.Port)
		}
	}
	return FallbackServer
}

func (r *DNSResolver) FD() int {
	return r.fd
}

func (r *DNSResolver) TimerFD() int {
	return r.timerFD
}

// Server returns the nameserver queries are sent to.
func (r *DNSResolver) Server() string {
	return network.SockaddrString(r.server)
}

// Pending reports the number of outstanding queries.
func (r *DNSResolver) Pending() int {
	return len(r.pending)
}

// Query sends an A query for host and returns its ID, unique among the
// outstanding queries.
func (r *DNSResolver) Query(host string) (uint16, error) {
	if host == "" {
		return 0, ErrNotFound
	}
	if _, ok := dns.IsDomainName(host); !ok {
		return 0, fmt.Errorf("%w: invalid name %q", ErrNotFound, host)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true
	for {
		if _, busy := r.pending[m.Id]; !busy {
			break
		}
		m.Id = dns.Id()
	}

	packed, err := m.Pack()
	if err != nil {
		return 0, fmt.Errorf("pack query for %q: %w", host, err)
	}

	if err := unix.Sendto(r.fd, packed, 0, r.server); err != nil {
		return 0, fmt.Errorf("dns send failed: %w", err)
	}

	q := &query{
		name:     strings.ToLower(dns.Fqdn(host)),
		packed:   packed,
		attempts: 1,
		deadline: time.Now().Add(r.timeout),
	}
	r.pending[m.Id] = q
	// Deadlines only grow, so an armed timer already fires no later than q's.
	if !r.armed {
		if err := r.arm(q.deadline); err != nil {
			delete(r.pending, m.Id)
			return 0, err
		}
	}
	return m.Id, nil
}

// Expire resends every query whose attempt has timed out and fails those with
// no attempts left. Call it when TimerFD is readable.
func (r *DNSResolver) Expire() []domain.Answer {
	var tick [8]byte
	_, _ = unix.Read(r.timerFD, tick[:])
	r.armed = false

	now := time.Now()
	var failed []domain.Answer
	var next time.Time
	for id, q := range r.pending {
		if now.Before(q.deadline) {
			if next.IsZero() || q.deadline.Before(next) {
				next = q.deadline
			}
			continue
		}

		var err error
		if q.attempts >= r.attempts {
			err = fmt.Errorf("%w after %d attempts", ErrTimeout, q.attempts)
		} else if serr := unix.Sendto(r.fd, q.packed, 0, r.server); serr != nil {
			err = fmt.Errorf("dns resend failed: %w", serr)
		}
		if err != nil {
			delete(r.pending, id)
			failed = append(failed, domain.Answer{ID: id, Name: strings.TrimSuffix(q.name, "."), Err: err})
			continue
		}

		q.attempts++
		q.deadline = now.Add(r.timeout)
		if next.IsZero() || q.deadline.Before(next) {
			next = q.deadline
		}
	}

	if !next.IsZero() {
		// A timer that cannot be armed leaves the queries to their answers.
		_ = r.arm(next)
	}
	return failed
}

func (r *DNSResolver) arm(at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		d = time.Nanosecond
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(r.timerFD, 0, &spec, nil); err != nil {
		return fmt.Errorf("arm dns timer: %w", err)
	}
	r.armed = true
	return nil
}

// ReadAnswer receives one response. It returns unix.EAGAIN when none is
// waiting. A lookup failure is reported in Answer.Err, not as the error.
func (r *DNSResolver) ReadAnswer() (domain.Answer, error) {
	n, _, err := unix.Recvfrom(r.fd, r.buf, 0)
	if err != nil {
		return domain.Answer{}, err
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(r.buf[:n]); err != nil {
		return domain.Answer{}, fmt.Errorf("failed to unpack dns response: %w", err)
	}

	q, ok := r.pending[msg.Id]
	if !ok || len(msg.Question) != 1 || strings.ToLower(msg.Question[0].Name) != q.name {
		return domain.Answer{}, fmt.Errorf("%w: id %d", ErrUnsolicited, msg.Id)
	}
	delete(r.pending, msg.Id)

	ans := domain.Answer{ID: msg.Id, Name: strings.TrimSuffix(q.name, ".")}
	if msg.Rcode != dns.RcodeSuccess {
		ans.Err = fmt.Errorf("%w: %s", ErrNotFound, dns.RcodeToString[msg.Rcode])
		return ans, nil
	}
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.A); ok {
			if ip4 := a.A.To4(); ip4 != nil {
				copy(ans.Addr[:], ip4)
				return ans, nil
			}
		}
	}
	ans.Err = fmt.Errorf("%w: no A records", ErrNotFound)
	return ans, nil
}

// Cancel forgets an outstanding query; a late response is then unsolicited.
func (r *DNSResolver) Cancel(id uint16) {
	delete(r.pending, id)
}

func (r *DNSResolver) Close() error {
	r.pending = make(map[uint16]*query)
	return errors.Join(unix.Close(r.fd), unix.Close(r.timerFD))
}
