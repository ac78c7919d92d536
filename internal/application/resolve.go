package application

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"socks-relay/internal/domain"
	"socks-relay/internal/protocol"
)

// processDNSResponse takes one answer off the resolver socket and resumes the
// connection waiting for it.
func (s *ProxyService) processDNSResponse() {
	ans, err := s.resolver.ReadAnswer()
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			s.log.Debug("Ignoring DNS response", "error", err)
		}
		return
	}

	s.resume(ans)
}

// expireDNSQueries lets the resolver resend timed-out queries and fails the
// connections whose lookups gave up.
func (s *ProxyService) expireDNSQueries() {
	for _, ans := range s.resolver.Expire() {
		s.resume(ans)
	}
}

// resume continues the connection waiting for ans, if it is still waiting.
func (s *ProxyService) resume(ans domain.Answer) {
	clientFD, ok := s.queries[ans.ID]
	if !ok {
		return
	}
	delete(s.queries, ans.ID)

	c, ok := s.attachments[clientFD].(*domain.Connection)
	if !ok || c.State != domain.StateAwaitingResolution || c.QueryID != ans.ID {
		return
	}

	if ans.Err != nil {
		s.reject(c, protocol.Reply(protocol.RepHostUnreachable), fmt.Errorf("resolve %q: %w", c.TargetHost, ans.Err))
		return
	}

	s.log.Info("DNS Resolved", "domain", c.TargetHost, "ip", netip.AddrFrom4(ans.Addr))
	if err := s.connect(c, ans.Addr); err != nil {
		s.teardown(clientFD, err)
	}
}
