package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// ResolverResult is the outcome of one resolver query.
type ResolverResult struct {
	Resolver string
	Domain   string
	RTT      time.Duration
	Rcode    string
	Answers  int
}

// Resolver sends an A query for domain to resolver ("host:port", port 53
// when omitted) over UDP and retries over TCP on truncation.
func Resolver(ctx context.Context, resolver, domain string, timeout time.Duration) (ResolverResult, error) {
	addr := resolver
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
	}
	res := ResolverResult{Resolver: addr, Domain: domain}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	m.RecursionDesired = true

	c := &dns.Client{Net: "udp", Timeout: timeout}
	r, rtt, err := c.ExchangeContext(ctx, m, addr)
	if err == nil && r.Truncated {
		c.Net = "tcp"
		r, rtt, err = c.ExchangeContext(ctx, m, addr)
	}
	if err != nil {
		return res, fmt.Errorf("[Probe] query %s via %s: %w", domain, addr, err)
	}

	res.RTT = rtt
	res.Rcode = dns.RcodeToString[r.Rcode]
	res.Answers = len(r.Answer)
	return res, nil
}
