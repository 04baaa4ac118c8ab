// Package resolve turns upstream host names into addresses for the relay.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const maxCNAMEDepth = 8

// ErrNoAddresses is returned when a name resolves but carries no A or AAAA
// records.
var ErrNoAddresses = errors.New("no addresses")

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// LookupError describes a failed resolution.
type LookupError struct {
	Host string
	Err  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

type systemResolver struct {
	r *net.Resolver
}

// System returns a Resolver backed by the operating system.
func System() Resolver {
	return systemResolver{r: net.DefaultResolver}
}

func (s systemResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}
	addrs, err := s.r.LookupHost(ctx, host)
	if err != nil {
		return nil, &LookupError{Host: host, Err: err}
	}
	return addrs, nil
}

// DNS queries a single DNS server directly, bypassing the system resolver.
type DNS struct {
	server string
	udp    *dns.Client
	tcp    *dns.Client
}

// NewDNS returns a resolver for server (host or host:port; port 53 when
// omitted). Each exchange is bounded by timeout.
func NewDNS(server string, timeout time.Duration) *DNS {
	server = strings.TrimSpace(server)
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(strings.Trim(server, "[]"), "53")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNS{
		server: server,
		udp:    &dns.Client{Net: "udp", Timeout: timeout},
		tcp:    &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

// Server reports the address queries are sent to.
func (d *DNS) Server() string {
	return d.server
}

// LookupHost returns IPv4 addresses followed by IPv6 addresses for host.
func (d *DNS) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return []string{ip.String()}, nil
	}
	name := dns.Fqdn(strings.ToLower(host))

	var addrs []string
	var firstErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := d.lookup(ctx, name, qtype, 0)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		addrs = append(addrs, found...)
	}
	if len(addrs) > 0 {
		return addrs, nil
	}
	if firstErr == nil {
		firstErr = ErrNoAddresses
	}
	return nil, &LookupError{Host: host, Err: firstErr}
}

func (d *DNS) lookup(ctx context.Context, name string, qtype uint16, depth int) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, qtype)
	msg.RecursionDesired = true

	in, _, err := d.udp.ExchangeContext(ctx, msg, d.server)
	if err == nil && in.Truncated {
		in, _, err = d.tcp.ExchangeContext(ctx, msg, d.server)
	}
	if err != nil {
		return nil, err
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[in.Rcode])
	}

	var addrs []string
	var cname string
	for _, rr := range in.Answer {
		switch v := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				addrs = append(addrs, v.A.String())
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				addrs = append(addrs, v.AAAA.String())
			}
		case *dns.CNAME:
			cname = v.Target
		}
	}
	if len(addrs) == 0 && cname != "" {
		if depth >= maxCNAMEDepth {
			return nil, fmt.Errorf("%s: CNAME chain too long", name)
		}
		return d.lookup(ctx, cname, qtype, depth+1)
	}
	return addrs, nil
}
