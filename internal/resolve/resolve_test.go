package resolve

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func startDNSServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		switch q.Name {
		case "storage.test.":
			if q.Qtype == dns.TypeA {
				rr, _ := dns.NewRR("storage.test. 60 IN A 192.0.2.10")
				m.Answer = append(m.Answer, rr)
			}
			if q.Qtype == dns.TypeAAAA {
				rr, _ := dns.NewRR("storage.test. 60 IN AAAA 2001:db8::10")
				m.Answer = append(m.Answer, rr)
			}
		case "alias.test.":
			rr, _ := dns.NewRR("alias.test. 60 IN CNAME storage.test.")
			m.Answer = append(m.Answer, rr)
		case "loop.test.":
			rr, _ := dns.NewRR("loop.test. 60 IN CNAME loop.test.")
			m.Answer = append(m.Answer, rr)
		case "empty.test.":
		default:
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() {
		_ = server.ActivateAndServe()
	}()
	t.Cleanup(func() {
		_ = server.Shutdown()
	})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestDNSLookupHost(t *testing.T) {
	t.Parallel()

	r := NewDNS(startDNSServer(t), time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addrs, err := r.LookupHost(ctx, "Storage.test")
	if err != nil {
		t.Fatalf("LookupHost: %v", err)
	}
	if len(addrs) != 2 || addrs[0] != "192.0.2.10" || addrs[1] != "2001:db8::10" {
		t.Fatalf("unexpected addresses %v", addrs)
	}

	addrs, err = r.LookupHost(ctx, "alias.test")
	if err != nil {
		t.Fatalf("LookupHost(alias): %v", err)
	}
	if len(addrs) == 0 || addrs[0] != "192.0.2.10" {
		t.Fatalf("expected CNAME to be followed, got %v", addrs)
	}
}

func TestDNSLookupFailures(t *testing.T) {
	t.Parallel()

	r := NewDNS(startDNSServer(t), time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var lookupErr *LookupError
	if _, err := r.LookupHost(ctx, "missing.test"); !errors.As(err, &lookupErr) {
		t.Fatalf("expected LookupError for NXDOMAIN, got %v", err)
	}
	if _, err := r.LookupHost(ctx, "empty.test"); !errors.Is(err, ErrNoAddresses) {
		t.Fatalf("expected ErrNoAddresses, got %v", err)
	}
	if _, err := r.LookupHost(ctx, "loop.test"); err == nil {
		t.Fatal("expected error for CNAME loop")
	}
}

func TestIPLiteralsShortCircuit(t *testing.T) {
	t.Parallel()

	// Port 9 on loopback has no DNS server; a query would time out.
	r := NewDNS("127.0.0.1:9", 50*time.Millisecond)
	for _, host := range []string{"10.0.0.1", "[::1]", "::1"} {
		addrs, err := r.LookupHost(context.Background(), host)
		if err != nil || len(addrs) != 1 {
			t.Fatalf("%s: unexpected result %v %v", host, addrs, err)
		}
	}
	addrs, err := System().LookupHost(context.Background(), "127.0.0.1")
	if err != nil || len(addrs) != 1 || addrs[0] != "127.0.0.1" {
		t.Fatalf("system resolver: unexpected result %v %v", addrs, err)
	}
}

func TestNewDNSDefaultsPort(t *testing.T) {
	t.Parallel()

	if got := NewDNS("8.8.8.8", 0).Server(); got != "8.8.8.8:53" {
		t.Fatalf("expected default port, got %s", got)
	}
	if got := NewDNS("2001:db8::53", 0).Server(); got != "[2001:db8::53]:53" {
		t.Fatalf("expected bracketed IPv6 server, got %s", got)
	}
}
