package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
)

// interceptClient terminates the client's TLS using a leaf for the SNI name,
// falling back to the CONNECT host.
func (p *Proxy) interceptClient(conn net.Conn, authority string) (*tls.Conn, error) {
	fallback := hostOnly(authority)
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := strings.TrimSpace(chi.ServerName)
			if name == "" {
				name = fallback
			}
			return p.ca.IssueFor(name)
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HandshakeTimeout)
	defer cancel()

	tlsConn := tls.Server(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, &HandshakeError{Side: "client", Host: fallback, Err: err}
	}
	return tlsConn, nil
}

// interceptUpstream performs a verified TLS handshake with the origin.
func (p *Proxy) interceptUpstream(ctx context.Context, conn net.Conn, host string) (*tls.Conn, error) {
	cfg := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		RootCAs:    p.cfg.UpstreamRootCAs,
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	defer cancel()

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, &HandshakeError{Side: "upstream", Host: host, Err: err}
	}
	return tlsConn, nil
}

func hostOnly(authority string) string {
	if host, _, err := net.SplitHostPort(authority); err == nil {
		return host
	}
	return strings.Trim(authority, "[]")
}
