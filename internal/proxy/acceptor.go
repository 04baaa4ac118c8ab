package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/RowanDark/egressguard/internal/httpwire"
	"github.com/RowanDark/egressguard/internal/observability/metrics"
)

const connectPrefix = "CONNECT "

var connectEstablished = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")

// serve accepts connections until the listener is closed.
func (p *Proxy) serve(ln net.Listener) error {
	if p.closing.Load() {
		_ = ln.Close()
		return nil
	}
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if p.closing.Load() || isClosedConnError(err) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				p.logger.Warn("accept failed; retrying", "error", err, "delay", backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		if limit := p.cfg.MaxConnections; limit > 0 && p.active.Load() >= int64(limit) {
			p.logger.Warn("connection limit reached; closing connection", "client", conn.RemoteAddr().String(), "limit", limit)
			_ = conn.Close()
			continue
		}

		p.active.Add(1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.active.Add(-1)
			p.handleConn(conn)
		}()
	}
}

// handleConn owns one client connection for its whole lifetime.
func (p *Proxy) handleConn(raw net.Conn) {
	conn := newDeadlineConn(raw, p.cfg.IdleTimeout)
	s := &session{
		p:          p,
		id:         uuid.NewString(),
		raw:        raw,
		clientAddr: raw.RemoteAddr().String(),
	}
	s.logger = p.logger.With("session", s.id, "client", s.clientAddr)
	s.idle.Store(true)

	p.track(s)
	defer p.untrack(s)
	defer s.close()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic", "panic", r, "stack", string(debug.Stack()))
			p.emitSessionError(s, fmt.Sprintf("panic: %v", r))
		}
	}()

	br := bufio.NewReaderSize(conn, 16<<10)
	head, err := br.Peek(len(connectPrefix))
	if err != nil {
		if !errors.Is(err, io.EOF) && !isClosedConnError(err) {
			s.logger.Debug("client closed before sending a request", "error", err)
		}
		return
	}

	if bytes.Equal(head, []byte(connectPrefix)) {
		p.handleConnect(s, conn, br)
		return
	}
	if isTLSHandshake(head) {
		p.handleTransparentTLS(s, conn, br)
		return
	}

	metrics.SessionOpened("plain")
	defer metrics.SessionClosed()
	s.attach(conn, br, "http", "")
	s.serve()
}

// handleConnect answers a CONNECT request and serves the tunnel it opens,
// intercepting TLS when the client starts a handshake.
func (p *Proxy) handleConnect(s *session, conn *deadlineConn, br *bufio.Reader) {
	bw := bufio.NewWriter(conn)
	req, err := httpwire.NewReader(br).ReadRequest()
	if err == nil {
		req.ResolveURL("", "")
	}
	if err != nil || req.URL == nil {
		s.logger.Warn("malformed CONNECT request", "error", err)
		_ = writeError(bw, req, http.StatusBadRequest)
		return
	}

	authority := req.Target
	if _, _, err := net.SplitHostPort(authority); err != nil {
		authority = net.JoinHostPort(authority, "443")
	}
	s.logger = s.logger.With("host", authority)

	if _, err := bw.Write(connectEstablished); err != nil {
		return
	}
	if err := bw.Flush(); err != nil {
		return
	}

	record, err := br.Peek(3)
	if err != nil {
		return
	}

	if !isTLSHandshake(record) {
		metrics.SessionOpened("tunnel")
		defer metrics.SessionClosed()
		s.attach(conn, br, "http", authority)
		s.serve()
		return
	}

	metrics.SessionOpened("tls")
	defer metrics.SessionClosed()
	tlsConn, err := p.interceptClient(&peekedConn{Conn: conn, r: br}, authority)
	if err != nil {
		s.logger.Warn("client handshake failed", "error", err)
		p.emitSessionError(s, err.Error())
		return
	}
	s.attach(tlsConn, bufio.NewReaderSize(tlsConn, 16<<10), "https", authority)
	s.serve()
}

// handleTransparentTLS serves a client that starts TLS without a CONNECT,
// as traffic redirected to the listener by a packet filter does. The SNI name
// identifies the origin; clients that send none cannot be intercepted.
func (p *Proxy) handleTransparentTLS(s *session, conn *deadlineConn, br *bufio.Reader) {
	metrics.SessionOpened("transparent")
	defer metrics.SessionClosed()
	tlsConn, err := p.interceptClient(&peekedConn{Conn: conn, r: br}, "")
	if err != nil {
		s.logger.Warn("transparent client handshake failed", "error", err)
		p.emitSessionError(s, err.Error())
		return
	}
	authority := net.JoinHostPort(tlsConn.ConnectionState().ServerName, "443")
	s.logger = s.logger.With("host", authority)
	s.attach(tlsConn, bufio.NewReaderSize(tlsConn, 16<<10), "https", authority)
	s.serve()
}

// isTLSHandshake matches a TLS record header carrying a handshake message.
func isTLSHandshake(b []byte) bool {
	return len(b) >= 3 && b[0] == 0x16 && b[1] == 0x03 && b[2] <= 0x04
}

func (p *Proxy) emitSessionError(s *session, reason string) {
	if p.audit == nil {
		return
	}
	if err := p.audit.SessionError(s.id, clientIP(s.clientAddr), reason); err != nil {
		s.logger.Warn("failed to write audit event", "error", err)
	}
}
