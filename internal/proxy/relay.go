package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/RowanDark/egressguard/internal/httpwire"
	"github.com/RowanDark/egressguard/internal/observability/metrics"
)

const (
	relayBufferSize = 32 << 10

	// uploadGrace bounds the wait for the request body copy to report once
	// the response has been relayed.
	uploadGrace = 100 * time.Millisecond
)

// errClientClosed ends an exchange whose client hung up before the origin
// answered.
var errClientClosed = errors.New("client closed the connection")

// upstreamConn is a connection to one origin, reused across the requests of
// a single session.
type upstreamConn struct {
	key    string
	addr   string
	conn   *deadlineConn
	bw     *bufio.Writer
	reader *httpwire.Reader
	reused bool
}

func (u *upstreamConn) close() {
	_ = u.conn.Close()
}

// copyResult separates failures on the two sides of a copy.
type copyResult struct {
	n        int64
	readErr  error
	writeErr error
}

func copyBody(dst io.Writer, src io.Reader) copyResult {
	buf := make([]byte, relayBufferSize)
	var res copyResult
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			res.n += int64(nw)
			if werr == nil && nw < nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				res.writeErr = werr
				return res
			}
		}
		if rerr == io.EOF {
			return res
		}
		if rerr != nil {
			res.readErr = rerr
			return res
		}
	}
}

// origin returns the connection cache key, the TLS server name and the dial
// address for u.
func origin(u *url.URL) (key, host, addr string) {
	host = strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	addr = net.JoinHostPort(host, port)
	return u.Scheme + "://" + addr, host, addr
}

// upstream returns the session's connection to the origin, dialing one if
// none is cached.
func (s *session) upstream(ctx context.Context, key, scheme, host, addr string) (*upstreamConn, error) {
	if s.upstreams == nil {
		s.upstreams = make(map[string]*upstreamConn)
	}
	if up, ok := s.upstreams[key]; ok {
		up.reused = true
		return up, nil
	}
	up, err := s.p.connectUpstream(ctx, scheme, host, addr)
	if err != nil {
		return nil, err
	}
	up.key = key
	s.upstreams[key] = up
	return up, nil
}

func (s *session) dropUpstream(up *upstreamConn) {
	up.close()
	if s.upstreams[up.key] == up {
		delete(s.upstreams, up.key)
	}
}

func (s *session) closeUpstreams() {
	for _, up := range s.upstreams {
		up.close()
	}
	s.upstreams = nil
}

func (p *Proxy) connectUpstream(ctx context.Context, scheme, host, addr string) (*upstreamConn, error) {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	raw, err := p.dial(dctx, "tcp", addr)
	cancel()
	if err != nil {
		return nil, &UpstreamError{Op: "dial", Addr: addr, Err: err}
	}

	conn := raw
	if scheme == "https" {
		tlsConn, err := p.interceptUpstream(ctx, raw, host)
		if err != nil {
			_ = raw.Close()
			return nil, err
		}
		conn = tlsConn
	}

	dc := newDeadlineConn(conn, p.cfg.UpstreamTimeout)
	return &upstreamConn{
		addr:   addr,
		conn:   dc,
		bw:     bufio.NewWriter(dc),
		reader: httpwire.NewReader(bufio.NewReaderSize(dc, 16<<10)),
	}, nil
}

// resolveAndDial resolves host with the configured resolver and tries each
// address in turn.
func (p *Proxy) resolveAndDial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	addrs, err := p.cfg.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	var firstErr error
	for _, ip := range addrs {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, firstErr
}

// forward relays an allowed request to its origin and streams the response
// back. The response is written to the client exactly as the origin sent it,
// apart from hop-by-hop headers.
func (s *session) forward(req *httpwire.Request) exchangeResult {
	key, host, addr := origin(req.URL)
	head := upstreamHeader(req)
	target := req.OriginForm()
	body := &countingReader{r: req.Body}

	for attempt := 0; ; attempt++ {
		up, err := s.upstream(context.Background(), key, req.URL.Scheme, host, addr)
		if err != nil {
			return s.upstreamFailed(req, err, nil)
		}
		start := time.Now()
		resp, upload, err := s.roundTrip(up, req, target, &head, body)
		if err != nil {
			s.dropUpstream(up)
			if attempt == 0 && up.reused && !req.HasBody() && staleConn(err) {
				s.logger.Debug("retrying on a fresh upstream connection", "upstream", key, "error", err)
				continue
			}
			return s.upstreamFailed(req, err, upload)
		}
		metrics.ObserveUpstreamDuration(resp.StatusCode, time.Since(start))
		if resp.StatusCode == http.StatusSwitchingProtocols {
			return s.tunnel(req, up, resp, upload, body)
		}
		return s.relayResponse(req, up, resp, upload, body)
	}
}

// upstreamHeader copies the request header for the origin without the
// hop-by-hop fields, keeping an Upgrade handshake intact.
func upstreamHeader(req *httpwire.Request) httpwire.Header {
	head := req.Header.Clone()
	upgrade := ""
	if req.Header.Has("Upgrade") && connectionHasToken(&req.Header, "upgrade") {
		upgrade = req.Header.Get("Upgrade")
	}
	head.StripHopByHop()
	if upgrade != "" {
		head.Add("Connection", "Upgrade")
		head.Add("Upgrade", upgrade)
	}
	if !head.Has("Host") {
		head.Add("Host", req.URL.Host)
	}
	return head
}

func connectionHasToken(h *httpwire.Header, token string) bool {
	for _, v := range h.Values("Connection") {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// roundTrip writes the request head, starts streaming the body and returns
// the final response head. Interim responses are passed to the client as
// they arrive.
func (s *session) roundTrip(up *upstreamConn, req *httpwire.Request, target string, head *httpwire.Header, body io.Reader) (*httpwire.Response, <-chan copyResult, error) {
	if err := req.WriteHead(up.bw, target, head); err != nil {
		return nil, nil, &UpstreamError{Op: "write", Addr: up.addr, Err: err}
	}
	if err := up.bw.Flush(); err != nil {
		return nil, nil, &UpstreamError{Op: "write", Addr: up.addr, Err: err}
	}

	upload := make(chan copyResult, 1)
	var watch *clientWatch
	if req.HasBody() {
		go func() {
			res := copyBody(up.conn, body)
			upload <- res
			if res.readErr != nil || res.writeErr != nil {
				// Unblocks the response read below.
				up.close()
			}
		}()
	} else {
		upload <- copyResult{}
		watch = s.watchClient(up)
		defer watch.stop()
	}

	for {
		resp, err := up.reader.ReadResponse(req.Method)
		if err != nil {
			if watch != nil && watch.closed.Load() {
				return nil, upload, errClientClosed
			}
			return nil, upload, &UpstreamError{Op: "read", Addr: up.addr, Err: err}
		}
		if !resp.Interim() {
			return resp, upload, nil
		}
		h := resp.Header.Clone()
		if err := resp.WriteHead(s.bw, &h); err != nil {
			return nil, upload, err
		}
		if err := s.bw.Flush(); err != nil {
			return nil, upload, err
		}
	}
}

// clientWatch reads ahead on the client connection while the origin works on
// a request without a body, so a client that hangs up does not hold an
// upstream connection until the response timeout.
type clientWatch struct {
	s      *session
	done   chan struct{}
	halt   atomic.Bool
	closed atomic.Bool
}

func (s *session) watchClient(up *upstreamConn) *clientWatch {
	w := &clientWatch{s: s, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		_, err := s.br.Peek(1)
		if err == nil || w.halt.Load() {
			return
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return
		}
		s.logger.Debug("client closed while waiting for the origin", "upstream", up.addr, "error", err)
		w.closed.Store(true)
		// Unblocks the response read in roundTrip.
		up.close()
	}()
	return w
}

// stop returns once the read-ahead has finished. It must be called before the
// session reads from the client again. The client read deadline is expired
// repeatedly because every Read on the session connection re-arms it.
func (w *clientWatch) stop() {
	w.halt.Store(true)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		_ = w.s.raw.SetReadDeadline(time.Now())
		select {
		case <-w.done:
			_ = w.s.raw.SetReadDeadline(time.Time{})
			return
		case <-tick.C:
		}
	}
}

// relayResponse streams the final response to the client and decides whether
// both connections stay open.
func (s *session) relayResponse(req *httpwire.Request, up *upstreamConn, resp *httpwire.Response, upload <-chan copyResult, body *countingReader) exchangeResult {
	res := exchangeResult{
		status:    resp.StatusCode,
		keepAlive: req.KeepAlive() && !resp.CloseDelimited(),
	}

	h := resp.Header.Clone()
	h.StripHopByHop()
	setConnection(&h, req, res.keepAlive)
	if err := resp.WriteHead(s.bw, &h); err != nil {
		return s.clientGone(up, res, err)
	}
	if err := s.bw.Flush(); err != nil {
		return s.clientGone(up, res, err)
	}

	cr := copyBody(flushWriter{w: s.bw}, resp.Body)
	res.responseBytes = cr.n
	metrics.AddBytesRelayed("download", cr.n)
	if cr.readErr != nil {
		metrics.RecordUpstreamError("read")
		s.logger.Warn("upstream response truncated", "upstream", up.addr, "error", cr.readErr)
		s.dropUpstream(up)
		res.keepAlive = false
		res.err = &UpstreamError{Op: "read", Addr: up.addr, Err: cr.readErr}
		return res
	}
	if cr.writeErr != nil {
		return s.clientGone(up, res, cr.writeErr)
	}

	timer := time.NewTimer(uploadGrace)
	defer timer.Stop()
	select {
	case u := <-upload:
		res.requestBytes = u.n
		metrics.AddBytesRelayed("upload", u.n)
		if u.readErr != nil || u.writeErr != nil {
			s.dropUpstream(up)
			res.keepAlive = false
		}
	case <-timer.C:
		// The origin answered before the request body was sent in full.
		s.dropUpstream(up)
		res.requestBytes = body.n.Load()
		res.keepAlive = false
	}

	if !resp.KeepAlive() {
		s.dropUpstream(up)
	}
	return res
}

// tunnel switches the session to a raw byte relay after a 101 response.
func (s *session) tunnel(req *httpwire.Request, up *upstreamConn, resp *httpwire.Response, upload <-chan copyResult, body *countingReader) exchangeResult {
	res := exchangeResult{status: resp.StatusCode}
	h := resp.Header.Clone()
	if err := resp.WriteHead(s.bw, &h); err != nil {
		return s.clientGone(up, res, err)
	}
	if err := s.bw.Flush(); err != nil {
		return s.clientGone(up, res, err)
	}
	if u := <-upload; u.readErr != nil || u.writeErr != nil {
		s.dropUpstream(up)
		res.requestBytes = body.n.Load()
		return res
	}

	up.conn.setTimeout(s.p.cfg.IdleTimeout)
	errc := make(chan copyResult, 2)
	go func() {
		errc <- copyBody(up.conn, s.reader.Buffered())
	}()
	go func() {
		errc <- copyBody(flushWriter{w: s.bw}, up.reader.Buffered())
	}()
	first := <-errc
	s.dropUpstream(up)
	s.close()
	second := <-errc

	res.responseBytes = first.n + second.n
	s.logger.Debug("upgraded connection closed", "upstream", up.addr, "protocol", req.Header.Get("Upgrade"))
	return res
}

// clientGone handles a write failure towards the client.
func (s *session) clientGone(up *upstreamConn, res exchangeResult, err error) exchangeResult {
	s.logger.Debug("client write failed", "error", err)
	s.dropUpstream(up)
	res.keepAlive = false
	res.err = err
	return res
}

// upstreamFailed answers a request whose exchange failed before any response
// bytes reached the client. The session is always closed afterwards.
func (s *session) upstreamFailed(req *httpwire.Request, err error, upload <-chan copyResult) exchangeResult {
	res := exchangeResult{err: err}

	var hs *HandshakeError
	if errors.As(err, &hs) {
		metrics.RecordUpstreamError("tls")
		s.logger.Warn("upstream handshake failed", "host", hs.Host, "error", hs.Err)
		return res
	}

	if upload != nil {
		select {
		case u := <-upload:
			res.requestBytes = u.n
			if httpwire.IsParseError(u.readErr) {
				s.logger.Warn("malformed request body", "error", u.readErr)
				res.status = http.StatusBadRequest
				_ = writeError(s.bw, req, res.status)
				return res
			}
		default:
		}
	}

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		// Writing an interim response to the client failed.
		return res
	}

	kind := ue.Op
	res.status = http.StatusBadGateway
	if ue.Timeout() {
		kind = "timeout"
		res.status = http.StatusGatewayTimeout
	}
	metrics.RecordUpstreamError(kind)
	s.logger.Warn("upstream exchange failed", "upstream", ue.Addr, "op", ue.Op, "error", ue.Err)
	_ = writeError(s.bw, req, res.status)
	return res
}

// staleConn matches the errors seen when an idle upstream connection was
// closed by the origin before it was reused.
func staleConn(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
