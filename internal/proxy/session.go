package proxy

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RowanDark/egressguard/internal/httpwire"
	"github.com/RowanDark/egressguard/internal/observability/metrics"
	"github.com/RowanDark/egressguard/internal/policy"
	"github.com/RowanDark/egressguard/internal/redact"
)

// session is one client connection. Requests on it are handled in order.
type session struct {
	p          *Proxy
	id         string
	raw        net.Conn
	clientAddr string
	logger     *slog.Logger

	conn      net.Conn
	br        *bufio.Reader
	bw        *bufio.Writer
	reader    *httpwire.Reader
	scheme    string
	authority string

	idle      atomic.Bool
	closeOnce sync.Once

	upstreams map[string]*upstreamConn
}

// exchangeResult summarises one request for history and the session loop.
type exchangeResult struct {
	status        int
	keepAlive     bool
	requestBytes  int64
	responseBytes int64
	err           error
}

func (s *session) attach(conn net.Conn, br *bufio.Reader, scheme, authority string) {
	s.conn = conn
	s.br = br
	s.bw = bufio.NewWriter(conn)
	s.reader = httpwire.NewReader(br)
	s.scheme = scheme
	s.authority = authority
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.raw.Close()
	})
}

// serve reads requests until the client goes away, a request cannot be
// answered on a persistent connection, or the proxy shuts down.
func (s *session) serve() {
	defer s.closeUpstreams()
	for {
		if s.p.closing.Load() {
			return
		}
		s.idle.Store(true)
		req, err := s.reader.ReadRequest()
		s.idle.Store(false)
		if err != nil {
			s.readFailed(err)
			return
		}
		if !s.handle(req) {
			return
		}
	}
}

func (s *session) readFailed(err error) {
	switch {
	case errors.Is(err, io.EOF), isClosedConnError(err):
	case httpwire.IsParseError(err):
		s.logger.Warn("malformed request", "error", err)
		_ = writeError(s.bw, nil, http.StatusBadRequest)
	case isTimeout(err):
		s.logger.Debug("session idle timeout")
	default:
		s.logger.Debug("read request failed", "error", err)
	}
}

// handle evaluates one request and either denies or relays it. It reports
// whether the session may read another request.
func (s *session) handle(req *httpwire.Request) bool {
	start := time.Now()
	req.ResolveURL(s.scheme, s.authority)
	decision := s.p.policy.Evaluate(req)
	metrics.RecordDecision(decision.Action.String(), string(decision.Reason))

	var res exchangeResult
	if decision.Allowed() {
		res = s.forward(req)
	} else {
		res = s.deny(req)
	}

	s.record(req, decision, res, time.Since(start))
	return res.keepAlive && !s.p.closing.Load()
}

// deny answers with the configured denial without touching the upstream.
// The body is drained so the connection can be reused.
func (s *session) deny(req *httpwire.Request) exchangeResult {
	res := exchangeResult{status: s.p.denial.Status, keepAlive: req.KeepAlive()}
	if req.HasBody() {
		if req.ExpectsContinue() {
			res.keepAlive = false
		} else {
			body := &countingReader{r: req.Body}
			if err := httpwire.Drain(body, s.p.cfg.MaxDrainBytes); err != nil {
				res.keepAlive = false
			}
			res.requestBytes = body.n.Load()
		}
	}
	if err := writeDenial(s.bw, req, s.p.denial, res.keepAlive); err != nil {
		res.keepAlive = false
		res.err = err
	}
	if !isHead(req) {
		res.responseBytes = int64(len(s.p.denial.Body))
	}
	return res
}

func (s *session) record(req *httpwire.Request, d policy.Decision, res exchangeResult, latency time.Duration) {
	target := req.Target
	if req.URL != nil {
		target = req.URL.String()
	}
	target = redact.URL(target)

	entry := HistoryEntry{
		Timestamp:     time.Now().UTC(),
		SessionID:     s.id,
		ClientIP:      clientIP(s.clientAddr),
		Protocol:      strings.ToUpper(s.scheme),
		Method:        strings.ToUpper(req.Method),
		URL:           target,
		Decision:      d.Action.String(),
		Reason:        string(d.Reason),
		StatusCode:    res.status,
		LatencyMillis: latency.Milliseconds(),
		RequestSize:   res.requestBytes,
		ResponseSize:  res.responseBytes,
	}
	if d.Rule != nil {
		entry.Rule = d.Rule.Pattern
	}
	if res.err != nil {
		entry.Error = res.err.Error()
	}
	if err := s.p.history.Write(entry); err != nil {
		s.logger.Warn("failed to persist history", "error", err)
	}

	s.logger.Info("request",
		"method", entry.Method,
		"url", target,
		"decision", entry.Decision,
		"reason", entry.Reason,
		"status", res.status,
		"latency", latency,
	)

	if s.p.audit == nil {
		return
	}
	err := s.p.audit.RecordDecision(s.id, d.Allowed(), entry.Reason, map[string]any{
		"method": entry.Method,
		"url":    target,
		"client": entry.ClientIP,
		"rule":   entry.Rule,
		"status": res.status,
	})
	if err != nil {
		s.logger.Warn("failed to write audit event", "error", err)
	}
}

func clientIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
