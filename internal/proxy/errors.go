package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// HandshakeError reports a failed TLS handshake on either leg of a session.
// Side is "client" or "upstream".
type HandshakeError struct {
	Side string
	Host string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s tls handshake with %s: %v", e.Side, e.Host, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// UpstreamError reports a failure to reach or read from the origin server.
type UpstreamError struct {
	Op   string
	Addr string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was caused by a deadline.
func (e *UpstreamError) Timeout() bool {
	return isTimeout(e.Err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
