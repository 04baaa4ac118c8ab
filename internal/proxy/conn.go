package proxy

import (
	"bufio"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// peekedConn replays bytes already buffered by r before reading from the
// underlying connection.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// deadlineConn pushes the read and write deadlines forward before every I/O
// call so that a stalled peer is cut off after the idle timeout.
type deadlineConn struct {
	net.Conn
	timeout atomic.Int64
}

func newDeadlineConn(conn net.Conn, timeout time.Duration) *deadlineConn {
	c := &deadlineConn{Conn: conn}
	c.timeout.Store(int64(timeout))
	return c
}

func (c *deadlineConn) setTimeout(d time.Duration) {
	c.timeout.Store(int64(d))
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if d := time.Duration(c.timeout.Load()); d > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(d))
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if d := time.Duration(c.timeout.Load()); d > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(d))
	}
	return c.Conn.Write(p)
}

// flushWriter forwards every write to the client immediately.
type flushWriter struct {
	w *bufio.Writer
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.w.Flush()
}

// countingReader records how many bytes passed through it.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
