package httpwire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const maxChunkLineBytes = 4 << 10

type noBody struct{}

func (noBody) Read([]byte) (int, error) { return 0, io.EOF }

// lengthReader yields exactly remaining bytes and reports a short body as
// io.ErrUnexpectedEOF.
type lengthReader struct {
	r         io.Reader
	remaining int64
}

func (l *lengthReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if errors.Is(err, io.EOF) {
		if l.remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		err = nil
	}
	if err == nil && l.remaining == 0 {
		return n, io.EOF
	}
	return n, err
}

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
	chunkDone
)

// chunkedReader validates chunked framing while handing out the raw wire
// bytes, size lines and trailers included, so the body can be relayed as-is.
type chunkedReader struct {
	br        *bufio.Reader
	state     chunkState
	pending   []byte
	remaining int64
	err       error
}

func newChunkedReader(br *bufio.Reader) *chunkedReader {
	return &chunkedReader{br: br}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.err != nil {
		return 0, c.err
	}
	for len(c.pending) == 0 && c.state != chunkData {
		if c.state == chunkDone {
			return 0, io.EOF
		}
		if err := c.advance(); err != nil {
			c.err = err
			return 0, err
		}
	}
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}

	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.br.Read(p)
	c.remaining -= int64(n)
	if c.remaining == 0 {
		c.state = chunkDataEnd
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		c.err = err
		if n > 0 {
			return n, nil
		}
		return 0, err
	}
	return n, nil
}

func (c *chunkedReader) advance() error {
	switch c.state {
	case chunkSize:
		line, err := c.line()
		if err != nil {
			return err
		}
		size, err := parseChunkSize(trimEOL(line))
		if err != nil {
			return err
		}
		c.pending = line
		if size == 0 {
			c.state = chunkTrailer
			return nil
		}
		c.remaining = size
		c.state = chunkData
	case chunkDataEnd:
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(c.br, crlf); err != nil {
			return &ParseError{What: "chunk", Err: io.ErrUnexpectedEOF}
		}
		if !bytes.Equal(crlf, []byte("\r\n")) {
			return parseErr("chunk", "missing CRLF after chunk data")
		}
		c.pending = crlf
		c.state = chunkSize
	case chunkTrailer:
		line, err := c.line()
		if err != nil {
			return err
		}
		c.pending = line
		if len(trimEOL(line)) == 0 {
			c.state = chunkDone
		}
	}
	return nil
}

func (c *chunkedReader) line() ([]byte, error) {
	line, err := readRawLine(c.br, maxChunkLineBytes)
	if err != nil {
		if errors.Is(err, errLineTooLong) {
			return nil, &ParseError{What: "chunk", Err: err}
		}
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{What: "chunk", Err: io.ErrUnexpectedEOF}
		}
		return nil, err
	}
	return line, nil
}

func parseChunkSize(line []byte) (int64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimRight(line, " \t")
	if len(line) == 0 || len(line) > 16 {
		return 0, parseErr("chunk", "invalid size %q", line)
	}
	n, err := strconv.ParseUint(string(line), 16, 63)
	if err != nil {
		return 0, parseErr("chunk", "invalid size %q", line)
	}
	return int64(n), nil
}

// Drain consumes body up to limit bytes. It fails when the body is longer.
func Drain(body io.Reader, limit int64) error {
	n, err := io.Copy(io.Discard, io.LimitReader(body, limit+1))
	if err != nil {
		return err
	}
	if n > limit {
		return fmt.Errorf("body exceeds %d bytes", limit)
	}
	return nil
}
