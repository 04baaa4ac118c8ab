package httpwire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	maxLineBytes    = 16 << 10
	maxHeaderBytes  = 64 << 10
	maxHeaderLines  = 256
	maxLeadingCRLFs = 4
)

var errLineTooLong = errors.New("line too long")

// Reader decodes HTTP/1.x messages from one leg of a session.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps br. The same bufio.Reader must be used for every message on
// the connection so that pipelined bytes are not lost.
func NewReader(br *bufio.Reader) *Reader {
	return &Reader{br: br}
}

// Buffered exposes the underlying reader, including bytes already buffered
// past the last message. It is used when a connection switches protocols.
func (r *Reader) Buffered() *bufio.Reader {
	return r.br
}

// ReadRequest decodes the next request head and prepares a streaming body.
// A clean close before any byte of a new request yields io.EOF.
func (r *Reader) ReadRequest() (*Request, error) {
	line, err := r.readStartLine()
	if err != nil {
		return nil, err
	}

	method, target, proto, ok := splitRequestLine(line)
	if !ok {
		return nil, parseErr("request line", "%q", line)
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, parseErr("request line", "invalid method %q", method)
	}
	if target == "" || strings.ContainsAny(target, " \t") {
		return nil, parseErr("request line", "invalid request target %q", target)
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok || major != 1 {
		return nil, parseErr("request line", "unsupported protocol %q", proto)
	}

	header, err := r.readHeader()
	if err != nil {
		return nil, err
	}

	req := &Request{
		Method:     method,
		Target:     target,
		Proto:      proto,
		ProtoMajor: major,
		ProtoMinor: minor,
		Header:     header,
	}
	kind, length, err := requestFraming(&req.Header)
	if err != nil {
		return nil, err
	}
	req.ContentLength = length
	req.chunked = kind == framingChunked
	req.Body = r.body(kind, length)
	return req, nil
}

// ReadResponse decodes the next response head for a request made with method.
func (r *Reader) ReadResponse(method string) (*Response, error) {
	line, err := r.readStartLine()
	if err != nil {
		return nil, err
	}

	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, parseErr("status line", "%q", line)
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok || major != 1 {
		return nil, parseErr("status line", "unsupported protocol %q", proto)
	}
	if len(rest) < 3 || (len(rest) > 3 && rest[3] != ' ') {
		return nil, parseErr("status line", "%q", line)
	}
	code, err := strconv.Atoi(rest[:3])
	if err != nil || code < 100 {
		return nil, parseErr("status line", "invalid status code %q", rest[:3])
	}
	reason := ""
	if len(rest) > 3 {
		reason = rest[4:]
	}

	header, err := r.readHeader()
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Proto:      proto,
		ProtoMajor: major,
		ProtoMinor: minor,
		StatusCode: code,
		Reason:     reason,
		Header:     header,
	}
	kind, length, err := responseFraming(method, code, &resp.Header)
	if err != nil {
		return nil, err
	}
	resp.ContentLength = length
	resp.chunked = kind == framingChunked
	resp.closeDelimited = kind == framingClose
	resp.Body = r.body(kind, length)
	return resp, nil
}

func (r *Reader) readStartLine() (string, error) {
	for i := 0; ; i++ {
		raw, err := readRawLine(r.br, maxLineBytes)
		if err != nil {
			if errors.Is(err, io.EOF) && len(raw) == 0 {
				return "", io.EOF
			}
			if errors.Is(err, errLineTooLong) {
				return "", &ParseError{What: "start line", Err: err}
			}
			if errors.Is(err, io.EOF) {
				return "", &ParseError{What: "start line", Err: io.ErrUnexpectedEOF}
			}
			return "", err
		}
		line := trimEOL(raw)
		if len(line) > 0 {
			return string(line), nil
		}
		if i >= maxLeadingCRLFs {
			return "", parseErr("start line", "too many empty lines")
		}
	}
}

func (r *Reader) readHeader() (Header, error) {
	var (
		h     Header
		total int
	)
	for {
		raw, err := readRawLine(r.br, maxLineBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			if errors.Is(err, errLineTooLong) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Header{}, &ParseError{What: "header", Err: err}
			}
			return Header{}, err
		}
		total += len(raw)
		if total > maxHeaderBytes {
			return Header{}, parseErr("header", "header block exceeds %d bytes", maxHeaderBytes)
		}
		line := trimEOL(raw)
		if len(line) == 0 {
			return h, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return Header{}, parseErr("header", "obsolete line folding")
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return Header{}, parseErr("header", "missing colon in %q", line)
		}
		name := string(line[:colon])
		if !httpguts.ValidHeaderFieldName(name) {
			return Header{}, parseErr("header", "invalid field name %q", name)
		}
		value := strings.Trim(string(line[colon+1:]), " \t")
		if !httpguts.ValidHeaderFieldValue(value) {
			return Header{}, parseErr("header", "invalid value for %s", name)
		}
		if h.Len() >= maxHeaderLines {
			return Header{}, parseErr("header", "more than %d fields", maxHeaderLines)
		}
		h.Add(name, value)
	}
}

func (r *Reader) body(kind framing, length int64) io.Reader {
	switch kind {
	case framingLength:
		return &lengthReader{r: r.br, remaining: length}
	case framingChunked:
		return newChunkedReader(r.br)
	case framingClose:
		return r.br
	default:
		return noBody{}
	}
}

func splitRequestLine(line string) (method, target, proto string, ok bool) {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || strings.Contains(proto, " ") {
		return "", "", "", false
	}
	return method, target, proto, true
}

// readRawLine returns one line including its terminator.
func readRawLine(br *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > limit {
			return nil, errLineTooLong
		}
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

type framing int

const (
	framingNone framing = iota
	framingLength
	framingChunked
	framingClose
)

func requestFraming(h *Header) (framing, int64, error) {
	if h.Has("Transfer-Encoding") {
		if h.Has("Content-Length") {
			return 0, 0, parseErr("request framing", "both Transfer-Encoding and Content-Length present")
		}
		if !finalCodingChunked(h) {
			return 0, 0, parseErr("request framing", "transfer coding %q is not chunked", strings.Join(h.Values("Transfer-Encoding"), ", "))
		}
		return framingChunked, -1, nil
	}
	n, ok, err := contentLength(h)
	if err != nil {
		return 0, 0, err
	}
	if !ok || n == 0 {
		return framingNone, 0, nil
	}
	return framingLength, n, nil
}

func responseFraming(method string, code int, h *Header) (framing, int64, error) {
	if strings.EqualFold(method, "HEAD") || (code >= 100 && code < 200) || code == 204 || code == 304 {
		return framingNone, 0, nil
	}
	if h.Has("Transfer-Encoding") {
		if finalCodingChunked(h) {
			return framingChunked, -1, nil
		}
		return framingClose, -1, nil
	}
	n, ok, err := contentLength(h)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return framingClose, -1, nil
	}
	if n == 0 {
		return framingNone, 0, nil
	}
	return framingLength, n, nil
}

func finalCodingChunked(h *Header) bool {
	var codings []string
	for _, v := range h.Values("Transfer-Encoding") {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				codings = append(codings, c)
			}
		}
	}
	if len(codings) == 0 {
		return false
	}
	for i, c := range codings {
		if strings.EqualFold(c, "chunked") && i != len(codings)-1 {
			return false
		}
	}
	return strings.EqualFold(codings[len(codings)-1], "chunked")
}

func contentLength(h *Header) (int64, bool, error) {
	values := h.Values("Content-Length")
	if len(values) == 0 {
		return 0, false, nil
	}
	n := int64(-1)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			parsed, err := strconv.ParseInt(part, 10, 64)
			if err != nil || parsed < 0 || strings.HasPrefix(part, "+") {
				return 0, false, parseErr("content length", "invalid value %q", v)
			}
			if n >= 0 && parsed != n {
				return 0, false, parseErr("content length", "conflicting values %q", strings.Join(values, ", "))
			}
			n = parsed
		}
	}
	return n, true, nil
}
