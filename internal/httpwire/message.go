package httpwire

import (
	"bufio"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Request is a decoded client request. Its head is immutable once read; Body
// streams the raw body bytes with their original framing.
type Request struct {
	Method     string
	Target     string
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Header     Header

	// URL is the absolute target (scheme, host, path and query). It is nil
	// when the target cannot be turned into a usable absolute URL.
	URL *url.URL

	// ContentLength is -1 for chunked bodies and 0 when there is no body.
	ContentLength int64
	Body          io.Reader

	chunked bool
}

// Chunked reports whether the body uses chunked transfer coding.
func (r *Request) Chunked() bool {
	return r.chunked
}

// HasBody reports whether any body bytes follow the head.
func (r *Request) HasBody() bool {
	return r.chunked || r.ContentLength > 0
}

// KeepAlive reports whether the client wants the connection kept open.
func (r *Request) KeepAlive() bool {
	return keepAlive(&r.Header, r.ProtoMajor, r.ProtoMinor)
}

// ExpectsContinue reports whether the client waits for 100-continue before
// sending its body.
func (r *Request) ExpectsContinue() bool {
	return r.Header.containsToken("Expect", "100-continue")
}

// ResolveURL fills URL from the request target. Origin-form targets use the
// Host header, falling back to authority (the CONNECT target of a tunnel).
func (r *Request) ResolveURL(scheme, authority string) {
	r.URL = nil
	switch {
	case strings.EqualFold(r.Method, http.MethodConnect):
		if validAuthority(r.Target) {
			r.URL = &url.URL{Host: r.Target}
		}
	case strings.HasPrefix(r.Target, "/"):
		host := strings.TrimSpace(r.Header.Get("Host"))
		if host == "" {
			host = authority
		}
		if !validAuthority(host) {
			return
		}
		u, err := url.Parse(strings.ToLower(scheme) + "://" + host + r.Target)
		if err != nil {
			return
		}
		r.URL = u
	case strings.Contains(r.Target, "://"):
		u, err := url.Parse(r.Target)
		if err != nil || u.Host == "" || !validAuthority(u.Host) {
			return
		}
		u.Scheme = strings.ToLower(u.Scheme)
		if u.Scheme != "http" && u.Scheme != "https" {
			return
		}
		r.URL = u
	}
}

// OriginForm returns the request target as it must be sent to an origin
// server, keeping the original path and query bytes.
func (r *Request) OriginForm() string {
	target := r.Target
	i := strings.Index(target, "://")
	if i < 0 {
		return target
	}
	rest := target[i+3:]
	j := strings.IndexAny(rest, "/?")
	if j < 0 {
		return "/"
	}
	if rest[j] == '?' {
		return "/" + rest[j:]
	}
	return rest[j:]
}

// WriteHead serialises the request line and header using target as the
// request target.
func (r *Request) WriteHead(w *bufio.Writer, target string, h *Header) error {
	return WriteRequestHead(w, r.Method, target, r.Proto, h)
}

// Response is a decoded upstream response.
type Response struct {
	Proto      string
	ProtoMajor int
	ProtoMinor int
	StatusCode int
	Reason     string
	Header     Header

	// ContentLength is -1 when the length is unknown.
	ContentLength int64
	Body          io.Reader

	chunked        bool
	closeDelimited bool
}

// Chunked reports whether the body uses chunked transfer coding.
func (r *Response) Chunked() bool {
	return r.chunked
}

// CloseDelimited reports whether the body runs until the connection closes.
func (r *Response) CloseDelimited() bool {
	return r.closeDelimited
}

// Interim reports a 1xx response that precedes the final one.
func (r *Response) Interim() bool {
	return r.StatusCode >= 100 && r.StatusCode < 200 && r.StatusCode != http.StatusSwitchingProtocols
}

// KeepAlive reports whether the upstream connection can carry another request.
func (r *Response) KeepAlive() bool {
	if r.closeDelimited {
		return false
	}
	return keepAlive(&r.Header, r.ProtoMajor, r.ProtoMinor)
}

// WriteHead serialises the status line and h.
func (r *Response) WriteHead(w *bufio.Writer, h *Header) error {
	return WriteResponseHead(w, r.Proto, r.StatusCode, r.Reason, h)
}

// WriteRequestHead writes a request line and header block.
func WriteRequestHead(w *bufio.Writer, method, target, proto string, h *Header) error {
	if _, err := w.WriteString(method + " " + target + " " + proto + "\r\n"); err != nil {
		return err
	}
	return h.write(w)
}

// WriteResponseHead writes a status line and header block.
func WriteResponseHead(w *bufio.Writer, proto string, code int, reason string, h *Header) error {
	line := proto + " " + strconv.Itoa(code)
	if reason != "" {
		line += " " + reason
	}
	if _, err := w.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return h.write(w)
}

func keepAlive(h *Header, major, minor int) bool {
	if h.containsToken("Connection", "close") {
		return false
	}
	if major == 1 && minor == 0 {
		return h.containsToken("Connection", "keep-alive")
	}
	return true
}

func validAuthority(host string) bool {
	return host != "" && !strings.ContainsAny(host, "/?#@ \t\\")
}
