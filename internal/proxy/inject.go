package proxy

import (
	"bufio"
	"net/http"
	"strconv"
	"strings"

	"github.com/RowanDark/egressguard/internal/httpwire"
)

const (
	defaultDenialStatus = http.StatusTeapot
	defaultDenialBody   = "Access Denied by Administrator"
)

// DenialResponse is the fixed reply sent in place of a denied request.
type DenialResponse struct {
	Status int
	Body   string
	Header []httpwire.Field
}

// DefaultDenial returns the stock 418 denial.
func DefaultDenial() DenialResponse {
	return DenialResponse{
		Status: defaultDenialStatus,
		Body:   defaultDenialBody,
		Header: []httpwire.Field{{Name: "Content-Type", Value: "text/html"}},
	}
}

func (d DenialResponse) withDefaults() DenialResponse {
	if d.Status == 0 && d.Body == "" && len(d.Header) == 0 {
		return DefaultDenial()
	}
	if d.Status == 0 {
		d.Status = defaultDenialStatus
	}
	return d
}

// writeDenial sends the denial in the client's protocol version. keepAlive
// controls the Connection header. A HEAD request gets the head only, with the
// Content-Length the body would have had.
func writeDenial(w *bufio.Writer, req *httpwire.Request, d DenialResponse, keepAlive bool) error {
	var h httpwire.Header
	for _, f := range d.Header {
		h.Add(f.Name, f.Value)
	}
	h.Set("Content-Length", strconv.Itoa(len(d.Body)))
	setConnection(&h, req, keepAlive)
	if err := httpwire.WriteResponseHead(w, responseProto(req), d.Status, http.StatusText(d.Status), &h); err != nil {
		return err
	}
	if !isHead(req) {
		if _, err := w.WriteString(d.Body); err != nil {
			return err
		}
	}
	return w.Flush()
}

// writeError sends a plain-text proxy error and always closes the connection.
func writeError(w *bufio.Writer, req *httpwire.Request, status int) error {
	body := http.StatusText(status) + "\n"
	var h httpwire.Header
	h.Add("Content-Type", "text/plain; charset=utf-8")
	h.Add("Content-Length", strconv.Itoa(len(body)))
	h.Add("Connection", "close")
	if err := httpwire.WriteResponseHead(w, responseProto(req), status, http.StatusText(status), &h); err != nil {
		return err
	}
	if !isHead(req) {
		if _, err := w.WriteString(body); err != nil {
			return err
		}
	}
	return w.Flush()
}

func isHead(req *httpwire.Request) bool {
	return req != nil && strings.EqualFold(req.Method, http.MethodHead)
}

func responseProto(req *httpwire.Request) string {
	if req != nil && req.ProtoMajor == 1 && req.ProtoMinor == 0 {
		return "HTTP/1.0"
	}
	return "HTTP/1.1"
}

// setConnection makes the Connection header agree with whether the session
// stays open after this response.
func setConnection(h *httpwire.Header, req *httpwire.Request, keepAlive bool) {
	switch {
	case !keepAlive:
		h.Set("Connection", "close")
	case req != nil && req.ProtoMajor == 1 && req.ProtoMinor == 0:
		h.Set("Connection", "keep-alive")
	}
}
