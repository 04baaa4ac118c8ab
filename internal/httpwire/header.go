package httpwire

import (
	"bufio"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Field is a single header line as it appeared on the wire.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered multi-map of header fields. Lookups ignore case while
// serialisation keeps the original order and casing.
type Header struct {
	fields []Field
}

// Fields returns a copy of the header lines in wire order.
func (h *Header) Fields() []Field {
	return append([]Field(nil), h.fields...)
}

// Len reports the number of header lines.
func (h *Header) Len() int {
	return len(h.fields)
}

// Get returns the first value for name, or "" when absent.
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value recorded for name in wire order.
func (h *Header) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether at least one line named name exists.
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Add appends a header line.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces the first line named name in place and drops the others. The
// line is appended when absent.
func (h *Header) Set(name, value string) {
	out := h.fields[:0]
	replaced := false
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if replaced {
				continue
			}
			f.Value = value
			replaced = true
		}
		out = append(out, f)
	}
	h.fields = out
	if !replaced {
		h.fields = append(h.fields, Field{Name: name, Value: value})
	}
}

// Del removes every line named name.
func (h *Header) Del(name string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			continue
		}
		out = append(out, f)
	}
	h.fields = out
}

// Clone returns an independent copy.
func (h *Header) Clone() Header {
	return Header{fields: append([]Field(nil), h.fields...)}
}

// hopByHop lists the connection-scoped fields a proxy must not forward.
// Transfer-Encoding stays because bodies are relayed with their framing intact.
var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
}

// StripHopByHop removes connection-scoped fields, including every field
// nominated by a Connection token.
func (h *Header) StripHopByHop() {
	var nominated []string
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			token = strings.TrimSpace(token)
			if token == "" || strings.EqualFold(token, "close") || strings.EqualFold(token, "keep-alive") {
				continue
			}
			if strings.EqualFold(token, "Transfer-Encoding") || strings.EqualFold(token, "Content-Length") {
				continue
			}
			nominated = append(nominated, token)
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
	for _, name := range nominated {
		h.Del(name)
	}
}

// containsToken reports whether any comma separated value of name holds token.
func (h *Header) containsToken(name, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(name), token)
}

func (h *Header) write(w *bufio.Writer) error {
	for _, f := range h.fields {
		if _, err := w.WriteString(f.Name); err != nil {
			return err
		}
		if _, err := w.WriteString(": "); err != nil {
			return err
		}
		if _, err := w.WriteString(f.Value); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}
