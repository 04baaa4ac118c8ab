// Package logging writes the proxy audit trail: one JSON object per line for
// lifecycle changes, policy decisions and sessions that failed before a
// request could be decided.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/RowanDark/egressguard/internal/redact"
)

// EventType classifies audit records.
type EventType string

const (
	EventProxyLifecycle EventType = "proxy_lifecycle"
	EventProxyDecision  EventType = "proxy_decision"
	EventSessionError   EventType = "session_error"
)

// Decision records whether an audited action was permitted.
type Decision string

const (
	DecisionInfo  Decision = "info"
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// AuditEvent is one line of the audit trail. Sequence is assigned on write
// and increases by one per record across every component sharing a trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Sequence  uint64         `json:"seq"`
	Component string         `json:"component"`
	SessionID string         `json:"session_id,omitempty"`
	EventType EventType      `json:"event_type"`
	Decision  Decision       `json:"decision,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Option configures where the trail is written.
type Option func(*options) error

type options struct {
	sinks       []io.Writer
	closers     []io.Closer
	stdout      bool
	skipAllowed bool
}

// WithWriter adds w as a sink.
func WithWriter(w io.Writer) Option {
	return func(o *options) error {
		if w == nil {
			return errors.New("writer cannot be nil")
		}
		o.sinks = append(o.sinks, w)
		return nil
	}
}

// WithFile appends to the file at path, creating it and its directory.
func WithFile(path string) Option {
	return func(o *options) error {
		path = strings.TrimSpace(path)
		if path == "" {
			return errors.New("file path cannot be empty")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create audit directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open audit file: %w", err)
		}
		o.sinks = append(o.sinks, f)
		o.closers = append(o.closers, f)
		return nil
	}
}

// WithoutStdout drops the default stdout sink.
func WithoutStdout() Option {
	return func(o *options) error {
		o.stdout = false
		return nil
	}
}

// WithoutAllowed keeps allowed decisions out of the trail. Denials,
// lifecycle records and session errors are still written.
func WithoutAllowed() Option {
	return func(o *options) error {
		o.skipAllowed = true
		return nil
	}
}

// trail is the state shared by an AuditLogger and its component children.
type trail struct {
	mu          sync.Mutex
	seq         uint64
	sinks       []io.Writer
	closers     []io.Closer
	skipAllowed bool
	buf         bytes.Buffer
}

// write encodes event once and hands the line to every sink. A failing sink
// does not stop the others.
func (t *trail) write(event AuditEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.skipAllowed && event.EventType == EventProxyDecision && event.Decision == DecisionAllow {
		return nil
	}
	t.seq++
	event.Sequence = t.seq

	t.buf.Reset()
	enc := json.NewEncoder(&t.buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(event); err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	line := t.buf.Bytes()

	var errs []error
	for _, w := range t.sinks {
		if _, err := w.Write(line); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AuditLogger writes audit events stamped with its component name.
type AuditLogger struct {
	component string
	trail     *trail
	owner     bool
}

// NewAuditLogger returns a logger writing to stdout and any configured sinks.
func NewAuditLogger(component string, opts ...Option) (*AuditLogger, error) {
	o := &options{stdout: true}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			for _, c := range o.closers {
				_ = c.Close()
			}
			return nil, err
		}
	}
	sinks := o.sinks
	if o.stdout {
		sinks = append([]io.Writer{os.Stdout}, sinks...)
	}
	if len(sinks) == 0 {
		return nil, errors.New("no writers configured for audit logger")
	}
	return &AuditLogger{
		component: component,
		trail:     &trail{sinks: sinks, closers: o.closers, skipAllowed: o.skipAllowed},
		owner:     true,
	}, nil
}

// MustNewAuditLogger is NewAuditLogger that panics on error.
func MustNewAuditLogger(component string, opts ...Option) *AuditLogger {
	logger, err := NewAuditLogger(component, opts...)
	if err != nil {
		panic(err)
	}
	return logger
}

// Close closes file sinks. Only the logger returned by NewAuditLogger owns
// them; closing a component child is a no-op.
func (l *AuditLogger) Close() error {
	if l == nil || !l.owner || l.trail == nil {
		return nil
	}
	l.trail.mu.Lock()
	defer l.trail.mu.Unlock()
	var errs []error
	for _, c := range l.trail.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.trail.closers = nil
	l.trail.sinks = nil
	return errors.Join(errs...)
}

// Emit writes event, stamping the time and component and redacting the
// reason and metadata.
func (l *AuditLogger) Emit(event AuditEvent) error {
	if l == nil || l.trail == nil {
		return errors.New("nil audit logger")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}
	if event.Component == "" {
		event.Component = l.component
	}
	event.Reason = redact.String(event.Reason)
	if len(event.Metadata) > 0 {
		event.Metadata = redact.Map(event.Metadata)
	}
	return l.trail.write(event)
}

// WithComponent returns a logger sharing this trail under another name.
func (l *AuditLogger) WithComponent(component string) *AuditLogger {
	if l == nil || l.trail == nil {
		return nil
	}
	return &AuditLogger{component: component, trail: l.trail}
}

// Lifecycle records a proxy state change such as started or stopped.
func (l *AuditLogger) Lifecycle(state, addr string) error {
	return l.Emit(AuditEvent{
		EventType: EventProxyLifecycle,
		Decision:  DecisionInfo,
		Metadata:  map[string]any{"state": state, "address": addr},
	})
}

// RecordDecision records the policy verdict for one request.
func (l *AuditLogger) RecordDecision(sessionID string, allowed bool, reason string, metadata map[string]any) error {
	decision := DecisionDeny
	if allowed {
		decision = DecisionAllow
	}
	return l.Emit(AuditEvent{
		EventType: EventProxyDecision,
		SessionID: sessionID,
		Decision:  decision,
		Reason:    reason,
		Metadata:  metadata,
	})
}

// SessionError records a session that ended before any request on it was
// decided, for example a failed client handshake.
func (l *AuditLogger) SessionError(sessionID, client, reason string) error {
	return l.Emit(AuditEvent{
		EventType: EventSessionError,
		SessionID: sessionID,
		Decision:  DecisionDeny,
		Reason:    reason,
		Metadata:  map[string]any{"client": client},
	})
}
