package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, data []byte) []AuditEvent {
	t.Helper()
	var events []AuditEvent
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var event AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("decode %q: %v", scanner.Text(), err)
		}
		events = append(events, event)
	}
	return events
}

func TestAuditLoggerEmit(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := NewAuditLogger("test", WithoutStdout(), WithWriter(buf))
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	if err := logger.RecordDecision("abc", true, "allowed", map[string]any{"url": "https://example.com/?a=1&b=2"}); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}

	if strings.Contains(buf.String(), `\u0026`) {
		t.Fatalf("expected unescaped URL metadata, got %s", buf.String())
	}
	events := decodeLines(t, buf.Bytes())
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	got := events[0]
	if got.Component != "test" || got.EventType != EventProxyDecision || got.Decision != DecisionAllow {
		t.Fatalf("unexpected event %+v", got)
	}
	if got.SessionID != "abc" || got.Reason != "allowed" {
		t.Fatalf("expected session and reason to round trip, got %+v", got)
	}
	if got.Timestamp.IsZero() || got.Sequence != 1 {
		t.Fatalf("expected timestamp and sequence to be set, got %+v", got)
	}
}

func TestAuditLoggerRedactsURLMetadata(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := MustNewAuditLogger("proxy", WithoutStdout(), WithWriter(buf))

	err := logger.RecordDecision("s", false, "not_allowlisted", map[string]any{
		"url": "https://example.com/?X-Goog-Signature=deadbeef",
	})
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if strings.Contains(buf.String(), "deadbeef") {
		t.Fatalf("signature leaked into audit log: %s", buf.String())
	}
}

func TestAuditLoggerWithComponentSharesTrail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	logger, err := NewAuditLogger("root", WithoutStdout(), WithFile(path))
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	child := logger.WithComponent("proxy")
	if err := child.Lifecycle("started", "127.0.0.1:8080"); err != nil {
		t.Fatalf("Lifecycle: %v", err)
	}
	if err := logger.SessionError("s-1", "10.0.0.1", "client tls handshake failed"); err != nil {
		t.Fatalf("SessionError: %v", err)
	}
	if err := child.Close(); err != nil {
		t.Fatalf("child Close: %v", err)
	}
	if err := child.Lifecycle("stopped", "127.0.0.1:8080"); err != nil {
		t.Fatalf("closing a child must not close the trail: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	events := decodeLines(t, data)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %s", len(events), data)
	}
	for i, event := range events {
		if event.Sequence != uint64(i+1) {
			t.Fatalf("event %d has sequence %d", i, event.Sequence)
		}
	}
	if events[0].Component != "proxy" || events[1].Component != "root" {
		t.Fatalf("unexpected components: %q, %q", events[0].Component, events[1].Component)
	}
	if events[1].EventType != EventSessionError || events[1].Metadata["client"] != "10.0.0.1" {
		t.Fatalf("unexpected session error event %+v", events[1])
	}
}

func TestAuditLoggerWithoutAllowed(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := MustNewAuditLogger("proxy", WithoutStdout(), WithWriter(buf), WithoutAllowed())

	_ = logger.Lifecycle("started", ":8080")
	_ = logger.RecordDecision("s", true, "allowed", nil)
	_ = logger.RecordDecision("s", false, "not_allowlisted", nil)

	events := decodeLines(t, buf.Bytes())
	if len(events) != 2 {
		t.Fatalf("expected lifecycle and denial only, got %d events", len(events))
	}
	if events[1].Decision != DecisionDeny || events[1].Sequence != 2 {
		t.Fatalf("unexpected denial event %+v", events[1])
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestAuditLoggerKeepsWritingAfterSinkFailure(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := MustNewAuditLogger("proxy", WithoutStdout(), WithWriter(failingWriter{}), WithWriter(buf))

	if err := logger.Lifecycle("started", ":8080"); err == nil {
		t.Fatal("expected the failing sink to be reported")
	}
	if !strings.Contains(buf.String(), `"state":"started"`) {
		t.Fatalf("healthy sink missed the event: %q", buf.String())
	}
}

func TestNewAuditLoggerRequiresWriter(t *testing.T) {
	if _, err := NewAuditLogger("x", WithoutStdout()); err == nil {
		t.Fatal("expected error without writers")
	}
	if _, err := NewAuditLogger("x", WithFile("  ")); err == nil {
		t.Fatal("expected error for empty file path")
	}
}
