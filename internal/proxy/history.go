package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// HistoryEntry captures the outcome of a single intercepted request.
type HistoryEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	SessionID     string    `json:"session_id"`
	ClientIP      string    `json:"client_ip"`
	Protocol      string    `json:"protocol"`
	Method        string    `json:"method"`
	URL           string    `json:"url"`
	Decision      string    `json:"decision"`
	Reason        string    `json:"reason"`
	Rule          string    `json:"rule,omitempty"`
	StatusCode    int       `json:"status_code"`
	LatencyMillis int64     `json:"latency_ms"`
	RequestSize   int64     `json:"request_size_bytes"`
	ResponseSize  int64     `json:"response_size_bytes"`
	Error         string    `json:"error,omitempty"`
}

// historyWriter persists decision history to disk as JSONL. A nil writer
// discards entries.
type historyWriter struct {
	path string
	mu   sync.Mutex
	file *os.File
}

func newHistoryWriter(path string) (*historyWriter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	return &historyWriter{path: path, file: file}, nil
}

// Close flushes and closes the history file handle.
func (h *historyWriter) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}

// Path reports the backing file path for persisted history entries.
func (h *historyWriter) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

// Write appends an entry to the history file.
func (h *historyWriter) Write(entry HistoryEntry) error {
	if h == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	payload = append(payload, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return errors.New("history writer closed")
	}
	if _, err := h.file.Write(payload); err != nil {
		return fmt.Errorf("write history entry: %w", err)
	}
	return nil
}
