// Package history indexes the proxy's JSONL decision log so operators can
// find which requests were denied and why.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/RowanDark/egressguard/internal/proxy"
)

// Entry is one decoded history record with a stable, 1-based ID.
type Entry struct {
	ID     string             `json:"id"`
	Record proxy.HistoryEntry `json:"record"`
}

type indexedEntry struct {
	id          string
	record      proxy.HistoryEntry
	hostLower   string
	pathLower   string
	methodLower string
	urlLower    string
	ruleLower   string
}

// Index provides in-memory search over persisted history entries.
type Index struct {
	entries   []indexedEntry
	positions map[string]int
}

// Load builds an index from the history file at path. A missing file yields
// an empty index.
func Load(path string) (*Index, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Index{positions: map[string]int{}}, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer file.Close()
	return Read(file)
}

// Read builds an index from JSONL records. A truncated final line, as left
// by a writer that is still appending, is ignored.
func Read(r io.Reader) (*Index, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	idx := &Index{positions: make(map[string]int)}
	var pending error
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		if pending != nil {
			return nil, pending
		}
		var record proxy.HistoryEntry
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			pending = fmt.Errorf("decode history entry on line %d: %w", line, err)
			continue
		}
		idx.add(record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return idx, nil
}

func (i *Index) add(record proxy.HistoryEntry) {
	entry := indexedEntry{
		id:          strconv.Itoa(len(i.entries) + 1),
		record:      record,
		methodLower: strings.ToLower(record.Method),
		urlLower:    strings.ToLower(record.URL),
		ruleLower:   strings.ToLower(record.Rule),
	}
	if u, err := url.Parse(record.URL); err == nil {
		entry.hostLower = strings.ToLower(u.Host)
		entry.pathLower = strings.ToLower(u.Path)
	}
	i.positions[entry.id] = len(i.entries)
	i.entries = append(i.entries, entry)
}

// Len reports the number of indexed entries.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.entries)
}

// Entry retrieves a record by ID.
func (i *Index) Entry(id string) (Entry, bool) {
	if i == nil {
		return Entry{}, false
	}
	pos, ok := i.positions[id]
	if !ok {
		return Entry{}, false
	}
	return i.entries[pos].entry(), true
}

type predicate func(*indexedEntry) bool

// Search returns every entry matching the query in chronological order.
//
// The query language accepts whitespace-separated key:value terms, all of
// which must match. Supported keys are host, method, protocol, path, url,
// status, decision, reason, rule, session and client.
func (i *Index) Search(rawQuery string) ([]Entry, error) {
	if i == nil {
		return nil, errors.New("index not initialised")
	}
	predicates, err := parseQuery(rawQuery)
	if err != nil {
		return nil, err
	}
	results := make([]Entry, 0)
	for idx := range i.entries {
		entry := &i.entries[idx]
		match := true
		for _, p := range predicates {
			if !p(entry) {
				match = false
				break
			}
		}
		if match {
			results = append(results, entry.entry())
		}
	}
	return results, nil
}

func parseQuery(input string) ([]predicate, error) {
	tokens := strings.Fields(input)
	predicates := make([]predicate, 0, len(tokens))
	for _, token := range tokens {
		key, value, ok := strings.Cut(token, ":")
		if !ok {
			return nil, fmt.Errorf("invalid query token %q (expected key:value)", token)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			return nil, fmt.Errorf("query term %q missing value", key)
		}
		lower := strings.ToLower(value)
		switch key {
		case "host":
			predicates = append(predicates, func(e *indexedEntry) bool {
				return e.hostLower != "" && strings.Contains(e.hostLower, lower)
			})
		case "method":
			predicates = append(predicates, func(e *indexedEntry) bool {
				return e.methodLower == lower
			})
		case "protocol":
			predicates = append(predicates, func(e *indexedEntry) bool {
				return strings.EqualFold(e.record.Protocol, value)
			})
		case "path":
			predicates = append(predicates, func(e *indexedEntry) bool {
				return e.pathLower != "" && strings.Contains(e.pathLower, lower)
			})
		case "url":
			predicates = append(predicates, func(e *indexedEntry) bool {
				return strings.Contains(e.urlLower, lower)
			})
		case "status":
			status, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid status %q", value)
			}
			predicates = append(predicates, func(e *indexedEntry) bool {
				return e.record.StatusCode == status
			})
		case "decision":
			predicates = append(predicates, func(e *indexedEntry) bool {
				return strings.EqualFold(e.record.Decision, value)
			})
		case "reason":
			predicates = append(predicates, func(e *indexedEntry) bool {
				return strings.EqualFold(e.record.Reason, value)
			})
		case "rule":
			predicates = append(predicates, func(e *indexedEntry) bool {
				return e.ruleLower == lower
			})
		case "session":
			predicates = append(predicates, func(e *indexedEntry) bool {
				return e.record.SessionID == value
			})
		case "client":
			predicates = append(predicates, func(e *indexedEntry) bool {
				return e.record.ClientIP == value
			})
		default:
			return nil, fmt.Errorf("unsupported query field %q", key)
		}
	}
	return predicates, nil
}

func (e indexedEntry) entry() Entry {
	return Entry{ID: e.id, Record: e.record}
}
