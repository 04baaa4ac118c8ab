package policy

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk allow-list document. A bare YAML sequence of patterns
// is accepted as well.
type File struct {
	Allow   []string `yaml:"allow"`
	Buckets []string `yaml:"buckets"`
}

// LoadFile reads an ordered pattern list from a YAML or JSON document or a
// plain file with one pattern per line.
func LoadFile(path string) ([]string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("policy path is required")
	}
	data, err := os.ReadFile(trimmed)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	patterns, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", trimmed, err)
	}
	return patterns, nil
}

// Parse decodes a policy document. Bucket entries expand to the storage
// bucket pattern and follow the explicit allow patterns. Text that is not a
// YAML list or mapping is read as one pattern per line; blank lines and lines
// starting with # are skipped.
func Parse(data []byte) ([]string, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return parseLines(data), nil
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	root := node.Content[0]

	switch root.Kind {
	case yaml.ScalarNode:
		return parseLines(data), nil
	case yaml.SequenceNode:
		var patterns []string
		if err := root.Decode(&patterns); err != nil {
			return nil, err
		}
		return clean(patterns), nil
	case yaml.MappingNode:
		var f File
		if err := root.Decode(&f); err != nil {
			return nil, err
		}
		patterns := clean(f.Allow)
		for _, bucket := range clean(f.Buckets) {
			patterns = append(patterns, BucketPattern(bucket))
		}
		return patterns, nil
	default:
		return nil, fmt.Errorf("expected a list of patterns or an allow mapping, got %s", kindName(root.Kind))
	}
}

// BucketPattern allows every object under one Cloud Storage bucket.
func BucketPattern(bucket string) string {
	return `https://storage\.googleapis\.com/` + regexp.QuoteMeta(strings.Trim(strings.TrimSpace(bucket), "/")) + `/.*`
}

func parseLines(data []byte) []string {
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

func clean(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func kindName(kind yaml.Kind) string {
	switch kind {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	case yaml.DocumentNode:
		return "document"
	default:
		return "node"
	}
}
