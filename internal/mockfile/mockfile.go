// Package mockfile reads and writes mock definitions as YAML or JSON.
//
// A file is either a bare list of entries or a document with a top-level
// "mocks" list:
//
//	mocks:
//	  - url: /api/user
//	    method: GET
//	    status_code: 200
//	    headers:
//	      Content-Type: application/json
//	    body: '{"id":1}'
package mockfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/funnyzak/mockproxy/internal/mock"
	"github.com/funnyzak/mockproxy/pkg/record"
)

// Format is a mock file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ErrUnknownFormat is returned for an unrecognised format name.
var ErrUnknownFormat = errors.New("unknown mock file format")

// Entry is one mock definition in a file. Headers accept the same value
// forms as the dashboard API.
type Entry struct {
	URL        string                 `yaml:"url" json:"url"`
	Method     string                 `yaml:"method" json:"method"`
	StatusCode int                    `yaml:"status_code" json:"statusCode"`
	Headers    map[string]interface{} `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body       string                 `yaml:"body,omitempty" json:"body,omitempty"`
	Active     *bool                  `yaml:"active,omitempty" json:"active,omitempty"`
}

type document struct {
	Mocks []Entry `yaml:"mocks" json:"mocks"`
}

// ParseFormat maps a user supplied name to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// FormatFromPath picks the format from a file extension, defaulting to YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Load reads the entries of a mock file.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mock file: %w", err)
	}
	entries, err := Decode(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("parse mock file %s: %w", path, err)
	}
	return entries, nil
}

// Decode parses entries from data in the given format.
func Decode(data []byte, format Format) ([]Entry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	switch format {
	case FormatJSON:
		if trimmed[0] == '[' {
			var list []Entry
			if err := json.Unmarshal(trimmed, &list); err != nil {
				return nil, err
			}
			return list, nil
		}
		var doc document
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, err
		}
		return doc.Mocks, nil
	case FormatYAML:
		var node yaml.Node
		if err := yaml.Unmarshal(trimmed, &node); err != nil {
			return nil, err
		}
		if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
			var list []Entry
			if err := node.Decode(&list); err != nil {
				return nil, err
			}
			return list, nil
		}
		var doc document
		if err := node.Decode(&doc); err != nil {
			return nil, err
		}
		return doc.Mocks, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Encode writes mocks as a document with a top-level "mocks" list.
func Encode(w io.Writer, format Format, mocks []*record.MockConfig) error {
	doc := document{Mocks: make([]Entry, 0, len(mocks))}
	for _, m := range mocks {
		doc.Mocks = append(doc.Mocks, FromMock(m))
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(doc)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Save writes mocks to path, choosing the format from its extension.
func Save(path string, mocks []*record.MockConfig) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create mock file directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create mock file: %w", err)
	}
	if err := Encode(f, FormatFromPath(path), mocks); err != nil {
		f.Close()
		return fmt.Errorf("write mock file: %w", err)
	}
	return f.Close()
}

// FromMock converts a stored mock to a file entry.
func FromMock(m *record.MockConfig) Entry {
	active := m.Active
	entry := Entry{
		URL:        m.URL,
		Method:     m.Method,
		StatusCode: m.StatusCode,
		Body:       m.Body,
		Active:     &active,
	}
	if len(m.Headers) > 0 {
		entry.Headers = make(map[string]interface{}, len(m.Headers))
		for k, v := range m.Headers {
			entry.Headers[k] = v
		}
	}
	return entry
}

// Draft converts the entry to a mock draft for validation and creation.
func (e Entry) Draft() (mock.Draft, error) {
	draft := mock.Draft{
		URL:        e.URL,
		Method:     e.Method,
		StatusCode: e.StatusCode,
		Body:       e.Body,
		Active:     e.Active,
	}
	if len(e.Headers) > 0 {
		raw, err := json.Marshal(e.Headers)
		if err != nil {
			return mock.Draft{}, fmt.Errorf("encode headers: %w", err)
		}
		draft.Headers = raw
	}
	return draft, nil
}

// Creator stores validated mocks.
type Creator interface {
	Create(mock.Draft) (*record.MockConfig, error)
}

// Import creates every entry through c. It stops at the first failure and
// reports how many entries were created before it.
func Import(c Creator, entries []Entry) (int, error) {
	for i, entry := range entries {
		draft, err := entry.Draft()
		if err == nil {
			_, err = c.Create(draft)
		}
		if err != nil {
			return i, fmt.Errorf("mock %d (%s %s): %w", i+1, entry.Method, entry.URL, err)
		}
	}
	return len(entries), nil
}
