package proxy

import (
	"path"
	"strings"
)

// LogFilter decides which forwarded requests are worth a request log.
// It never affects mock matching.
type LogFilter struct {
	prefixes   []string
	extensions map[string]struct{}
}

// NewLogFilter builds a filter that excludes paths starting with any of
// prefixes or ending in any of extensions (compared case-insensitively,
// with or without the leading dot).
func NewLogFilter(prefixes, extensions []string) *LogFilter {
	f := &LogFilter{extensions: make(map[string]struct{}, len(extensions))}
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			f.prefixes = append(f.prefixes, p)
		}
	}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			f.extensions[ext] = struct{}{}
		}
	}
	return f
}

// Loggable reports whether a request to urlPath should be logged. The query
// string is not considered.
func (f *LogFilter) Loggable(urlPath string) bool {
	if f == nil {
		return true
	}
	if urlPath == "" {
		return false
	}
	for _, prefix := range f.prefixes {
		if strings.HasPrefix(urlPath, prefix) {
			return false
		}
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(urlPath), "."))
	if ext == "" {
		return true
	}
	_, static := f.extensions[ext]
	return !static
}
