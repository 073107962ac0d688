package mock

import (
	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/pkg/record"
)

// Matcher picks the mock that should answer a request, or nil.
type Matcher interface {
	Match(url, method string) *record.MockConfig
}

// Finder is the store lookup a Matcher needs.
type Finder interface {
	FindActiveMock(url, method string) (*record.MockConfig, error)
}

// ExactMatcher matches on case-sensitive equality of the request URI and the
// method.
type ExactMatcher struct {
	finder Finder
	log    logger.Logger
}

// NewExactMatcher creates an ExactMatcher backed by finder.
func NewExactMatcher(finder Finder, log logger.Logger) *ExactMatcher {
	return &ExactMatcher{finder: finder, log: log}
}

// Match implements Matcher. Lookup failures are logged and treated as no
// match so the request still reaches the upstream.
func (m *ExactMatcher) Match(url, method string) *record.MockConfig {
	found, err := m.finder.FindActiveMock(url, method)
	if err != nil {
		m.log.Error("mock lookup failed", "method", method, "url", url, "error", err)
		return nil
	}
	return found
}
