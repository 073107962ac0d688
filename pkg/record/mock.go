package record

import "time"

// MockConfig is a stored (url, method) -> canned response definition.
type MockConfig struct {
	ID         string            `json:"id" yaml:"id,omitempty"`
	URL        string            `json:"url" yaml:"url"`
	Method     string            `json:"method" yaml:"method"`
	StatusCode int               `json:"statusCode" yaml:"status_code"`
	Headers    map[string]string `json:"headers" yaml:"headers,omitempty"`
	Body       string            `json:"body" yaml:"body,omitempty"`
	Active     bool              `json:"active" yaml:"active"`
	CreatedAt  time.Time         `json:"createdAt" yaml:"-"`
	UpdatedAt  time.Time         `json:"updatedAt" yaml:"-"`
}

// MockInput carries the fields needed to create a MockConfig.
type MockInput struct {
	URL        string
	Method     string
	StatusCode int
	Headers    map[string]string
	Body       string
	Active     bool
}

// MockPatch is a partial update; nil fields are left untouched.
type MockPatch struct {
	URL        *string
	Method     *string
	StatusCode *int
	Headers    map[string]string
	Body       *string
	Active     *bool
}

// Empty reports whether the patch carries no field at all.
func (p MockPatch) Empty() bool {
	return p.URL == nil &&
		p.Method == nil &&
		p.StatusCode == nil &&
		p.Headers == nil &&
		p.Body == nil &&
		p.Active == nil
}

// ApplyTo writes the present fields of the patch onto m.
func (p MockPatch) ApplyTo(m *MockConfig) {
	if p.URL != nil {
		m.URL = *p.URL
	}
	if p.Method != nil {
		m.Method = *p.Method
	}
	if p.StatusCode != nil {
		m.StatusCode = *p.StatusCode
	}
	if p.Headers != nil {
		m.Headers = copyHeaders(p.Headers)
	}
	if p.Body != nil {
		m.Body = *p.Body
	}
	if p.Active != nil {
		m.Active = *p.Active
	}
}

// Clone returns a deep copy of the mock.
func (m *MockConfig) Clone() *MockConfig {
	if m == nil {
		return nil
	}
	out := *m
	out.Headers = copyHeaders(m.Headers)
	return &out
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
