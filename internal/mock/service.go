package mock

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/internal/storage"
	"github.com/funnyzak/mockproxy/pkg/record"
)

// Draft is a mock definition as submitted by a user.
type Draft struct {
	URL        string          `json:"url"`
	Method     string          `json:"method"`
	StatusCode int             `json:"statusCode"`
	Headers    json.RawMessage `json:"headers,omitempty"`
	Body       string          `json:"body"`
	Active     *bool           `json:"active,omitempty"`
}

// Changes is a partial mock update; absent fields are left as they are.
type Changes struct {
	URL        *string         `json:"url,omitempty"`
	Method     *string         `json:"method,omitempty"`
	StatusCode *int            `json:"statusCode,omitempty"`
	Headers    json.RawMessage `json:"headers,omitempty"`
	Body       *string         `json:"body,omitempty"`
	Active     *bool           `json:"active,omitempty"`
}

// Service validates and applies mock operations against a store.
type Service struct {
	store storage.Store
	log   logger.Logger
}

// NewService creates a mock Service.
func NewService(store storage.Store, log logger.Logger) *Service {
	return &Service{store: store, log: log}
}

// Create validates a draft and stores it. Headers default to {}, body to ""
// and active to true.
func (s *Service) Create(draft Draft) (*record.MockConfig, error) {
	input, err := draft.input()
	if err != nil {
		return nil, err
	}
	mock, err := s.store.SaveMockConfig(input)
	if err != nil {
		return nil, err
	}
	s.log.Info("mock created", "mock_id", mock.ID, "method", mock.Method, "url", mock.URL)
	return mock, nil
}

// Update applies changes to an existing mock. An unknown id or an empty
// change set yields ErrNotFound.
func (s *Service) Update(id string, changes Changes) (*record.MockConfig, error) {
	patch, err := changes.patch()
	if err != nil {
		return nil, err
	}
	ok, err := s.store.UpdateMockConfig(id, patch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(id)
}

// Delete removes a mock.
func (s *Service) Delete(id string) error {
	ok, err := s.store.DeleteMockConfig(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	s.log.Info("mock deleted", "mock_id", id)
	return nil
}

// Get returns a mock by id.
func (s *Service) Get(id string) (*record.MockConfig, error) {
	mock, err := s.store.GetMockConfig(id)
	if err != nil {
		return nil, err
	}
	if mock == nil {
		return nil, ErrNotFound
	}
	return mock, nil
}

// List returns mocks newest first.
func (s *Service) List(activeOnly bool) ([]*record.MockConfig, error) {
	return s.store.ListMockConfigs(activeOnly)
}

// Toggle flips the active flag of a mock and returns the updated record.
func (s *Service) Toggle(id string) (*record.MockConfig, error) {
	current, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	active := !current.Active
	ok, err := s.store.UpdateMockConfig(id, record.MockPatch{Active: &active})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	s.log.Info("mock toggled", "mock_id", id, "active", active)
	return s.Get(id)
}

// CreateFromLog snapshots the response of a completed request log into a new
// active mock. Later changes to either record do not affect the other.
func (s *Service) CreateFromLog(logID string) (*record.MockConfig, error) {
	entry, err := s.store.GetRequestLog(logID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	if entry.Pending() {
		return nil, ErrLogIncomplete
	}

	headers := make(map[string]string, len(entry.ResponseHeaders))
	for key, values := range entry.ResponseHeaders {
		if len(values) == 0 || skipSnapshotHeader(key) {
			continue
		}
		headers[key] = values[0]
	}
	body := ""
	if entry.ResponseBody != nil {
		body = *entry.ResponseBody
	}

	mock, err := s.store.SaveMockConfig(record.MockInput{
		URL:        entry.URL,
		Method:     entry.Method,
		StatusCode: *entry.ResponseStatus,
		Headers:    headers,
		Body:       body,
		Active:     true,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("mock created from log", "mock_id", mock.ID, "log_id", logID)
	return mock, nil
}

// skipSnapshotHeader drops framing headers that would not describe a replayed body.
func skipSnapshotHeader(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Content-Length", "Transfer-Encoding", "Connection", "Keep-Alive", "Date":
		return true
	}
	return false
}

func (d Draft) input() (record.MockInput, error) {
	url := strings.TrimSpace(d.URL)
	if err := validateURL(url); err != nil {
		return record.MockInput{}, err
	}
	method := strings.ToUpper(strings.TrimSpace(d.Method))
	if method == "" {
		return record.MockInput{}, invalid("method", "required")
	}
	if err := validateStatus(d.StatusCode); err != nil {
		return record.MockInput{}, err
	}
	headers, err := ParseHeaders(string(d.Headers))
	if err != nil {
		return record.MockInput{}, err
	}
	active := true
	if d.Active != nil {
		active = *d.Active
	}
	return record.MockInput{
		URL:        url,
		Method:     method,
		StatusCode: d.StatusCode,
		Headers:    headers,
		Body:       d.Body,
		Active:     active,
	}, nil
}

func (c Changes) patch() (record.MockPatch, error) {
	patch := record.MockPatch{
		Body:       c.Body,
		Active:     c.Active,
		StatusCode: c.StatusCode,
	}
	if c.URL != nil {
		url := strings.TrimSpace(*c.URL)
		if err := validateURL(url); err != nil {
			return record.MockPatch{}, err
		}
		patch.URL = &url
	}
	if c.Method != nil {
		method := strings.ToUpper(strings.TrimSpace(*c.Method))
		if method == "" {
			return record.MockPatch{}, invalid("method", "required")
		}
		patch.Method = &method
	}
	if c.StatusCode != nil {
		if err := validateStatus(*c.StatusCode); err != nil {
			return record.MockPatch{}, err
		}
	}
	if len(c.Headers) > 0 {
		headers, err := ParseHeaders(string(c.Headers))
		if err != nil {
			return record.MockPatch{}, err
		}
		patch.Headers = headers
	}
	return patch, nil
}

func validateURL(url string) error {
	if url == "" {
		return invalid("url", "required")
	}
	if !strings.HasPrefix(url, "/") {
		return invalid("url", "must start with '/'")
	}
	return nil
}

// validateStatus accepts final status codes only. net/http sends a 1xx code
// as an informational response followed by an implicit 200.
func validateStatus(code int) error {
	if code < 200 || code > 599 {
		return invalid("statusCode", "%d is outside 200-599", code)
	}
	return nil
}
