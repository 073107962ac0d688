package storage

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/pkg/record"
	"github.com/google/uuid"
)

type memoryLog struct {
	seq   uint64
	entry *record.RequestLog
}

type memoryMock struct {
	seq  uint64
	mock *record.MockConfig
}

// MemoryStore keeps logs and mocks in process memory. Records are copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	maxRecords int
	seq        uint64
	logs       []memoryLog
	mocks      []memoryMock
	log        logger.Logger
}

// NewMemoryStore creates a MemoryStore. maxRecords <= 0 keeps every log.
func NewMemoryStore(maxRecords int, log logger.Logger) *MemoryStore {
	if log == nil {
		log = logger.Nop()
	}
	return &MemoryStore{maxRecords: maxRecords, log: log}
}

func (s *MemoryStore) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// SaveRequestLog implements Store
func (s *MemoryStore) SaveRequestLog(entry *record.RequestLog) (*record.RequestLog, error) {
	if entry == nil {
		return nil, errNilLog
	}
	saved := entry.Clone()
	if strings.TrimSpace(saved.ID) == "" {
		saved.ID = uuid.NewString()
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now()
	}
	saved.CreatedAt = saved.CreatedAt.UTC()
	if saved.Headers == nil {
		saved.Headers = http.Header{}
	}
	if saved.ResponseStatus != nil && saved.ResponseHeaders == nil {
		saved.ResponseHeaders = http.Header{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, memoryLog{seq: s.nextSeq(), entry: saved})
	if s.maxRecords > 0 && len(s.logs) > s.maxRecords {
		s.dropOldest(len(s.logs) - s.maxRecords)
	}
	return saved.Clone(), nil
}

// dropOldest removes the n earliest inserted logs. A backdated CreatedAt
// never evicts the log being saved.
func (s *MemoryStore) dropOldest(n int) {
	kept := make([]memoryLog, len(s.logs)-n)
	copy(kept, s.logs[n:])
	s.logs = kept
}

// CompleteRequestLog implements Store
func (s *MemoryStore) CompleteRequestLog(id string, resp record.Response) (*record.RequestLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.logs {
		if item.entry.ID == id {
			item.entry.Apply(resp)
			return item.entry.Clone(), nil
		}
	}
	s.log.Warn("request log to complete not found", "log_id", id)
	return nil, nil
}

func (s *MemoryStore) sortedLogs(opts ListOptions) []*record.RequestLog {
	search := strings.ToLower(strings.TrimSpace(opts.Search))
	method := strings.ToUpper(strings.TrimSpace(opts.Method))

	filtered := make([]memoryLog, 0, len(s.logs))
	for _, item := range s.logs {
		if method != "" && strings.ToUpper(item.entry.Method) != method {
			continue
		}
		if search != "" && !matchesSearch(item.entry, search) {
			continue
		}
		filtered = append(filtered, item)
	}
	// newest first
	sort.Slice(filtered, func(i, j int) bool { return logLess(filtered[j], filtered[i]) })

	result := make([]*record.RequestLog, 0, len(filtered))
	for _, item := range filtered {
		result = append(result, item.entry)
	}
	return result
}

// ListRequestLogs implements Store
func (s *MemoryStore) ListRequestLogs(opts ListOptions) ([]*record.RequestLog, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filtered := s.sortedLogs(opts)
	total := len(filtered)

	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if opts.Limit > 0 && offset+opts.Limit < total {
		end = offset + opts.Limit
	}

	page := make([]*record.RequestLog, 0, end-offset)
	for _, entry := range filtered[offset:end] {
		page = append(page, entry.Clone())
	}
	return page, total, nil
}

// IterateRequestLogs implements Store
func (s *MemoryStore) IterateRequestLogs(opts ListOptions, fn func(*record.RequestLog) bool) error {
	s.mu.RLock()
	snapshot := s.sortedLogs(opts)
	for i, entry := range snapshot {
		snapshot[i] = entry.Clone()
	}
	s.mu.RUnlock()

	for _, entry := range snapshot {
		if !fn(entry) {
			break
		}
	}
	return nil
}

// GetRequestLog implements Store
func (s *MemoryStore) GetRequestLog(id string) (*record.RequestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, item := range s.logs {
		if item.entry.ID == id {
			return item.entry.Clone(), nil
		}
	}
	return nil, nil
}

// ClearRequestLogs implements Store
func (s *MemoryStore) ClearRequestLogs() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := int64(len(s.logs))
	s.logs = nil
	return removed, nil
}

// ClearRequestLogsOlderThan implements Store
func (s *MemoryStore) ClearRequestLogsOlderThan(days int) (int64, error) {
	return s.ClearRequestLogsBefore(cutoffForDays(days, time.Now()))
}

// ClearRequestLogsBefore implements Store
func (s *MemoryStore) ClearRequestLogsBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.logs[:0]
	var removed int64
	for _, item := range s.logs {
		if item.entry.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	s.logs = kept
	return removed, nil
}

// SaveMockConfig implements Store
func (s *MemoryStore) SaveMockConfig(input record.MockInput) (*record.MockConfig, error) {
	now := time.Now().UTC()
	mock := (&record.MockConfig{
		ID:         uuid.NewString(),
		URL:        input.URL,
		Method:     input.Method,
		StatusCode: input.StatusCode,
		Headers:    input.Headers,
		Body:       input.Body,
		Active:     input.Active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}).Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mocks = append(s.mocks, memoryMock{seq: s.nextSeq(), mock: mock})
	return mock.Clone(), nil
}

// UpdateMockConfig implements Store
func (s *MemoryStore) UpdateMockConfig(id string, patch record.MockPatch) (bool, error) {
	if patch.Empty() {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.mocks {
		if item.mock.ID == id {
			patch.ApplyTo(item.mock)
			item.mock.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) sortedMocks(keep func(*record.MockConfig) bool) []*record.MockConfig {
	filtered := make([]memoryMock, 0, len(s.mocks))
	for _, item := range s.mocks {
		if keep(item.mock) {
			filtered = append(filtered, item)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if !a.mock.CreatedAt.Equal(b.mock.CreatedAt) {
			return a.mock.CreatedAt.After(b.mock.CreatedAt)
		}
		return a.seq > b.seq
	})

	result := make([]*record.MockConfig, 0, len(filtered))
	for _, item := range filtered {
		result = append(result, item.mock.Clone())
	}
	return result
}

// ListMockConfigs implements Store
func (s *MemoryStore) ListMockConfigs(activeOnly bool) ([]*record.MockConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedMocks(func(m *record.MockConfig) bool {
		return !activeOnly || m.Active
	}), nil
}

// GetMockConfig implements Store
func (s *MemoryStore) GetMockConfig(id string) (*record.MockConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, item := range s.mocks {
		if item.mock.ID == id {
			return item.mock.Clone(), nil
		}
	}
	return nil, nil
}

// FindActiveMock implements Store
func (s *MemoryStore) FindActiveMock(url, method string) (*record.MockConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := s.sortedMocks(func(m *record.MockConfig) bool {
		return m.Active && m.URL == url && m.Method == method
	})
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

// DeleteMockConfig implements Store
func (s *MemoryStore) DeleteMockConfig(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, item := range s.mocks {
		if item.mock.ID == id {
			s.mocks = append(s.mocks[:i], s.mocks[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}

// logLess orders logs oldest first, insertion order breaking ties.
func logLess(a, b memoryLog) bool {
	if !a.entry.CreatedAt.Equal(b.entry.CreatedAt) {
		return a.entry.CreatedAt.Before(b.entry.CreatedAt)
	}
	return a.seq < b.seq
}

func matchesSearch(entry *record.RequestLog, term string) bool {
	target := strings.ToLower(entry.URL + " " + entry.RemoteAddr)
	if strings.Contains(target, term) {
		return true
	}

	for key, values := range entry.Headers {
		if strings.Contains(strings.ToLower(key), term) {
			return true
		}
		for _, val := range values {
			if strings.Contains(strings.ToLower(val), term) {
				return true
			}
		}
	}
	return false
}
