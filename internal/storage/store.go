package storage

import (
	"errors"
	"time"

	"github.com/funnyzak/mockproxy/internal/config"
	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/pkg/record"
)

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

var errNilLog = errors.New("request log is nil")

// ListOptions controls filtering and pagination when fetching request logs.
type ListOptions struct {
	Search string
	Method string
	Limit  int
	Offset int
}

// Store defines the persistence contract for request logs and mock definitions.
//
// Lookups of unknown ids return (nil, nil). Every call is atomic: a failed
// write leaves no partial record behind.
type Store interface {
	// SaveRequestLog assigns an id (when empty) and persists the log. A zero
	// CreatedAt is replaced with the current time.
	SaveRequestLog(*record.RequestLog) (*record.RequestLog, error)
	// CompleteRequestLog sets the response fields of a log. An unknown id is
	// logged and reported as (nil, nil).
	CompleteRequestLog(id string, resp record.Response) (*record.RequestLog, error)
	// ListRequestLogs returns logs newest first along with the filtered total.
	ListRequestLogs(ListOptions) ([]*record.RequestLog, int, error)
	// IterateRequestLogs walks logs newest first until fn returns false.
	IterateRequestLogs(ListOptions, func(*record.RequestLog) bool) error
	GetRequestLog(id string) (*record.RequestLog, error)
	ClearRequestLogs() (int64, error)
	// ClearRequestLogsOlderThan removes logs created more than days*24h ago.
	ClearRequestLogsOlderThan(days int) (int64, error)
	// ClearRequestLogsBefore removes logs created strictly before cutoff.
	ClearRequestLogsBefore(cutoff time.Time) (int64, error)

	SaveMockConfig(record.MockInput) (*record.MockConfig, error)
	// UpdateMockConfig applies the present patch fields and refreshes
	// UpdatedAt. It reports false for an unknown id or an empty patch.
	UpdateMockConfig(id string, patch record.MockPatch) (bool, error)
	// ListMockConfigs returns mocks newest created first.
	ListMockConfigs(activeOnly bool) ([]*record.MockConfig, error)
	GetMockConfig(id string) (*record.MockConfig, error)
	// FindActiveMock returns the active mock for an exact (url, method) key.
	// Among duplicates the most recently created one wins, later inserts
	// winning ties.
	FindActiveMock(url, method string) (*record.MockConfig, error)
	DeleteMockConfig(id string) (bool, error)

	Close() error
}

// New instantiates a Store based on configuration.
func New(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("storage config is nil")
	}
	switch driver := cfg.Driver; driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	case "memory":
		return NewMemoryStore(cfg.MaxRecords, log), nil
	default:
		return nil, ErrUnsupportedDriver
	}
}

func cutoffForDays(days int, now time.Time) time.Time {
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}
