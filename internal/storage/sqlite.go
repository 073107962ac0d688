package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/funnyzak/mockproxy/internal/config"
	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/pkg/record"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"

	logColumns  = "id, created_ns, url, method, headers_json, body, remote_addr, mock_id, response_status, response_headers_json, response_body, response_time_ms"
	mockColumns = "id, url, method, status_code, headers_json, body, active, created_ns, updated_ns"
)

type sqliteStore struct {
	db  *sql.DB
	cfg *config.StorageConfig
	log logger.Logger
}

func newSQLiteStore(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=temp_store(MEMORY)&_txlock=immediate",
		filepath.ToSlash(absPath),
	)
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(0)

	store := &sqliteStore{db: db, cfg: cfg, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS request_logs (
    id TEXT PRIMARY KEY,
    created_ns INTEGER NOT NULL,
    url TEXT NOT NULL,
    method TEXT NOT NULL,
    headers_json TEXT,
    body TEXT,
    remote_addr TEXT,
    mock_id TEXT,
    response_status INTEGER,
    response_headers_json TEXT,
    response_body TEXT,
    response_time_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_request_logs_created ON request_logs(created_ns DESC);

CREATE TABLE IF NOT EXISTS mock_configs (
    id TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    method TEXT NOT NULL,
    status_code INTEGER NOT NULL,
    headers_json TEXT NOT NULL DEFAULT '{}',
    body TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    created_ns INTEGER NOT NULL,
    updated_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mock_configs_key ON mock_configs(url, method, active);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) SaveRequestLog(entry *record.RequestLog) (*record.RequestLog, error) {
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

	headersJSON, err := json.Marshal(saved.Headers)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}

	var (
		respStatus  sql.NullInt64
		respHeaders sql.NullString
		respBody    sql.NullString
		respTime    sql.NullInt64
	)
	if saved.ResponseStatus != nil {
		respStatus = sql.NullInt64{Int64: int64(*saved.ResponseStatus), Valid: true}
		if saved.ResponseHeaders == nil {
			saved.ResponseHeaders = http.Header{}
		}
		raw, err := json.Marshal(saved.ResponseHeaders)
		if err != nil {
			return nil, fmt.Errorf("marshal response headers: %w", err)
		}
		respHeaders = sql.NullString{String: string(raw), Valid: true}
		if saved.ResponseBody != nil {
			respBody = sql.NullString{String: *saved.ResponseBody, Valid: true}
		}
		if saved.ResponseTimeMs != nil {
			respTime = sql.NullInt64{Int64: *saved.ResponseTimeMs, Valid: true}
		}
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, "INSERT INTO request_logs ("+logColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		saved.ID,
		saved.CreatedAt.UnixNano(),
		saved.URL,
		saved.Method,
		string(headersJSON),
		saved.Body,
		saved.RemoteAddr,
		saved.MockID,
		respStatus,
		respHeaders,
		respBody,
		respTime,
	)
	if err != nil {
		return nil, fmt.Errorf("insert request log: %w", err)
	}

	if err = s.prune(ctx, tx); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *sqliteStore) prune(ctx context.Context, tx *sql.Tx) error {
	if s.cfg.MaxRecords <= 0 {
		return nil
	}
	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM request_logs").Scan(&count); err != nil {
		return fmt.Errorf("count request logs: %w", err)
	}
	if excess := count - s.cfg.MaxRecords; excess > 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM request_logs WHERE id IN (SELECT id FROM request_logs ORDER BY rowid ASC LIMIT ?)", excess); err != nil {
			return fmt.Errorf("prune max records: %w", err)
		}
	}
	return nil
}

func (s *sqliteStore) CompleteRequestLog(id string, resp record.Response) (*record.RequestLog, error) {
	headers := resp.Headers
	if headers == nil {
		headers = http.Header{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("marshal response headers: %w", err)
	}
	elapsed := resp.ElapsedMs
	if elapsed < 0 {
		elapsed = 0
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		"UPDATE request_logs SET response_status = ?, response_headers_json = ?, response_body = ?, response_time_ms = ? WHERE id = ?",
		resp.Status, string(headersJSON), resp.Body, elapsed, id,
	)
	if err != nil {
		return nil, fmt.Errorf("complete request log: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		_ = tx.Rollback()
		s.log.Warn("request log to complete not found", "log_id", id)
		return nil, nil
	}

	updated, err := scanRequestLog(tx.QueryRowContext(ctx, "SELECT "+logColumns+" FROM request_logs WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("reload request log: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *sqliteStore) ListRequestLogs(opts ListOptions) ([]*record.RequestLog, int, error) {
	ctx := context.Background()
	where, args := buildFilters(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM request_logs "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := strings.Builder{}
	query.WriteString("SELECT " + logColumns + " FROM request_logs ")
	query.WriteString(where)
	query.WriteString(" ORDER BY created_ns DESC, rowid DESC")

	listArgs := append([]interface{}{}, args...)
	if opts.Limit > 0 {
		offset := opts.Offset
		if offset < 0 {
			offset = 0
		}
		query.WriteString(" LIMIT ? OFFSET ?")
		listArgs = append(listArgs, opts.Limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	result := make([]*record.RequestLog, 0)
	for rows.Next() {
		entry, err := scanRequestLog(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (s *sqliteStore) IterateRequestLogs(opts ListOptions, fn func(*record.RequestLog) bool) error {
	ctx := context.Background()
	where, args := buildFilters(opts)

	rows, err := s.db.QueryContext(ctx, "SELECT "+logColumns+" FROM request_logs "+where+" ORDER BY created_ns DESC, rowid DESC", args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanRequestLog(rows)
		if err != nil {
			return err
		}
		if !fn(entry) {
			break
		}
	}
	return rows.Err()
}

func (s *sqliteStore) GetRequestLog(id string) (*record.RequestLog, error) {
	row := s.db.QueryRowContext(context.Background(), "SELECT "+logColumns+" FROM request_logs WHERE id = ?", id)
	entry, err := scanRequestLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *sqliteStore) ClearRequestLogs() (int64, error) {
	res, err := s.db.ExecContext(context.Background(), "DELETE FROM request_logs")
	if err != nil {
		return 0, fmt.Errorf("clear request logs: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) ClearRequestLogsOlderThan(days int) (int64, error) {
	return s.ClearRequestLogsBefore(cutoffForDays(days, time.Now()))
}

func (s *sqliteStore) ClearRequestLogsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(context.Background(), "DELETE FROM request_logs WHERE created_ns < ?", cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("clear old request logs: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) SaveMockConfig(input record.MockInput) (*record.MockConfig, error) {
	now := time.Now().UTC()
	mock := &record.MockConfig{
		ID:         uuid.NewString(),
		URL:        input.URL,
		Method:     input.Method,
		StatusCode: input.StatusCode,
		Headers:    input.Headers,
		Body:       input.Body,
		Active:     input.Active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if mock.Headers == nil {
		mock.Headers = map[string]string{}
	}
	mock = mock.Clone()

	headersJSON, err := json.Marshal(mock.Headers)
	if err != nil {
		return nil, fmt.Errorf("marshal mock headers: %w", err)
	}

	_, err = s.db.ExecContext(context.Background(), "INSERT INTO mock_configs ("+mockColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		mock.ID,
		mock.URL,
		mock.Method,
		mock.StatusCode,
		string(headersJSON),
		mock.Body,
		boolToInt(mock.Active),
		now.UnixNano(),
		now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert mock config: %w", err)
	}
	return mock, nil
}

func (s *sqliteStore) UpdateMockConfig(id string, patch record.MockPatch) (bool, error) {
	if patch.Empty() {
		return false, nil
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := scanMockConfig(tx.QueryRowContext(ctx, "SELECT "+mockColumns+" FROM mock_configs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		err = nil
		_ = tx.Rollback()
		return false, nil
	}
	if err != nil {
		return false, err
	}

	patch.ApplyTo(current)
	current.UpdatedAt = time.Now().UTC()

	headersJSON, err := json.Marshal(current.Headers)
	if err != nil {
		return false, fmt.Errorf("marshal mock headers: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE mock_configs SET url = ?, method = ?, status_code = ?, headers_json = ?, body = ?, active = ?, updated_ns = ? WHERE id = ?",
		current.URL,
		current.Method,
		current.StatusCode,
		string(headersJSON),
		current.Body,
		boolToInt(current.Active),
		current.UpdatedAt.UnixNano(),
		id,
	)
	if err != nil {
		return false, fmt.Errorf("update mock config: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) ListMockConfigs(activeOnly bool) ([]*record.MockConfig, error) {
	query := "SELECT " + mockColumns + " FROM mock_configs"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY created_ns DESC, rowid DESC"

	rows, err := s.db.QueryContext(context.Background(), query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*record.MockConfig, 0)
	for rows.Next() {
		mock, err := scanMockConfig(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, mock)
	}
	return result, rows.Err()
}

func (s *sqliteStore) GetMockConfig(id string) (*record.MockConfig, error) {
	mock, err := scanMockConfig(s.db.QueryRowContext(context.Background(), "SELECT "+mockColumns+" FROM mock_configs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return mock, nil
}

func (s *sqliteStore) FindActiveMock(url, method string) (*record.MockConfig, error) {
	row := s.db.QueryRowContext(context.Background(),
		"SELECT "+mockColumns+" FROM mock_configs WHERE url = ? AND method = ? AND active = 1 ORDER BY created_ns DESC, rowid DESC LIMIT 1",
		url, method,
	)
	mock, err := scanMockConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return mock, nil
}

func (s *sqliteStore) DeleteMockConfig(id string) (bool, error) {
	res, err := s.db.ExecContext(context.Background(), "DELETE FROM mock_configs WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete mock config: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequestLog(scanner rowScanner) (*record.RequestLog, error) {
	var (
		id          string
		createdNs   int64
		url         string
		method      string
		headersJSON sql.NullString
		body        sql.NullString
		remote      sql.NullString
		mockID      sql.NullString
		respStatus  sql.NullInt64
		respHeaders sql.NullString
		respBody    sql.NullString
		respTime    sql.NullInt64
	)

	if err := scanner.Scan(
		&id,
		&createdNs,
		&url,
		&method,
		&headersJSON,
		&body,
		&remote,
		&mockID,
		&respStatus,
		&respHeaders,
		&respBody,
		&respTime,
	); err != nil {
		return nil, err
	}

	entry := &record.RequestLog{
		ID:         id,
		URL:        url,
		Method:     method,
		Headers:    decodeHeader(headersJSON),
		Body:       body.String,
		RemoteAddr: remote.String,
		MockID:     mockID.String,
		CreatedAt:  time.Unix(0, createdNs).UTC(),
	}
	if respStatus.Valid {
		status := int(respStatus.Int64)
		entry.ResponseStatus = &status
		entry.ResponseHeaders = decodeHeader(respHeaders)
		respBodyValue := respBody.String
		entry.ResponseBody = &respBodyValue
		elapsed := respTime.Int64
		entry.ResponseTimeMs = &elapsed
	}
	return entry, nil
}

func scanMockConfig(scanner rowScanner) (*record.MockConfig, error) {
	var (
		mock        record.MockConfig
		headersJSON string
		active      int64
		createdNs   int64
		updatedNs   int64
	)
	if err := scanner.Scan(
		&mock.ID,
		&mock.URL,
		&mock.Method,
		&mock.StatusCode,
		&headersJSON,
		&mock.Body,
		&active,
		&createdNs,
		&updatedNs,
	); err != nil {
		return nil, err
	}

	mock.Headers = map[string]string{}
	if headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &mock.Headers); err != nil {
			mock.Headers = map[string]string{}
		}
	}
	mock.Active = active == 1
	mock.CreatedAt = time.Unix(0, createdNs).UTC()
	mock.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return &mock, nil
}

func decodeHeader(raw sql.NullString) http.Header {
	header := http.Header{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &header); err != nil {
			return http.Header{}
		}
	}
	return header
}

func buildFilters(opts ListOptions) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if method := strings.TrimSpace(opts.Method); method != "" {
		clauses = append(clauses, "UPPER(method) = UPPER(?)")
		args = append(args, method)
	}

	if search := strings.TrimSpace(strings.ToLower(opts.Search)); search != "" {
		like := fmt.Sprintf("%%%s%%", search)
		clauses = append(clauses, "(LOWER(url) LIKE ? OR LOWER(remote_addr) LIKE ? OR LOWER(headers_json) LIKE ?)")
		args = append(args, like, like, like)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
