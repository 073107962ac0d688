package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/funnyzak/mockproxy/internal/config"
	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/internal/mock"
	"github.com/funnyzak/mockproxy/internal/storage"
	"github.com/funnyzak/mockproxy/pkg/record"
)

type fakeRealtime struct {
	sseCalls int
	wsCalls  int
}

func (f *fakeRealtime) ServeSSE(w http.ResponseWriter, r *http.Request) {
	f.sseCalls++
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

func (f *fakeRealtime) ServeWS(w http.ResponseWriter, r *http.Request) {
	f.wsCalls++
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (f *fakeRealtime) Count() int                         { return 2 }
func (f *fakeRealtime) Stats() (delivered, dropped uint64) { return 7, 1 }

type apiFixture struct {
	store    storage.Store
	realtime *fakeRealtime
	handler  http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log := logger.Nop()
	store := storage.NewMemoryStore(0, log)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Proxy:     config.ProxyConfig{Port: 3333, Target: "http://localhost:3000"},
		Dashboard: config.DashboardConfig{Port: 3001, APIPath: "/api"},
		TLS:       config.TLSConfig{CertPath: "certs/cert.pem", KeyPath: "certs/key.pem"},
	}
	rt := &fakeRealtime{}
	svc := NewService(cfg, store, mock.NewService(store, log), rt, log)
	return &apiFixture{store: store, realtime: rt, handler: svc.Handler()}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Error   string          `json:"error"`
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (int, apiResponse) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	var resp apiResponse
	if ct := rr.Header().Get("Content-Type"); strings.HasPrefix(ct, contentTypeJSON) {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s %s: invalid JSON %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr.Code, resp
}

func (f *apiFixture) saveLog(t *testing.T, url string, status int, createdAt time.Time) *record.RequestLog {
	t.Helper()
	entry := &record.RequestLog{URL: url, Method: "GET", Headers: http.Header{}, CreatedAt: createdAt}
	if status > 0 {
		entry.Apply(record.Response{Status: status, Headers: http.Header{"Content-Type": {"application/json"}, "Date": {"x"}}, Body: `{"ok":true}`, ElapsedMs: 8})
	}
	saved, err := f.store.SaveRequestLog(entry)
	if err != nil {
		t.Fatalf("save log: %v", err)
	}
	return saved
}

func TestMockCRUD(t *testing.T) {
	f := newAPIFixture(t)

	code, resp := f.do(t, http.MethodPost, "/api/mocks", `{"url":"/api/user","method":"get","statusCode":200,"headers":{"X-A":1},"body":"hi"}`)
	if code != http.StatusCreated || !resp.Success {
		t.Fatalf("create: %d %+v", code, resp)
	}
	var created idResponse
	json.Unmarshal(resp.Data, &created)
	if created.ID == "" {
		t.Fatal("expected id in create response")
	}

	code, resp = f.do(t, http.MethodGet, "/api/mocks/"+created.ID, "")
	var got record.MockConfig
	json.Unmarshal(resp.Data, &got)
	if code != http.StatusOK || got.Method != "GET" || got.Headers["X-A"] != "1" || !got.Active {
		t.Fatalf("get: %d %+v", code, got)
	}

	code, resp = f.do(t, http.MethodPut, "/api/mocks/"+created.ID, `{"statusCode":418}`)
	json.Unmarshal(resp.Data, &got)
	if code != http.StatusOK || got.StatusCode != 418 || got.Body != "hi" {
		t.Fatalf("update: %d %+v", code, got)
	}

	code, resp = f.do(t, http.MethodPost, "/api/mocks/"+created.ID+"/toggle", "")
	json.Unmarshal(resp.Data, &got)
	if code != http.StatusOK || got.Active {
		t.Fatalf("toggle: %d %+v", code, got)
	}

	code, resp = f.do(t, http.MethodGet, "/api/mocks?active=true", "")
	var list []record.MockConfig
	json.Unmarshal(resp.Data, &list)
	if code != http.StatusOK || len(list) != 0 {
		t.Fatalf("active list: %d %d", code, len(list))
	}

	if code, _ = f.do(t, http.MethodDelete, "/api/mocks/"+created.ID, ""); code != http.StatusOK {
		t.Fatalf("delete: %d", code)
	}
	if code, resp = f.do(t, http.MethodGet, "/api/mocks/"+created.ID, ""); code != http.StatusNotFound || resp.Success {
		t.Fatalf("get after delete: %d %+v", code, resp)
	}
}

func TestMockValidationAndMissing(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/api/mocks", `{"url":"/x","method":"GET"}`, http.StatusBadRequest},
		{http.MethodPost, "/api/mocks", `{"url":"x","method":"GET","statusCode":200}`, http.StatusBadRequest},
		{http.MethodPost, "/api/mocks", `{"url":"/x","method":"GET","statusCode":101}`, http.StatusBadRequest},
		{http.MethodPost, "/api/mocks", `{"url":"/x","method":"GET","statusCode":200,"headers":{"a":{"b":1}}}`, http.StatusBadRequest},
		{http.MethodPost, "/api/mocks", `not json`, http.StatusBadRequest},
		{http.MethodPut, "/api/mocks/missing", `{"body":"x"}`, http.StatusNotFound},
		{http.MethodDelete, "/api/mocks/missing", "", http.StatusNotFound},
		{http.MethodPost, "/api/mocks/missing/toggle", "", http.StatusNotFound},
		{http.MethodGet, "/api/nothing-here", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		code, resp := f.do(t, tc.method, tc.path, tc.body)
		if code != tc.want || resp.Success || resp.Error == "" {
			t.Errorf("%s %s: got %d %+v, want %d", tc.method, tc.path, code, resp, tc.want)
		}
	}

	created, _ := f.store.SaveMockConfig(record.MockInput{URL: "/y", Method: "GET", StatusCode: 200, Active: true})
	if code, _ := f.do(t, http.MethodPut, "/api/mocks/"+created.ID, `{}`); code != http.StatusNotFound {
		t.Fatalf("empty patch: expected 404, got %d", code)
	}
}

func TestListAndGetLogs(t *testing.T) {
	f := newAPIFixture(t)
	now := time.Now()
	for i := 0; i < 3; i++ {
		f.saveLog(t, "/l"+string(rune('a'+i)), 200, now.Add(time.Duration(i)*time.Second))
	}

	code, resp := f.do(t, http.MethodGet, "/api/logs?limit=2&offset=0", "")
	var logs []record.RequestLog
	json.Unmarshal(resp.Data, &logs)
	var meta pageMeta
	json.Unmarshal(resp.Meta, &meta)
	if code != http.StatusOK || len(logs) != 2 || meta.Total != 3 || meta.Limit != 2 {
		t.Fatalf("list: %d %d %+v", code, len(logs), meta)
	}
	if logs[0].URL != "/lc" {
		t.Fatalf("expected newest first, got %s", logs[0].URL)
	}

	_, resp = f.do(t, http.MethodGet, "/api/logs?limit=9999", "")
	json.Unmarshal(resp.Meta, &meta)
	if meta.Limit != maxListLimit {
		t.Fatalf("expected capped limit, got %d", meta.Limit)
	}

	for _, bad := range []string{"0", "-5", "abc"} {
		_, resp = f.do(t, http.MethodGet, "/api/logs?limit="+bad, "")
		meta = pageMeta{}
		json.Unmarshal(resp.Meta, &meta)
		if meta.Limit != defaultListLimit {
			t.Errorf("limit=%s: expected default %d, got %d", bad, defaultListLimit, meta.Limit)
		}
	}

	code, resp = f.do(t, http.MethodGet, "/api/logs/"+logs[1].ID, "")
	var one record.RequestLog
	json.Unmarshal(resp.Data, &one)
	if code != http.StatusOK || one.URL != "/lb" {
		t.Fatalf("get: %d %+v", code, one)
	}
	if code, _ = f.do(t, http.MethodGet, "/api/logs/absent", ""); code != http.StatusNotFound {
		t.Fatalf("expected 404 for absent log, got %d", code)
	}
}

func TestClearLogs(t *testing.T) {
	f := newAPIFixture(t)
	now := time.Now()
	f.saveLog(t, "/new", 200, now)
	f.saveLog(t, "/old", 200, now.Add(-10*24*time.Hour))

	if code, _ := f.do(t, http.MethodDelete, "/api/logs?days=abc", ""); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad days, got %d", code)
	}

	code, resp := f.do(t, http.MethodDelete, "/api/logs?days=7", "")
	var removed removedResponse
	json.Unmarshal(resp.Data, &removed)
	if code != http.StatusOK || removed.Removed != 1 {
		t.Fatalf("clear older: %d %+v", code, removed)
	}

	_, resp = f.do(t, http.MethodDelete, "/api/logs", "")
	json.Unmarshal(resp.Data, &removed)
	if removed.Removed != 1 {
		t.Fatalf("clear all: expected 1, got %d", removed.Removed)
	}
	_, resp = f.do(t, http.MethodDelete, "/api/logs?days=0", "")
	json.Unmarshal(resp.Data, &removed)
	if removed.Removed != 0 {
		t.Fatalf("second clear: expected 0, got %d", removed.Removed)
	}
}

func TestCreateMockFromLog(t *testing.T) {
	f := newAPIFixture(t)
	done := f.saveLog(t, "/api/user?id=1", 201, time.Time{})
	pending := f.saveLog(t, "/api/slow", 0, time.Time{})

	code, resp := f.do(t, http.MethodPost, "/api/logs/"+done.ID+"/create-mock", "")
	if code != http.StatusCreated {
		t.Fatalf("create-mock: %d %+v", code, resp)
	}
	var created idResponse
	json.Unmarshal(resp.Data, &created)
	m, _ := f.store.GetMockConfig(created.ID)
	if m == nil || m.URL != "/api/user?id=1" || m.StatusCode != 201 || m.Body != `{"ok":true}` || !m.Active {
		t.Fatalf("unexpected snapshot mock %+v", m)
	}
	if _, ok := m.Headers["Date"]; ok {
		t.Fatal("framing headers must not be copied")
	}

	if code, _ = f.do(t, http.MethodPost, "/api/logs/"+pending.ID+"/create-mock", ""); code != http.StatusBadRequest {
		t.Fatalf("pending log: expected 400, got %d", code)
	}
	if code, _ = f.do(t, http.MethodPost, "/api/logs/absent/create-mock", ""); code != http.StatusBadRequest {
		t.Fatalf("absent log: expected 400, got %d", code)
	}
}

func TestStatsAndConfig(t *testing.T) {
	f := newAPIFixture(t)
	for i := 0; i < 7; i++ {
		f.saveLog(t, "/s", 200, time.Time{})
	}
	f.store.SaveMockConfig(record.MockInput{URL: "/a", Method: "GET", StatusCode: 200, Active: true})
	f.store.SaveMockConfig(record.MockInput{URL: "/b", Method: "GET", StatusCode: 200, Active: false})

	code, resp := f.do(t, http.MethodGet, "/api/stats", "")
	var stats statsResponse
	json.Unmarshal(resp.Data, &stats)
	if code != http.StatusOK || stats.TotalLogs != 7 || len(stats.RecentLogs) != recentLogCount {
		t.Fatalf("stats logs: %d %+v", code, stats)
	}
	if stats.TotalMocks != 2 || stats.ActiveMocks != 1 || stats.Realtime.Observers != 2 || stats.Realtime.Dropped != 1 {
		t.Fatalf("stats counters: %+v", stats)
	}

	code, resp = f.do(t, http.MethodGet, "/api/config", "")
	var cfg configResponse
	json.Unmarshal(resp.Data, &cfg)
	if code != http.StatusOK || cfg.Proxy.Port != 3333 || cfg.Dashboard.APIPath != "/api" || cfg.HTTPS.CertPath != "certs/cert.pem" {
		t.Fatalf("config: %d %+v", code, cfg)
	}
}

func TestRealtimeRoutes(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodGet, "/api/logs/stream", "")
	f.do(t, http.MethodGet, "/api/ws", "")
	if f.realtime.sseCalls != 1 || f.realtime.wsCalls != 1 {
		t.Fatalf("expected realtime handlers to be reached, got sse=%d ws=%d", f.realtime.sseCalls, f.realtime.wsCalls)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/mocks", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected preflight response %d %v", rr.Code, rr.Header())
	}
}

func TestExportEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.saveLog(t, "/exported", 200, time.Time{})

	req := httptest.NewRequest(http.MethodGet, "/api/logs/export?format=csv", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "text/csv" {
		t.Fatalf("unexpected export response %d %s", rr.Code, rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), ".csv") || !strings.Contains(rr.Body.String(), "/exported") {
		t.Fatalf("unexpected export body %s", rr.Body.String())
	}

	if code, _ := f.do(t, http.MethodGet, "/api/logs/export?format=xml", ""); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for xml export, got %d", code)
	}
}

func TestStreamExportFormats(t *testing.T) {
	pending := &record.RequestLog{ID: "p", URL: "/p", Method: "POST", Body: "demo", CreatedAt: time.Unix(0, 0).UTC()}
	done := &record.RequestLog{ID: "d", URL: "/d", Method: "GET", MockID: "m1", CreatedAt: time.Unix(0, 0).UTC()}
	done.Apply(record.Response{Status: 202, Body: "ok"})
	items := []*record.RequestLog{pending, done}
	iter := func(yield func(*record.RequestLog) bool) error {
		for _, it := range items {
			if !yield(it) {
				break
			}
		}
		return nil
	}

	buf := &bytes.Buffer{}
	ct, ext, err := StreamExport(buf, iter, "json")
	if err != nil || ct != "application/json" || ext != "json" {
		t.Fatalf("json export: %s %s %v", ct, ext, err)
	}
	var decoded []record.RequestLog
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil || len(decoded) != 2 {
		t.Fatalf("json export not a valid array: %v %s", err, buf.String())
	}

	buf.Reset()
	if _, _, err := StreamExport(buf, iter, "csv"); err != nil {
		t.Fatalf("csv export: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "id,created_at,method,url") || !strings.Contains(buf.String(), ",202,") {
		t.Fatalf("unexpected csv %s", buf.String())
	}

	buf.Reset()
	if _, _, err := StreamExport(buf, iter, "txt"); err != nil {
		t.Fatalf("txt export: %v", err)
	}
	if !strings.Contains(buf.String(), "-- pending --") || !strings.Contains(buf.String(), "(mock m1)") {
		t.Fatalf("unexpected text export %s", buf.String())
	}

	buf.Reset()
	empty := func(func(*record.RequestLog) bool) error { return nil }
	if _, _, err := StreamExport(buf, empty, "json"); err != nil || strings.TrimSpace(buf.String()) != "[]" {
		t.Fatalf("empty json export: %q %v", buf.String(), err)
	}

	if _, _, err := StreamExport(&bytes.Buffer{}, empty, "xml"); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
