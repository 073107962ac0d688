package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/funnyzak/mockproxy/internal/config"
	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/internal/mock"
	"github.com/funnyzak/mockproxy/internal/storage"
	"github.com/funnyzak/mockproxy/pkg/record"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
	recentLogCount   = 5
	maxPayloadBytes  = 1 << 20
	contentTypeJSON  = "application/json"
)

// Realtime is the push side of the dashboard.
type Realtime interface {
	ServeSSE(http.ResponseWriter, *http.Request)
	ServeWS(http.ResponseWriter, *http.Request)
	Count() int
	Stats() (delivered, dropped uint64)
}

// Service serves the dashboard JSON API.
type Service struct {
	cfg      *config.Config
	logger   logger.Logger
	store    storage.Store
	mocks    *mock.Service
	realtime Realtime
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type pageMeta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type idResponse struct {
	ID string `json:"id"`
}

type removedResponse struct {
	Removed int64 `json:"removed"`
}

type statsResponse struct {
	TotalLogs   int                  `json:"totalLogs"`
	TotalMocks  int                  `json:"totalMocks"`
	ActiveMocks int                  `json:"activeMocks"`
	RecentLogs  []*record.RequestLog `json:"recentLogs"`
	Realtime    realtimeStats        `json:"realtime"`
}

type realtimeStats struct {
	Observers int    `json:"observers"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

type configResponse struct {
	Proxy struct {
		Port   int    `json:"port"`
		Target string `json:"target"`
		Secure bool   `json:"secure"`
	} `json:"proxy"`
	Dashboard struct {
		Port    int    `json:"port"`
		APIPath string `json:"apiPath"`
	} `json:"dashboard"`
	HTTPS struct {
		Enabled  bool   `json:"enabled"`
		CertPath string `json:"certPath"`
		KeyPath  string `json:"keyPath"`
	} `json:"https"`
}

// NewService creates the dashboard API.
func NewService(cfg *config.Config, store storage.Store, mocks *mock.Service, realtime Realtime, log logger.Logger) *Service {
	return &Service{
		cfg:      cfg,
		logger:   log,
		store:    store,
		mocks:    mocks,
		realtime: realtime,
	}
}

// Handler returns a router with every API route mounted under the
// configured api path.
func (s *Service) Handler() http.Handler {
	router := mux.NewRouter()
	s.RegisterRoutes(router)
	return router
}

// RegisterRoutes wires HTTP routes into the provided router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.Use(corsMiddleware)

	api := router.PathPrefix(normalizePath(s.cfg.Dashboard.APIPath)).Subrouter()

	api.HandleFunc("/logs", s.handleListLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.handleClearLogs).Methods(http.MethodDelete)
	api.HandleFunc("/logs/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/logs/export", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/logs/{id}", s.handleGetLog).Methods(http.MethodGet)
	api.HandleFunc("/logs/{id}/create-mock", s.handleCreateMockFromLog).Methods(http.MethodPost)
	api.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)

	api.HandleFunc("/mocks", s.handleListMocks).Methods(http.MethodGet)
	api.HandleFunc("/mocks", s.handleCreateMock).Methods(http.MethodPost)
	api.HandleFunc("/mocks/{id}", s.handleGetMock).Methods(http.MethodGet)
	api.HandleFunc("/mocks/{id}", s.handleUpdateMock).Methods(http.MethodPut)
	api.HandleFunc("/mocks/{id}", s.handleDeleteMock).Methods(http.MethodDelete)
	api.HandleFunc("/mocks/{id}/toggle", s.handleToggleMock).Methods(http.MethodPost)

	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)

	api.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.fail(w, http.StatusNotFound, "route not found")
	})
}

func (s *Service) handleListLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := parseIntDefault(query.Get("limit"), defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	} else if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := parseIntDefault(query.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	items, total, err := s.store.ListRequestLogs(storage.ListOptions{
		Search: query.Get("search"),
		Method: query.Get("method"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.internalError(w, "list logs", err)
		return
	}
	if items == nil {
		items = []*record.RequestLog{}
	}
	s.respondJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    items,
		Meta:    pageMeta{Total: total, Limit: limit, Offset: offset},
	})
}

func (s *Service) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entry, err := s.store.GetRequestLog(id)
	if err != nil {
		s.internalError(w, "get log", err)
		return
	}
	if entry == nil {
		s.fail(w, http.StatusNotFound, "log not found")
		return
	}
	s.ok(w, http.StatusOK, entry)
}

func (s *Service) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(w, http.StatusBadRequest, "days must be an integer")
			return
		}
		days = parsed
	}

	var (
		removed int64
		err     error
	)
	if days > 0 {
		removed, err = s.store.ClearRequestLogsOlderThan(days)
	} else {
		removed, err = s.store.ClearRequestLogs()
	}
	if err != nil {
		s.internalError(w, "clear logs", err)
		return
	}
	s.logger.Info("request logs cleared", "days", days, "removed", removed)
	s.ok(w, http.StatusOK, removedResponse{Removed: removed})
}

func (s *Service) handleCreateMockFromLog(w http.ResponseWriter, r *http.Request) {
	created, err := s.mocks.CreateFromLog(mux.Vars(r)["id"])
	switch {
	case errors.Is(err, mock.ErrNotFound):
		s.fail(w, http.StatusBadRequest, "log not found")
	case errors.Is(err, mock.ErrLogIncomplete):
		s.fail(w, http.StatusBadRequest, "log has no response yet")
	case err != nil:
		s.internalError(w, "create mock from log", err)
	default:
		s.ok(w, http.StatusCreated, idResponse{ID: created.ID})
	}
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	s.realtime.ServeSSE(w, r)
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	s.realtime.ServeWS(w, r)
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = "json"
	}
	contentType, ext, err := DescribeFormat(format)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := storage.ListOptions{
		Search: r.URL.Query().Get("search"),
		Method: r.URL.Query().Get("method"),
	}
	filename := fmt.Sprintf("mockproxy_logs_%d.%s", time.Now().Unix(), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)

	iter := func(yield func(*record.RequestLog) bool) error {
		return s.store.IterateRequestLogs(opts, yield)
	}
	if _, _, err := StreamExport(w, iter, format); err != nil {
		s.logger.Error("Export failed", "error", err, "format", format)
	}
}

func (s *Service) handleListMocks(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	items, err := s.mocks.List(activeOnly)
	if err != nil {
		s.internalError(w, "list mocks", err)
		return
	}
	if items == nil {
		items = []*record.MockConfig{}
	}
	s.ok(w, http.StatusOK, items)
}

func (s *Service) handleGetMock(w http.ResponseWriter, r *http.Request) {
	found, err := s.mocks.Get(mux.Vars(r)["id"])
	if err != nil {
		s.mockError(w, "get mock", err)
		return
	}
	s.ok(w, http.StatusOK, found)
}

func (s *Service) handleCreateMock(w http.ResponseWriter, r *http.Request) {
	var draft mock.Draft
	if !s.decode(w, r, &draft) {
		return
	}
	created, err := s.mocks.Create(draft)
	if err != nil {
		s.mockError(w, "create mock", err)
		return
	}
	s.ok(w, http.StatusCreated, idResponse{ID: created.ID})
}

func (s *Service) handleUpdateMock(w http.ResponseWriter, r *http.Request) {
	var changes mock.Changes
	if !s.decode(w, r, &changes) {
		return
	}
	updated, err := s.mocks.Update(mux.Vars(r)["id"], changes)
	if err != nil {
		s.mockError(w, "update mock", err)
		return
	}
	s.ok(w, http.StatusOK, updated)
}

func (s *Service) handleDeleteMock(w http.ResponseWriter, r *http.Request) {
	if err := s.mocks.Delete(mux.Vars(r)["id"]); err != nil {
		s.mockError(w, "delete mock", err)
		return
	}
	s.respondJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Service) handleToggleMock(w http.ResponseWriter, r *http.Request) {
	toggled, err := s.mocks.Toggle(mux.Vars(r)["id"])
	if err != nil {
		s.mockError(w, "toggle mock", err)
		return
	}
	s.ok(w, http.StatusOK, toggled)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	recent, total, err := s.store.ListRequestLogs(storage.ListOptions{Limit: recentLogCount})
	if err != nil {
		s.internalError(w, "stats logs", err)
		return
	}
	mocks, err := s.mocks.List(false)
	if err != nil {
		s.internalError(w, "stats mocks", err)
		return
	}
	active := 0
	for _, m := range mocks {
		if m.Active {
			active++
		}
	}
	if recent == nil {
		recent = []*record.RequestLog{}
	}

	delivered, dropped := s.realtime.Stats()
	s.ok(w, http.StatusOK, statsResponse{
		TotalLogs:   total,
		TotalMocks:  len(mocks),
		ActiveMocks: active,
		RecentLogs:  recent,
		Realtime: realtimeStats{
			Observers: s.realtime.Count(),
			Delivered: delivered,
			Dropped:   dropped,
		},
	})
}

func (s *Service) handleConfig(w http.ResponseWriter, r *http.Request) {
	var resp configResponse
	resp.Proxy.Port = s.cfg.Proxy.Port
	resp.Proxy.Target = s.cfg.Proxy.Target
	resp.Proxy.Secure = s.cfg.Proxy.Secure
	resp.Dashboard.Port = s.cfg.Dashboard.Port
	resp.Dashboard.APIPath = normalizePath(s.cfg.Dashboard.APIPath)
	resp.HTTPS.Enabled = s.cfg.TLS.Enable
	resp.HTTPS.CertPath = s.cfg.TLS.CertPath
	resp.HTTPS.KeyPath = s.cfg.TLS.KeyPath
	s.ok(w, http.StatusOK, resp)
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxPayloadBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return false
	}
	return true
}

func (s *Service) mockError(w http.ResponseWriter, op string, err error) {
	var verr *mock.ValidationError
	switch {
	case errors.Is(err, mock.ErrNotFound):
		s.fail(w, http.StatusNotFound, "mock not found")
	case errors.As(err, &verr):
		s.fail(w, http.StatusBadRequest, verr.Error())
	default:
		s.internalError(w, op, err)
	}
}

func (s *Service) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("Dashboard request failed", "op", op, "error", err)
	s.fail(w, http.StatusInternalServerError, err.Error())
}

func (s *Service) ok(w http.ResponseWriter, status int, data interface{}) {
	s.respondJSON(w, status, envelope{Success: true, Data: data})
}

func (s *Service) fail(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, envelope{Success: false, Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return def
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
