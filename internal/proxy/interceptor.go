package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/pkg/record"
)

// LogWriter persists request logs.
type LogWriter interface {
	SaveRequestLog(*record.RequestLog) (*record.RequestLog, error)
	CompleteRequestLog(id string, resp record.Response) (*record.RequestLog, error)
}

// Matcher finds the mock answering a (url, method) pair.
type Matcher interface {
	Match(url, method string) *record.MockConfig
}

// Upstream sends a request to the proxied server.
type Upstream interface {
	Do(ctx context.Context, r *http.Request, body []byte) (*http.Response, error)
	Target() string
}

// InterceptorOptions tunes request handling.
type InterceptorOptions struct {
	// MaxBodyBytes rejects larger request bodies with 413. Zero disables the limit.
	MaxBodyBytes int64
	// MaxCaptureBytes caps the response body kept in the log. Zero keeps all.
	MaxCaptureBytes int64
	Filter          *LogFilter
}

// Interceptor answers requests from a matching mock or forwards them
// upstream, recording the exchange.
type Interceptor struct {
	logs     LogWriter
	matcher  Matcher
	upstream Upstream
	logger   logger.Logger
	opts     InterceptorOptions
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewInterceptor creates the proxy handler.
func NewInterceptor(logs LogWriter, matcher Matcher, upstream Upstream, log logger.Logger, opts InterceptorOptions) *Interceptor {
	return &Interceptor{
		logs:     logs,
		matcher:  matcher,
		upstream: upstream,
		logger:   log,
		opts:     opts,
	}
}

// ServeHTTP implements http.Handler.
func (h *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	body, err := h.readBody(w, r)
	if err != nil {
		h.handleBodyReadError(w, err)
		return
	}

	entry := record.NewRequestLog(r, body)
	if mock := h.matcher.Match(entry.URL, entry.Method); mock != nil {
		h.serveMock(w, entry, mock)
		return
	}
	h.forward(w, r, entry, body, started)
}

func (h *Interceptor) serveMock(w http.ResponseWriter, entry *record.RequestLog, mock *record.MockConfig) {
	headers := make(http.Header, len(mock.Headers))
	for key, value := range mock.Headers {
		if key != "" {
			headers.Set(key, value)
		}
	}

	entry.MockID = mock.ID
	entry.Apply(record.Response{
		Status:  mock.StatusCode,
		Headers: headers,
		Body:    mock.Body,
	})
	if _, err := h.logs.SaveRequestLog(entry); err != nil {
		h.logger.Error("Failed to persist mocked request", "error", err, "url", entry.URL, "mock_id", mock.ID)
	}

	h.logger.Debug("Mock response applied",
		"mock_id", mock.ID,
		"method", entry.Method,
		"url", entry.URL,
		"status", mock.StatusCode,
	)

	copyHeaders(w.Header(), headers)
	w.WriteHeader(mock.StatusCode)
	if mock.Body != "" {
		if _, err := io.WriteString(w, mock.Body); err != nil {
			h.logger.Debug("Client went away during mock response", "error", err, "url", entry.URL)
		}
	}
}

func (h *Interceptor) forward(w http.ResponseWriter, r *http.Request, entry *record.RequestLog, body []byte, started time.Time) {
	var saved *record.RequestLog
	if h.opts.Filter.Loggable(r.URL.Path) {
		var err error
		saved, err = h.logs.SaveRequestLog(entry)
		if err != nil {
			h.logger.Error("Failed to persist request", "error", err, "url", entry.URL)
			saved = nil
		}
	}

	resp, err := h.upstream.Do(r.Context(), r, body)
	if err != nil {
		if ctxErr := r.Context().Err(); ctxErr != nil {
			h.logger.Debug("Client cancelled request", "url", entry.URL, "error", ctxErr)
			return
		}
		h.logger.Error("Proxy error",
			"error", err,
			"method", entry.Method,
			"url", entry.URL,
			"target", h.upstream.Target(),
		)
		writeJSONError(w, http.StatusInternalServerError, "Proxy error", err.Error())
		return
	}
	defer resp.Body.Close()

	elapsed := time.Since(started).Milliseconds()

	removeHopByHopHeaders(resp.Header)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	capture := newCaptureBuffer(h.opts.MaxCaptureBytes)
	if err := streamBody(w, io.TeeReader(resp.Body, capture)); err != nil {
		h.logger.Warn("Response stream interrupted", "error", err, "url", entry.URL)
		return
	}

	if saved == nil {
		return
	}
	if capture.Truncated() {
		h.logger.Debug("Captured response body truncated", "url", entry.URL, "limit_bytes", h.opts.MaxCaptureBytes)
	}
	if _, err := h.logs.CompleteRequestLog(saved.ID, record.Response{
		Status:    resp.StatusCode,
		Headers:   resp.Header.Clone(),
		Body:      capture.String(),
		ElapsedMs: elapsed,
	}); err != nil {
		h.logger.Error("Failed to complete request log", "error", err, "id", saved.ID)
	}
}

// streamBody copies src to w, flushing after each chunk so streamed
// responses reach the client as they arrive.
func streamBody(w http.ResponseWriter, src io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (h *Interceptor) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	reader := io.Reader(r.Body)
	if h.opts.MaxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	}
	return io.ReadAll(reader)
}

func (h *Interceptor) handleBodyReadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.logger.Warn("Request body exceeds configured limit", "limit_bytes", h.opts.MaxBodyBytes)
		writeJSONError(w, http.StatusRequestEntityTooLarge, "Payload too large", err.Error())
		return
	}
	h.logger.Error("Failed to read request body", "error", err)
	writeJSONError(w, http.StatusBadRequest, "Bad request", err.Error())
}

func writeJSONError(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: title, Message: message})
}
