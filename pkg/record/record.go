package record

import (
	"net/http"
	"time"
)

// RequestLog is one proxied or mocked request/response exchange.
//
// A log without a response status is pending. The response fields are set
// exactly once, either when the log is created on the mock path or when the
// upstream response finishes on the forward path.
type RequestLog struct {
	ID         string      `json:"id"`
	URL        string      `json:"url"`
	Method     string      `json:"method"`
	Headers    http.Header `json:"headers"`
	Body       string      `json:"body"`
	RemoteAddr string      `json:"remoteAddr,omitempty"`
	MockID     string      `json:"mockId,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`

	ResponseStatus  *int        `json:"responseStatus,omitempty"`
	ResponseHeaders http.Header `json:"responseHeaders,omitempty"`
	ResponseBody    *string     `json:"responseBody,omitempty"`
	ResponseTimeMs  *int64      `json:"responseTimeMs,omitempty"`
}

// Response holds the fields that complete a pending RequestLog.
type Response struct {
	Status    int
	Headers   http.Header
	Body      string
	ElapsedMs int64
}

// Pending reports whether the log is still waiting for its response.
func (l *RequestLog) Pending() bool {
	return l == nil || l.ResponseStatus == nil
}

// Mocked reports whether the exchange was served from a mock definition.
func (l *RequestLog) Mocked() bool {
	return l != nil && l.MockID != ""
}

// Apply copies the response fields onto the log.
func (l *RequestLog) Apply(resp Response) {
	status := resp.Status
	body := resp.Body
	elapsed := resp.ElapsedMs
	if elapsed < 0 {
		elapsed = 0
	}
	headers := resp.Headers
	if headers == nil {
		headers = http.Header{}
	}

	l.ResponseStatus = &status
	l.ResponseHeaders = headers.Clone()
	l.ResponseBody = &body
	l.ResponseTimeMs = &elapsed
}

// Clone returns a deep copy so callers can hand records across goroutines.
func (l *RequestLog) Clone() *RequestLog {
	if l == nil {
		return nil
	}
	out := *l
	out.Headers = l.Headers.Clone()
	out.ResponseHeaders = l.ResponseHeaders.Clone()
	if l.ResponseStatus != nil {
		v := *l.ResponseStatus
		out.ResponseStatus = &v
	}
	if l.ResponseBody != nil {
		v := *l.ResponseBody
		out.ResponseBody = &v
	}
	if l.ResponseTimeMs != nil {
		v := *l.ResponseTimeMs
		out.ResponseTimeMs = &v
	}
	return &out
}

// NewRequestLog captures the inbound request before any forwarding decision.
// url is the request URI as received (path plus query).
func NewRequestLog(r *http.Request, body []byte) *RequestLog {
	return &RequestLog{
		URL:        r.URL.RequestURI(),
		Method:     r.Method,
		Headers:    r.Header.Clone(),
		Body:       string(body),
		RemoteAddr: ClientIP(r),
		CreatedAt:  time.Now().UTC(),
	}
}

// ClientIP gets the client address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for idx := 0; idx < len(xff); idx++ {
			if xff[idx] == ',' {
				return xff[:idx]
			}
		}
		return xff
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if idx := len(r.RemoteAddr) - 1; idx >= 0 && r.RemoteAddr[idx] >= '0' && r.RemoteAddr[idx] <= '9' {
		for i := idx; i >= 0; i-- {
			if r.RemoteAddr[i] == ':' {
				return r.RemoteAddr[:i]
			}
		}
	}

	return r.RemoteAddr
}
