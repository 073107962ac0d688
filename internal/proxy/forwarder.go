package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/funnyzak/mockproxy/internal/logger"
)

// ErrForwarderClosed indicates the forwarder has been shut down.
var ErrForwarderClosed = errors.New("forwarder is closed")

// Options forwarder configuration
type Options struct {
	Target string
	// Secure verifies the upstream TLS certificate
	Secure                bool
	Timeout               time.Duration
	MaxConcurrent         int
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	PathStrategy          PathStrategyOptions
}

// Forwarder relays requests to a single upstream target
type Forwarder struct {
	client       *http.Client
	logger       logger.Logger
	target       *url.URL
	slots        *semaphore.Weighted
	pathStrategy *pathStrategy
	mu           sync.Mutex
	cond         *sync.Cond
	closed       bool
	activeCalls  int
}

// NewForwarder creates a forwarder for opts.Target
func NewForwarder(log logger.Logger, opts Options) (*Forwarder, error) {
	target, err := url.Parse(strings.TrimSpace(opts.Target))
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("target %q must use http or https", opts.Target)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("target %q has no host", opts.Target)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 64
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          positiveOrDefault(opts.MaxIdleConns, 200),
		MaxIdleConnsPerHost:   positiveOrDefault(opts.MaxIdleConnsPerHost, opts.MaxConcurrent),
		IdleConnTimeout:       durationOrDefault(opts.IdleConnTimeout, 90*time.Second),
		ResponseHeaderTimeout: opts.Timeout,
		TLSHandshakeTimeout:   durationOrDefault(opts.TLSHandshakeTimeout, 10*time.Second),
		ExpectContinueTimeout: durationOrDefault(opts.ExpectContinueTimeout, time.Second),
		// The client sees exactly what the upstream encoded.
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !opts.Secure, //nolint:gosec // opt-in via proxy.secure
		},
	}

	f := &Forwarder{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:       log,
		target:       target,
		slots:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		pathStrategy: newPathStrategy(opts.PathStrategy, log),
	}
	f.cond = sync.NewCond(&f.mu)
	return f, nil
}

// Target returns the upstream base URL.
func (f *Forwarder) Target() string {
	return f.target.String()
}

// Do sends r upstream with body in place of r.Body. The caller must close
// the returned response body; doing so releases the concurrency slot.
func (f *Forwarder) Do(ctx context.Context, r *http.Request, body []byte) (*http.Response, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrForwarderClosed
	}
	f.activeCalls++
	f.mu.Unlock()

	if err := f.slots.Acquire(ctx, 1); err != nil {
		f.done()
		return nil, err
	}
	release := func() {
		f.slots.Release(1)
		f.done()
	}

	req, err := f.buildRequest(ctx, r, body)
	if err != nil {
		release()
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		release()
		return nil, fmt.Errorf("request failed: %w", err)
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

func (f *Forwarder) buildRequest(ctx context.Context, r *http.Request, body []byte) (*http.Request, error) {
	inPath := r.URL.EscapedPath()
	resolvedPath, appliedRule := f.pathStrategy.resolve(inPath)

	targetURL := strings.TrimSuffix(f.target.String(), "/") + resolvedPath
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}
	if appliedRule != "" {
		f.logger.Debug("Forward path strategy applied",
			"rule", appliedRule,
			"original_path", inPath,
			"resolved_path", resolvedPath,
			"url", targetURL,
		)
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}

	// Host is left to the target URL.
	copyHeaders(req.Header, r.Header)
	removeHopByHopHeaders(req.Header)
	req.Header.Del("Content-Length")
	req.ContentLength = int64(len(body))
	return req, nil
}

func (f *Forwarder) done() {
	f.mu.Lock()
	f.activeCalls--
	if f.activeCalls == 0 {
		f.cond.Broadcast()
	}
	f.mu.Unlock()
}

// Close waits for in-flight calls and drops idle upstream connections.
func (f *Forwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for f.activeCalls > 0 {
		f.cond.Wait()
	}
	f.mu.Unlock()

	if transport, ok := f.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

type releasingBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

func positiveOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

func durationOrDefault(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}
