package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/funnyzak/mockproxy/internal/config"
	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/internal/storage"
	"github.com/funnyzak/mockproxy/pkg/record"
)

func testConfig(target string) *config.Config {
	return &config.Config{
		Proxy: config.ProxyConfig{
			Target:        target,
			Timeout:       5,
			MaxConcurrent: 8,
			MaxBodyBytes:  1 << 20,
			LogFilter: config.LogFilterConfig{
				IgnorePrefixes:   config.DefaultIgnorePrefixes,
				StaticExtensions: config.DefaultStaticExtensions,
			},
		},
		Dashboard: config.DashboardConfig{
			Enable:            true,
			APIPath:           "/api",
			HeartbeatInterval: time.Second,
			ObserverBuffer:    16,
		},
		Storage: config.StorageConfig{Driver: "memory"},
		Output:  config.OutputConfig{Silence: true},
	}
}

type runningServer struct {
	srv    *Server
	cancel context.CancelFunc
	errc   chan error
}

func startServer(t *testing.T, cfg *config.Config) *runningServer {
	t.Helper()
	srv, err := New(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errc:
		cancel()
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not become ready")
	}

	if srv.ProxyAddr() == nil {
		cancel()
		t.Fatalf("server failed to bind: %v", <-errc)
	}

	rs := &runningServer{srv: srv, cancel: cancel, errc: errc}
	t.Cleanup(rs.stop)
	return rs
}

func (rs *runningServer) stop() {
	rs.cancel()
	select {
	case <-rs.errc:
	case <-time.After(10 * time.Second):
	}
}

func localURL(addr net.Addr) string {
	return fmt.Sprintf("http://127.0.0.1:%d", addr.(*net.TCPAddr).Port)
}

func (rs *runningServer) proxyURL() string {
	return localURL(rs.srv.ProxyAddr())
}

func (rs *runningServer) apiURL() string {
	return localURL(rs.srv.DashboardAddr()) + "/api"
}

func TestServerEndToEnd(t *testing.T) {
	var upstreamCalls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
		io.WriteString(w, "from upstream")
	}))
	defer upstream.Close()

	rs := startServer(t, testConfig(upstream.URL))

	resp, err := http.Post(rs.apiURL()+"/mocks", "application/json",
		strings.NewReader(`{"url":"/api/user","method":"GET","statusCode":200,"body":"mocked"}`))
	if err != nil {
		t.Fatalf("create mock: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	for path, want := range map[string]string{"/api/user": "mocked", "/api/other": "from upstream"} {
		resp, err := http.Get(rs.proxyURL() + path)
		if err != nil {
			t.Fatalf("proxy request %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != want {
			t.Fatalf("%s: expected %q, got %q", path, want, body)
		}
	}
	if n := atomic.LoadInt32(&upstreamCalls); n != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", n)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(rs.apiURL() + "/logs")
		if err != nil {
			t.Fatalf("list logs: %v", err)
		}
		var payload struct {
			Data []record.RequestLog `json:"data"`
		}
		json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		complete := len(payload.Data) == 2
		for _, l := range payload.Data {
			complete = complete && l.ResponseStatus != nil
		}
		if complete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected two completed logs, got %+v", payload.Data)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServerStreamsEvents(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()

	rs := startServer(t, testConfig(upstream.URL))

	resp, err := http.Get(rs.apiURL() + "/logs/stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %s", ct)
	}

	lines := make(chan string, 1024)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	deadline := time.After(3 * time.Second)
	for rs.srv.hub.Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("stream observer never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	proxied, err := http.Get(rs.proxyURL() + "/brew")
	if err != nil {
		t.Fatalf("proxy request: %v", err)
	}
	proxied.Body.Close()

	seen := map[string]bool{}
	for !(seen["event: newLog"] && seen["event: logUpdate"]) {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed early, saw %v", seen)
			}
			seen[strings.TrimSpace(line)] = true
		case <-deadline:
			t.Fatalf("timed out waiting for events, saw %v", seen)
		}
	}
}

func TestServerSeedFileAndRetention(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "mocks.yaml")
	if err := os.WriteFile(seed, []byte("mocks:\n  - url: /seeded\n    method: GET\n    status_code: 202\n"), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	cfg := testConfig("http://127.0.0.1:1")
	cfg.Mocks.SeedFile = seed
	cfg.Storage.Retention = time.Hour
	srv, err := New(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	defer srv.store.Close()

	found, err := srv.store.FindActiveMock("/seeded", "GET")
	if err != nil || found == nil || found.StatusCode != 202 {
		t.Fatalf("expected seeded mock, got %v (%v)", found, err)
	}

	now := time.Now()
	srv.store.SaveRequestLog(&record.RequestLog{URL: "/old", Method: "GET", CreatedAt: now.Add(-2 * time.Hour)})
	srv.store.SaveRequestLog(&record.RequestLog{URL: "/new", Method: "GET", CreatedAt: now})
	srv.pruneExpired(now)

	logs, total, err := srv.store.ListRequestLogs(storage.ListOptions{})
	if err != nil || total != 1 || logs[0].URL != "/new" {
		t.Fatalf("expected only the fresh log to survive, got %d (%v)", total, err)
	}
}

func TestServerRejectsBadSeedFile(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Mocks.SeedFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := New(cfg, logger.Nop()); err == nil {
		t.Fatal("expected error for missing seed file")
	}
}

func TestServerTLSFallback(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "plain")
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.TLS = config.TLSConfig{Enable: true, CertPath: "/nonexistent/cert.pem", KeyPath: "/nonexistent/key.pem"}
	cfg.Dashboard.Enable = false
	rs := startServer(t, cfg)

	if rs.srv.DashboardAddr() != nil {
		t.Fatal("dashboard should be disabled")
	}
	resp, err := http.Get(rs.proxyURL() + "/x")
	if err != nil {
		t.Fatalf("plain HTTP fallback failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "plain" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestServerReadyClosedWhenDashboardListenFails(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	cfg := testConfig("http://127.0.0.1:1")
	cfg.Dashboard.Port = busy.Addr().(*net.TCPAddr).Port
	srv, err := New(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Run(context.Background()) }()

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("Ready not closed after a failed listen")
	}
	select {
	case err := <-errc:
		if err == nil || !strings.Contains(err.Error(), "listen dashboard") {
			t.Fatalf("expected dashboard listen error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if srv.ProxyAddr() != nil {
		t.Fatalf("expected no bound proxy address, got %v", srv.ProxyAddr())
	}

	// A second Run must not panic on the already closed ready channel.
	if err := srv.Run(context.Background()); err == nil {
		t.Fatal("expected second Run to fail on the busy dashboard port")
	}
}
