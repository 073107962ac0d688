package notify

import (
	"bufio"
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/funnyzak/mockproxy/pkg/record"
)

func TestWriteSSEFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSSE(&buf, Event{Kind: KindNewLog, Data: []byte(`{"id":"1"}`)}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if got := buf.String(); got != "event: newLog\ndata: {\"id\":\"1\"}\n\n" {
		t.Fatalf("unexpected frame %q", got)
	}

	buf.Reset()
	writeSSE(&buf, Event{Kind: KindLogUpdate, Data: []byte("a\nb")})
	if got := buf.String(); got != "event: logUpdate\ndata: a\ndata: b\n\n" {
		t.Fatalf("multiline data not split: %q", got)
	}

	buf.Reset()
	writeSSE(&buf, Event{Kind: KindHeartbeat})
	if buf.String() != ": keepalive\n\n" {
		t.Fatalf("unexpected heartbeat %q", buf.String())
	}
}

func readLine(t *testing.T, lines chan string) string {
	t.Helper()
	select {
	case line := <-lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out reading sse stream")
	}
	return ""
}

func TestServeSSEStreamsEvents(t *testing.T) {
	hub := newTestHub(Options{Buffer: 8})
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	if line := readLine(t, lines); line != ": connected" {
		t.Fatalf("expected connected comment, got %q", line)
	}
	readLine(t, lines)
	waitFor(t, func() bool { return hub.Count() == 1 })

	hub.LogCreated(&record.RequestLog{ID: "abc", URL: "/x", Method: "GET"})
	if line := readLine(t, lines); line != "event: newLog" {
		t.Fatalf("expected event line, got %q", line)
	}
	data := readLine(t, lines)
	if !strings.HasPrefix(data, "data: ") || !strings.Contains(data, `"id":"abc"`) {
		t.Fatalf("unexpected data line %q", data)
	}

	hub.Heartbeat()
	readLine(t, lines)
	if line := readLine(t, lines); line != ": keepalive" {
		t.Fatalf("expected keepalive, got %q", line)
	}

	resp.Body.Close()
	waitFor(t, func() bool {
		hub.Heartbeat()
		return hub.Count() == 0
	})
}

func TestServeSSERejectsWhenFull(t *testing.T) {
	hub := newTestHub(Options{MaxObservers: 1})
	hub.Register("occupied")

	rec := httptest.NewRecorder()
	hub.ServeSSE(rec, httptest.NewRequest(http.MethodGet, "/api/logs/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
