package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/pkg/record"
)

func newTestHub(opts Options) *Hub {
	return NewHub(opts, logger.Nop())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func receive(t *testing.T, obs *Observer) Event {
	t.Helper()
	select {
	case ev := <-obs.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBroadcastReachesEveryObserver(t *testing.T) {
	hub := newTestHub(Options{Buffer: 4})
	a, _ := hub.Register("a")
	b, _ := hub.Register("b")

	hub.Broadcast(KindNewLog, map[string]string{"id": "log-1"})

	for _, obs := range []*Observer{a, b} {
		ev := receive(t, obs)
		if ev.Kind != KindNewLog {
			t.Fatalf("expected newLog, got %s", ev.Kind)
		}
		var payload map[string]string
		if err := json.Unmarshal(ev.Data, &payload); err != nil || payload["id"] != "log-1" {
			t.Fatalf("unexpected payload %s (%v)", ev.Data, err)
		}
	}
}

func TestSlowObserverIsDisconnected(t *testing.T) {
	hub := newTestHub(Options{Buffer: 1})
	slow, _ := hub.Register("slow")
	fast, _ := hub.Register("fast")

	hub.Broadcast(KindNewLog, 1)
	receive(t, fast)
	hub.Broadcast(KindNewLog, 2)

	select {
	case <-slow.Done():
	default:
		t.Fatal("expected slow observer to be disconnected")
	}
	ev := receive(t, fast)
	if string(ev.Data) != "2" {
		t.Fatalf("fast observer missed event, got %s", ev.Data)
	}
	if hub.Count() != 1 {
		t.Fatalf("expected 1 observer left, got %d", hub.Count())
	}
	_, dropped := hub.Stats()
	if dropped != 1 {
		t.Fatalf("expected 1 dropped delivery, got %d", dropped)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	hub := newTestHub(Options{})
	obs, _ := hub.Register("x")

	hub.Unregister(obs)
	hub.Unregister(obs)
	hub.Unregister(nil)

	if hub.Count() != 0 {
		t.Fatalf("expected no observers, got %d", hub.Count())
	}
	hub.Broadcast(KindNewLog, "ignored")
}

func TestMaxObservers(t *testing.T) {
	hub := newTestHub(Options{MaxObservers: 1})
	first, err := hub.Register("1")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := hub.Register("2"); err != ErrTooManyObservers {
		t.Fatalf("expected ErrTooManyObservers, got %v", err)
	}
	hub.Unregister(first)
	if _, err := hub.Register("3"); err != nil {
		t.Fatalf("expected room after unregister, got %v", err)
	}
}

func TestRunSendsHeartbeatsAndClosesOnCancel(t *testing.T) {
	hub := newTestHub(Options{HeartbeatInterval: 10 * time.Millisecond})
	obs, _ := hub.Register("hb")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	ev := receive(t, obs)
	if ev.Kind != KindHeartbeat || ev.Data != nil {
		t.Fatalf("expected empty heartbeat, got %+v", ev)
	}

	cancel()
	<-done
	select {
	case <-obs.Done():
	case <-time.After(time.Second):
		t.Fatal("observer not closed after Run returned")
	}
}

func TestLogObserverKinds(t *testing.T) {
	hub := newTestHub(Options{Buffer: 4})
	obs, _ := hub.Register("dash")
	status := 404

	hub.LogCreated(&record.RequestLog{ID: "l1", URL: "/api/orders", Method: "GET"})
	hub.LogUpdated(&record.RequestLog{ID: "l1", URL: "/api/orders", Method: "GET", ResponseStatus: &status})

	created := receive(t, obs)
	updated := receive(t, obs)
	if created.Kind != KindNewLog || updated.Kind != KindLogUpdate {
		t.Fatalf("unexpected kinds %s, %s", created.Kind, updated.Kind)
	}
	var entry record.RequestLog
	if err := json.Unmarshal(updated.Data, &entry); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if entry.ID != "l1" || entry.ResponseStatus == nil || *entry.ResponseStatus != 404 {
		t.Fatalf("expected full record in update, got %+v", entry)
	}
}
