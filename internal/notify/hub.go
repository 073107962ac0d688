package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/pkg/record"
)

// Kind names a realtime event.
type Kind string

const (
	// KindNewLog fires when a request log is created.
	KindNewLog Kind = "newLog"
	// KindLogUpdate fires when a request log receives its response.
	KindLogUpdate Kind = "logUpdate"
	// KindHeartbeat is a payload-less keep-alive.
	KindHeartbeat Kind = "heartbeat"
)

// ErrTooManyObservers is returned by Register when the hub is full.
var ErrTooManyObservers = errors.New("too many realtime observers")

// Event is one serialized notification. Data is shared between observers
// and must not be modified.
type Event struct {
	Kind Kind
	Data []byte
}

// Observer is one registered push channel.
type Observer struct {
	ID     string
	Remote string

	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Events delivers queued notifications in broadcast order.
func (o *Observer) Events() <-chan Event {
	return o.events
}

// Done is closed once the observer has been unregistered.
func (o *Observer) Done() <-chan struct{} {
	return o.done
}

// Options tunes a Hub.
type Options struct {
	// Buffer is the per-observer queue length. An observer whose queue is
	// full when an event arrives is disconnected.
	Buffer int
	// MaxObservers caps concurrent observers; 0 means unbounded.
	MaxObservers int
	// HeartbeatInterval is the keep-alive period used by Run.
	HeartbeatInterval time.Duration
}

// Hub fans realtime events out to registered observers.
type Hub struct {
	logger logger.Logger
	opts   Options

	mu        sync.RWMutex
	observers map[*Observer]struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a new hub.
func NewHub(opts Options, log logger.Logger) *Hub {
	if opts.Buffer < 1 {
		opts.Buffer = 64
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Hub{
		logger:    log,
		opts:      opts,
		observers: make(map[*Observer]struct{}),
	}
}

// Register adds a new observer.
func (h *Hub) Register(remote string) (*Observer, error) {
	obs := &Observer{
		ID:     uuid.NewString(),
		Remote: remote,
		events: make(chan Event, h.opts.Buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.opts.MaxObservers > 0 && len(h.observers) >= h.opts.MaxObservers {
		h.mu.Unlock()
		return nil, ErrTooManyObservers
	}
	h.observers[obs] = struct{}{}
	count := len(h.observers)
	h.mu.Unlock()

	h.logger.Debug("realtime observer registered", "observer", obs.ID, "remote", remote, "observers", count)
	return obs, nil
}

// Unregister removes an observer. Calling it more than once is harmless.
func (h *Hub) Unregister(obs *Observer) {
	if obs == nil {
		return
	}
	h.mu.Lock()
	delete(h.observers, obs)
	h.mu.Unlock()

	obs.once.Do(func() {
		close(obs.done)
		h.logger.Debug("realtime observer unregistered", "observer", obs.ID, "remote", obs.Remote)
	})
}

// Count returns the number of registered observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Stats reports delivered and dropped event counts.
func (h *Hub) Stats() (delivered, dropped uint64) {
	return h.delivered.Load(), h.dropped.Load()
}

func (h *Hub) snapshot() []*Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := make([]*Observer, 0, len(h.observers))
	for obs := range h.observers {
		list = append(list, obs)
	}
	return list
}

// Broadcast serializes payload once and queues it for every observer.
// Observers with a full queue are disconnected; the rest still receive it.
func (h *Hub) Broadcast(kind Kind, payload interface{}) {
	observers := h.snapshot()
	if len(observers) == 0 {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal realtime payload", "kind", string(kind), "error", err)
		return
	}
	h.deliver(observers, Event{Kind: kind, Data: data})
}

// Heartbeat queues a keep-alive for every observer.
func (h *Hub) Heartbeat() {
	h.deliver(h.snapshot(), Event{Kind: KindHeartbeat})
}

func (h *Hub) deliver(observers []*Observer, ev Event) {
	for _, obs := range observers {
		select {
		case <-obs.done:
			continue
		default:
		}
		select {
		case obs.events <- ev:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
			h.logger.Warn("realtime observer too slow, disconnecting", "observer", obs.ID, "remote", obs.Remote)
			h.Unregister(obs)
		}
	}
}

// Run emits heartbeats until ctx is cancelled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return nil
		case <-ticker.C:
			h.Heartbeat()
		}
	}
}

// Close unregisters every observer.
func (h *Hub) Close() {
	for _, obs := range h.snapshot() {
		h.Unregister(obs)
	}
}

// LogCreated implements storage.LogObserver
func (h *Hub) LogCreated(entry *record.RequestLog) {
	h.Broadcast(KindNewLog, entry)
}

// LogUpdated implements storage.LogObserver
func (h *Hub) LogUpdated(entry *record.RequestLog) {
	h.Broadcast(KindLogUpdate, entry)
}
