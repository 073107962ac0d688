package notify

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/funnyzak/mockproxy/pkg/record"
)

const sseKeepalive = ": keepalive\n\n"

// writeSSE writes one event in text/event-stream wire format.
func writeSSE(w io.Writer, ev Event) error {
	if ev.Kind == KindHeartbeat {
		_, err := io.WriteString(w, sseKeepalive)
		return err
	}

	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(string(ev.Kind))
	buf.WriteByte('\n')
	for _, line := range bytes.Split(ev.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// ServeSSE streams hub events to an EventSource client until it goes away.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	obs, err := h.Register(record.ClientIP(r))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrTooManyObservers) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer h.Unregister(obs)

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-obs.Done():
			return
		case ev := <-obs.Events():
			if err := writeSSE(w, ev); err != nil {
				h.logger.Debug("sse write failed", "observer", obs.ID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
