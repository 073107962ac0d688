package notify

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/funnyzak/mockproxy/pkg/record"
)

const (
	wsWriteWait  = 5 * time.Second
	wsReadLimit  = 1024
	wsPongFactor = 2
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame wraps serialized event data as {"type":...,"data":...}.
func wsFrame(ev Event) []byte {
	frame := make([]byte, 0, len(ev.Data)+32)
	frame = append(frame, `{"type":"`...)
	frame = append(frame, string(ev.Kind)...)
	frame = append(frame, `","data":`...)
	frame = append(frame, ev.Data...)
	frame = append(frame, '}')
	return frame
}

// ServeWS upgrades the connection and pushes hub events as JSON text frames.
// Heartbeats are sent as ping control frames.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	obs, err := h.Register(record.ClientIP(r))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrTooManyObservers) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Unregister(obs)
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	go h.wsReadLoop(conn, obs)
	h.wsWriteLoop(conn, obs)
}

func (h *Hub) wsReadLoop(conn *websocket.Conn, obs *Observer) {
	defer h.Unregister(obs)

	idle := h.opts.HeartbeatInterval * wsPongFactor
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) wsWriteLoop(conn *websocket.Conn, obs *Observer) {
	defer func() {
		h.Unregister(obs)
		conn.Close()
	}()

	for {
		select {
		case <-obs.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case ev := <-obs.Events():
			var err error
			if ev.Kind == KindHeartbeat {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			} else {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				err = conn.WriteMessage(websocket.TextMessage, wsFrame(ev))
			}
			if err != nil {
				h.logger.Warn("failed to write to websocket client", "observer", obs.ID, "error", err)
				return
			}
		}
	}
}
