package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hibiki-ye/cookiebroker/internal/hub"
	"github.com/hibiki-ye/cookiebroker/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const wsWriteTimeout = 2 * time.Second

// wsReadTimeout is how long a connection may stay silent before it is treated
// as dead. Workers heartbeat every HeartbeatInterval seconds, so three missed
// beats end the connection and free the session for reconnect.
func wsReadTimeout(heartbeatSeconds int) time.Duration {
	if heartbeatSeconds <= 0 {
		heartbeatSeconds = 30
	}
	return 3 * time.Duration(heartbeatSeconds) * time.Second
}

// handleWebSocket attaches a worker's push channel. Any frame the worker
// sends counts as a heartbeat. Disconnecting releases whatever access the
// session held.
func (a *api) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if _, ok := a.Registry.Get(id); !ok {
		jsonError(w, http.StatusNotFound, "unknown session")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Debug("websocket upgrade failed",
			"session_id", id, "error", err.Error())
		return
	}

	if err := a.Registry.AttachChannel(id); err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, session.ErrChannelInUse) {
			code = websocket.ClosePolicyViolation
		}
		msg := websocket.FormatCloseMessage(code, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
		_ = conn.Close()
		return
	}
	ch, err := a.Hub.Attach(id)
	if err != nil {
		a.Registry.DetachChannel(id)
		_ = conn.Close()
		return
	}
	a.Logger.Info("websocket connected", "session_id", id)

	go a.wsWriter(id, conn, ch)

	readTimeout := wsReadTimeout(a.HeartbeatInterval)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		a.Registry.Touch(id)
		a.Coordinator.Heartbeat(id)
	}

	a.Hub.Detach(id)
	a.Registry.DetachChannel(id)
	a.Coordinator.Release(id, "disconnected")
	a.Logger.Info("websocket disconnected", "session_id", id)
}

// wsWriter drains the push channel onto the wire. It owns all data writes to
// the connection and closes it once the channel is closed, which also unblocks
// the read loop.
func (a *api) wsWriter(id string, conn *websocket.Conn, ch <-chan hub.Message) {
	for msg := range ch {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			a.Logger.Debug("websocket write failed",
				"session_id", id, "error", err.Error())
			break
		}
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(wsWriteTimeout))
	_ = conn.Close()
}
