// WebSocket adapter for the Notification Bus: lets an external caller
// attach a connection and receive either one account's notifications or
// the node-wide broadcast feed, one JSON-encoded notification per text
// frame.
//
// The connection handling (read/write pumps, ping/pong keepalive, send
// buffer with a fixed capacity) is adapted from the teacher's
// internal/rpc/websocket.go WSClient, trimmed to this package's simpler
// one-way (server-to-client) delivery contract — notification streams
// take no client-to-server subscription messages, so there is no
// readPump-side message dispatch here, only the keepalive read loop
// needed to detect a dead connection.
package notify

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/interledger4j/ilpconnectord/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsSendBuffer  = 256
	wsPingPeriod  = 30 * time.Second
	wsReadTimeout = 60 * time.Second
)

// ServeAccountStream upgrades r/w to a WebSocket and streams accountID's
// notifications to it until the connection closes or ctx-equivalent
// cancellation happens via the hub unsubscribing.
func (h *Hub) ServeAccountStream(w http.ResponseWriter, r *http.Request, accountID uuid.UUID) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "account", accountID, "error", err)
		return
	}
	notifications, cancel := h.Subscribe(accountID)
	h.serveConn(conn, notifications, cancel)
}

// ServeBroadcastStream is the same as ServeAccountStream but for the
// node-wide feed, intended for operator tooling rather than account
// owners.
func (h *Hub) ServeBroadcastStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}
	notifications, cancel := h.SubscribeBroadcast()
	h.serveConn(conn, notifications, cancel)
}

func (h *Hub) serveConn(conn *websocket.Conn, notifications <-chan Notification, cancel func()) {
	send := make(chan []byte, wsSendBuffer)
	done := make(chan struct{})

	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		for n := range notifications {
			data, err := json.Marshal(n)
			if err != nil {
				h.log.Error("failed to marshal notification for websocket", "error", err)
				continue
			}
			select {
			case send <- data:
			default:
				h.log.Warn("websocket send buffer full, dropping notification", "account", n.AccountID)
			}
		}
		close(send)
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer cancel()
	defer conn.Close()

	for {
		select {
		case <-done:
			return
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
