// Package api - WebSocket stream of draw events for viewers
package api

import (
	"net/http"
	"time"

	"github.com/alexbotov/rifas/internal/broadcast"
	"github.com/google/logger"
	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxViewerMessage    = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // viewers embed the wheel from any page
	},
}

// viewer is one websocket connection fed by a hub subscription
type viewer struct {
	conn         *websocket.Conn
	sub          *broadcast.Subscription
	writeTimeout time.Duration
	pingInterval time.Duration
}

// DrawStream handles GET /api/v1/ws/draw. Viewers only receive events
// published after they connect; they poll /api/v1/raffle for the rest.
func (h *Handler) DrawStream(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so that a viewer that sees
	// the upgrade response cannot miss the next event
	sub := h.hub.Subscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		logger.Warningf("api: websocket upgrade error: %v", err)
		return
	}

	v := &viewer{
		conn:         conn,
		sub:          sub,
		writeTimeout: h.ws.WriteTimeout,
		pingInterval: h.ws.PingInterval,
	}
	if v.writeTimeout <= 0 {
		v.writeTimeout = defaultWriteTimeout
	}
	if v.pingInterval <= 0 {
		v.pingInterval = defaultPingInterval
	}
	logger.Infof("api: viewer %d connected from %s", sub.ID(), getClientIP(r))

	go v.writePump()
	go v.readPump()
}

// writePump pumps events from the subscription to the connection
func (v *viewer) writePump() {
	ticker := time.NewTicker(v.pingInterval)
	defer func() {
		ticker.Stop()
		v.sub.Close()
		v.conn.Close()
		if n := v.sub.Dropped(); n > 0 {
			logger.Warningf("api: viewer %d disconnected after %d dropped events", v.sub.ID(), n)
		}
	}()

	for {
		select {
		case event, ok := <-v.sub.Events():
			v.conn.SetWriteDeadline(time.Now().Add(v.writeTimeout))
			if !ok {
				v.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "draw stream closed"))
				return
			}

			payload, err := event.Encode()
			if err != nil {
				logger.Errorf("api: failed to encode %s event: %v", event.Type, err)
				continue
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			v.conn.SetWriteDeadline(time.Now().Add(v.writeTimeout))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards viewer frames and detects the connection going away
func (v *viewer) readPump() {
	defer func() {
		v.sub.Close()
		v.conn.Close()
	}()

	pongWait := 2 * v.pingInterval
	v.conn.SetReadLimit(maxViewerMessage)
	v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		v.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Warningf("api: viewer %d read error: %v", v.sub.ID(), err)
			}
			return
		}
	}
}
