package broadcast

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocket connection defaults
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPongWait     = 60 * time.Second
)

// WSConfig controls the WebSocket bridge
type WSConfig struct {
	WriteTimeout time.Duration
	PongWait     time.Duration
}

// InitialMessage produces the message sent right after a client connects
type InitialMessage func() Message

// WSHandler bridges hub subscriptions onto WebSocket connections. Each
// connection is one subscriber; the subscriber id is taken from the
// subscriber_id query parameter or generated.
type WSHandler struct {
	hub      *Hub
	initial  InitialMessage
	cfg      WSConfig
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a handler serving subscriptions from hub
func NewWSHandler(hub *Hub, initial InitialMessage, cfg WSConfig, logger *logrus.Logger) *WSHandler {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	return &WSHandler{
		hub:     hub,
		initial: initial,
		cfg:     cfg,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Subscribers are unauthenticated read-only consumers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and streams messages until the client
// disconnects or the subscription ends.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("subscriber_id")
	if id == "" {
		id = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		h.logger.WithError(err).WithField("subscriber", id).Debug("WebSocket upgrade failed")
		return
	}

	sub, err := h.hub.Subscribe(id)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		conn.Close()
		return
	}
	defer h.hub.remove(sub)

	if h.initial != nil {
		if data, err := json.Marshal(h.initial()); err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				conn.Close()
				return
			}
		}
	}

	go h.writePump(conn, sub)
	h.readPump(conn) // blocks until the connection closes
}

// writePump forwards queued messages and pings to the connection
func (h *WSHandler) writePump(conn *websocket.Conn, sub *Subscription) {
	pingPeriod := (h.cfg.PongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-sub.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscription ended"))
			return

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames and detects disconnects
func (h *WSHandler) readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
