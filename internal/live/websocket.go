package live

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"autostage/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds to localhost by default; cross-origin browsers still get
	// same-origin checks from the default policy when exposed further.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket connection to the Conn interface with a bounded
// outbound buffer. A full buffer drops the message rather than blocking.
type wsConn struct {
	ws     *websocket.Conn
	send   chan Message
	closed chan struct{}
	once   sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:     ws,
		send:   make(chan Message, sendBufferSize),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) Send(msg Message) bool {
	select {
	case <-c.closed:
		return false
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// WebsocketHandler upgrades HTTP requests to the live channel for an owner.
// The owner is taken from the X-Owner-ID header or the owner query parameter.
func WebsocketHandler(registry *Registry, logger *slog.Logger) http.HandlerFunc {
	log := logging.NewComponentLogger(logger, "live-ws")
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
		if ownerID == "" {
			ownerID = strings.TrimSpace(r.URL.Query().Get("owner"))
		}
		if ownerID == "" {
			http.Error(w, "owner required", http.StatusBadRequest)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", logging.Error(err))
			return
		}

		conn := newWSConn(ws)
		registry.Register(ownerID, conn)
		go conn.writeLoop()

		// Reads are discarded; the channel is push-only. The read loop notices
		// client disconnects and clears the registration.
		go func() {
			defer func() {
				registry.Unregister(ownerID, conn)
				conn.Close()
			}()
			ws.SetReadLimit(512)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
