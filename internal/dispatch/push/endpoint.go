package push

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsConn adapts a gorilla connection to Conn.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) WriteText(text string, deadline time.Time) error {
	if err := w.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.TextMessage, []byte(text))
}

func (w *wsConn) Close() error {
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.c.Close()
}

// Endpoint upgrades HTTP requests to websocket connections and keeps them
// registered until the client goes away.
type Endpoint struct {
	registry     *Registry
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
}

func NewEndpoint(registry *Registry, pingInterval, writeTimeout time.Duration, logger *zap.Logger) *Endpoint {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Endpoint{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is left to the gateway in front of this service.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Serve handles one connection for recipientID and blocks until it closes.
func (e *Endpoint) Serve(w http.ResponseWriter, r *http.Request, recipientID string) {
	log := e.logger.With(zap.String("recipient_id", recipientID))

	c, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h := e.registry.Connect(recipientID, &wsConn{c: c})
	log.Info("push client connected")
	defer func() {
		e.registry.Disconnect(h)
		log.Info("push client disconnected")
	}()

	pongWait := e.pingInterval * 10 / 9
	c.SetReadLimit(4096)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go e.keepalive(c, done)

	// Clients have nothing to say; reading only services control frames and
	// detects the close.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func (e *Endpoint) keepalive(c *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(e.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(e.writeTimeout)); err != nil {
				return
			}
		}
	}
}
