package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/auth"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/httpx"
)

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
	// Proxies may report the client address for throttling.
	Proxies httpx.ProxyTrust
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// AllowOrigin returns a CheckOrigin func accepting only origin, or every
// origin when origin is "*" or empty.
func AllowOrigin(origin string) func(r *http.Request) bool {
	if origin == "" || origin == "*" {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		o := r.Header.Get("Origin")
		return o == "" || o == origin
	}
}

// Connection represents a WebSocket connection to a client
type Connection struct {
	id          string
	origin      string
	conn        *websocket.Conn
	send        chan []byte
	cfg         ConnectionConfig
	connectedAt time.Time

	mu      sync.Mutex
	closed  bool
	claims  *auth.Claims
	strikes int
}

func newConnection(conn *websocket.Conn, origin string, cfg ConnectionConfig) *Connection {
	return &Connection{
		id:          uuid.New().String(),
		origin:      origin,
		conn:        conn,
		send:        make(chan []byte, cfg.SendBuffer),
		cfg:         cfg,
		connectedAt: time.Now(),
	}
}

func (c *Connection) ID() string { return c.id }

// Enqueue queues msg for the write pump without blocking.
func (c *Connection) Enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops the write pump after it flushes queued messages. Safe to call
// more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Claims returns the identity bound by join_room, if any.
func (c *Connection) Claims() *auth.Claims {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claims
}

func (c *Connection) bind(claims *auth.Claims) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims = claims
}

func (c *Connection) unbind() *auth.Claims {
	c.mu.Lock()
	defer c.mu.Unlock()
	claims := c.claims
	c.claims = nil
	return claims
}

// strike records one rejected action and returns the running total.
func (c *Connection) strike() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strikes++
	return c.strikes
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				// Channel was closed
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump hands every inbound frame to handle until the socket fails.
func (c *Connection) readPump(handle func(c *Connection, msg []byte)) {
	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected WebSocket close error")
			}
			return
		}
		handle(c, message)
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
}
