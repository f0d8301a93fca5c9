package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

var (
	// ErrClientClosed is returned by Deliver once the client has been closed.
	ErrClientClosed = errors.New("client closed")
	// ErrSendBufferFull is returned by Deliver when the client is not keeping up.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Client is a live WebSocket connection admitted to the hub.
type Client struct {
	id       string
	username string
	addr     string
	conn     *websocket.Conn
	hub      *Hub
	logger   *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool

	limiter        *rate.Limiter
	maxMessageSize int64
}

func newClient(conn *websocket.Conn, hub *Hub, username, addr string) *Client {
	cfg := hub.cfg
	if conn != nil && cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	return &Client{
		id:             id,
		username:       username,
		addr:           addr,
		conn:           conn,
		hub:            hub,
		logger:         hub.logger.With("client", id, "username", username),
		send:           make(chan []byte, sendBufferSize),
		limiter:        newLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval.Duration()),
		maxMessageSize: cfg.MaxMessageSize,
	}
}

// newLimiter allows burst messages per interval.
func newLimiter(burst int, interval time.Duration) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Every(interval/time.Duration(burst)), burst)
}

func (c *Client) ID() string       { return c.id }
func (c *Client) Username() string { return c.username }

// Deliver queues payload for the write pump.
func (c *Client) Deliver(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame and closes the
// connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("setting initial read deadline failed", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Info("client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Warn("unexpected websocket close", "error", err)
	default:
		c.logger.Debug("websocket read ended", "error", err)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Remove(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("closing connection in read pump failed", "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		kind, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if kind != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", "type", kind)
			continue
		}
		if !c.limiter.Allow() {
			c.logger.Warn("rate limit exceeded, discarding message", "burst", c.limiter.Burst())
			continue
		}

		c.hub.Broadcast(formatBroadcast(c.username, string(raw)))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("closing connection in write pump failed", "error", err)
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.write(message, ok) {
				return
			}
		case <-ticker.C:
			if !c.ping() {
				return
			}
		}
	}
}

// write sends one text frame per message, or a close frame once the send
// channel is closed. It returns false when the pump should stop.
func (c *Client) write(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("setting write deadline failed", "error", err)
		return false
	}

	if !ok {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("writing close message failed", "error", err)
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("writing message failed", "error", err)
		}
		c.hub.Remove(c)
		return false
	}
	return true
}

func (c *Client) ping() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("setting write deadline for ping failed", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("writing ping failed", "error", err)
		return false
	}
	return true
}
