// Package server manages individual WebSocket clients, handling read/write
// pumps, liveness state, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
)

// ClientState is the liveness state of a connection.
type ClientState int32

const (
	// StateActive means the peer acknowledged the last probe (or none was sent yet).
	StateActive ClientState = iota
	// StateProbed means a ping is outstanding.
	StateProbed
	// StateClosed is terminal; the connection is gone.
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateProbed:
		return "probed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the subset of *websocket.Conn used by a Client.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client represents a WebSocket connection in the chat relay.
type Client struct {
	id      string
	conn    Conn
	hub     *Hub
	addr    string
	state   atomic.Int32
	limiter *rate.Limiter

	mu     sync.Mutex
	send   chan []byte
	ping   chan struct{}
	closed bool

	terminateOnce sync.Once
}

// NewClient creates a Client for conn owned by hub. The outbound queue and
// read limit come from the hub's configuration.
func NewClient(conn Conn, hub *Hub, addr string) *Client {
	cfg := hub.config
	if conn != nil {
		conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}

	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		hub:     hub,
		addr:    addr,
		send:    make(chan []byte, cfg.SendBuffer),
		ping:    make(chan struct{}, 1),
		limiter: newRateLimiter(cfg.RateLimitBurst, cfg.RateLimitInterval),
	}
}

// ID returns the opaque connection handle.
func (c *Client) ID() string {
	return c.id
}

// Addr returns the remote address the client connected from.
func (c *Client) Addr() string {
	return c.addr
}

// State returns the current liveness state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// IsOpen reports whether the client can still receive frames.
func (c *Client) IsOpen() bool {
	return c.State() != StateClosed
}

// GetSendChan returns the client's outbound queue.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// acknowledge records a pong from the peer.
func (c *Client) acknowledge() {
	c.state.CompareAndSwap(int32(StateProbed), int32(StateActive))
}

// probe moves an active client to Probed and asks the write pump to send a
// ping. It never blocks. It returns false when the client was not active.
func (c *Client) probe() bool {
	if !c.state.CompareAndSwap(int32(StateActive), int32(StateProbed)) {
		return false
	}
	select {
	case c.ping <- struct{}{}:
	default:
	}
	return true
}

// enqueue performs a non-blocking send on the outbound queue.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound queue so the write pump can finish.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// terminate hard-closes the connection and marks the client Closed.
func (c *Client) terminate() {
	c.terminateOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		if c.conn == nil {
			return
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Warn().Err(err).Str("client_id", c.id).Msg("error closing connection")
		}
	})
}

func (c *Client) logReadError(err error) {
	logger := log.With().Str("client_id", c.id).Str("addr", c.addr).Logger()

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		logger.Warn().Int("limit", c.hub.config.MaxMessageSize).Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		logger.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		logger.Debug().Err(err).Msg("connection closed")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		logger.Warn().Err(err).Msg("unexpected websocket error")
	default:
		logger.Debug().Err(err).Msg("websocket read error")
	}
}

// checkRateLimit reports whether the next inbound frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.Allow() {
		log.Warn().Str("client_id", c.id).
			Int("burst", c.hub.config.RateLimitBurst).
			Dur("interval", c.hub.config.RateLimitInterval).
			Msg("rate limit exceeded; discarding frame")
		c.hub.metrics.incr(metricRateLimited, 1)
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.submitClose(c)
		c.terminate()
	}()

	c.conn.SetPongHandler(func(string) error {
		c.acknowledge()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		if !c.hub.submit(c, raw) {
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.terminate()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.writeCloseMessage()
				return
			}
			if !c.writeTextMessage(message) {
				return
			}
		case <-c.ping:
			if !c.writePing() {
				return
			}
		}
	}
}

func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			log.Debug().Err(err).Str("client_id", c.id).Msg("ping failed")
		}
		return false
	}
	return true
}

// writeTextMessage writes a single envelope as one text frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Debug().Err(err).Str("client_id", c.id).Msg("error setting write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			log.Warn().Err(err).Str("client_id", c.id).Msg("error writing message")
		}
		return false
	}
	return true
}

func (c *Client) writeCloseMessage() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		log.Debug().Err(err).Str("client_id", c.id).Msg("error writing close message")
	}
}
