package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Backpressure tiers, measured in bytes queued for one connection. Between
// the drop and close thresholds, events are shed while responses and
// lifecycle frames still go out; past the close threshold the connection is
// beyond saving and gets terminated.
const (
	backpressureDrop  = 64 * 1024
	backpressureClose = 1024 * 1024
)

var errSlowConsumer = errors.New("slow consumer: event dropped")

type outFrame struct {
	data []byte
}

// Client is one WebSocket connection. Writes go through a single writer
// goroutine; Send only queues.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	mu          sync.Mutex
	queue       []outFrame
	queuedBytes int
	wake        chan struct{}
	closed      bool

	done chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, srv *Server) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		srv:  srv,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// ID implements sessions.Conn.
func (c *Client) ID() string { return c.id }

// Send queues one frame. Non-critical frames are dropped once the queue
// passes the drop threshold; any frame that would push the queue past the
// close threshold kills the connection instead.
func (c *Client) Send(v any, critical bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	if c.queuedBytes+len(data) > backpressureClose {
		c.mu.Unlock()
		slog.Warn("client past backpressure limit, closing", "conn", c.id, "queued", c.queuedBytes)
		c.Close()
		return errors.New("slow consumer: connection closed")
	}
	if !critical && c.queuedBytes > backpressureDrop {
		c.mu.Unlock()
		return errSlowConsumer
	}
	c.queue = append(c.queue, outFrame{data: data})
	c.queuedBytes += len(data)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run services the connection until it drops. The read loop runs inline;
// the write loop and heartbeat run in a companion goroutine.
func (c *Client) Run() {
	go c.writeLoop()

	limit := int64(c.srv.cfg.MaxMessageBytes)
	c.conn.SetReadLimit(limit)

	heartbeat := c.srv.cfg.Heartbeat()
	pongWait := heartbeat + c.srv.cfg.PongDeadline()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "conn", c.id, "error", err)
			}
			return
		}
		// Each frame dispatches on its own goroutine so a long-running
		// command never blocks the reader; ordering guarantees live in the
		// lane serializer, not the transport.
		go c.srv.dispatch(c, data)
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(c.srv.cfg.Heartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.wake:
			if !c.flush() {
				return
			}
		}
	}
}

// flush drains the queue. Returns false when the connection died.
func (c *Client) flush() bool {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return true
		}
		frame := c.queue[0]
		c.queue = c.queue[1:]
		c.queuedBytes -= len(frame.data)
		c.mu.Unlock()

		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
			slog.Debug("websocket write failed", "conn", c.id, "error", err)
			c.Close()
			return false
		}
	}
}

// Close tears down the connection. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	c.queuedBytes = 0
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()
}
