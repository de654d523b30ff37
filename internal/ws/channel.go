// Package ws wraps a single WebSocket connection in a channel-based
// send/receive pair. One playback session owns exactly one Channel; the
// writer loop serializes all outgoing JSON and handles ping/pong keepalives
// so stale connections get cleaned up automatically.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send after the channel has shut down.
var ErrClosed = errors.New("ws: channel closed")

// Upgrader is the shared HTTP-to-WebSocket upgrader for all endpoints.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Channel owns one websocket connection. Outgoing messages go through a
// buffered channel drained by a single writer goroutine; incoming messages
// surface on Messages. Both directions stop when the connection dies or
// Close is called.
type Channel struct {
	conn *websocket.Conn

	out      chan []byte
	incoming chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

// Upgrade converts an HTTP request into a Channel.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Channel, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// New wraps an established connection. Call Run to start the loops.
func New(conn *websocket.Conn) *Channel {
	return &Channel{
		conn:     conn,
		out:      make(chan []byte, 256),
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

// Messages returns the stream of raw incoming messages. The channel is
// closed when the connection dies.
func (c *Channel) Messages() <-chan []byte {
	return c.incoming
}

// Done is closed once the channel has shut down for any reason.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// Run drives the reader and writer loops until ctx is cancelled or the
// connection fails. It always leaves the channel closed on return.
func (c *Channel) Run(ctx context.Context) {
	go c.readLoop()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return

		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Channel) readLoop() {
	defer close(c.incoming)
	defer c.Close()

	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		select {
		case c.incoming <- msg:
		case <-c.closed:
			return
		}
	}
}

// SendJSON marshals v and queues it for delivery. A full outbound buffer
// means the client can't keep up even after server-side decimation, so the
// channel is torn down rather than blocking the session.
func (c *Channel) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	case c.out <- b:
		return nil
	default:
		c.Close()
		return ErrClosed
	}
}

// Close shuts the channel down exactly once. Safe to call from any
// goroutine and at any point in the lifecycle.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = c.conn.Close()
	})
}

// WriteNow writes v synchronously on the connection. It is intended for
// pre-Run use only (e.g. rejecting a session before the loops start); once
// Run is active all sends must go through SendJSON.
func (c *Channel) WriteNow(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}
