package main

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"transitlive/relay/internal/logging"
)

// errClientGone is returned by Deliver once the connection is shutting down
// or its send buffer is full; the registry treats it as a disconnect.
var errClientGone = errors.New("client connection gone")

const sendBufferSize = 256

// client owns one WebSocket connection: a single reader loop and a single
// writer pump, so outbound frames are serialized per connection.
type client struct {
	id   string
	conn *websocket.Conn
	log  *logging.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closeCode int
}

func newClient(conn *websocket.Conn, log *logging.Logger) *client {
	id := uuid.NewString()
	return &client{
		id:   id,
		conn: conn,
		log:  log.With(logging.String("conn_id", id)),
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// ID implements registry.Conn.
func (c *client) ID() string { return c.id }

// Deliver queues a frame for the writer pump. It never blocks: a full buffer
// means the peer has stopped draining and the connection is treated as dead.
func (c *client) Deliver(payload []byte) error {
	select {
	case <-c.done:
		return errClientGone
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errClientGone
	}
}

// shutdown stops the writer pump after it drains queued frames, closing the
// socket with the given status code. Safe to call more than once.
func (c *client) shutdown(code int) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.done)
	})
}

// writePump is the connection's only writer. It drains the send queue,
// emits keepalive pings and performs the closing handshake on shutdown.
func (c *client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("write failed", logging.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.drain()
			message := websocket.FormatCloseMessage(c.closeCode, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
			return
		}
	}
}

// drain flushes frames queued before shutdown so an error reply sent just
// before closing still reaches the peer.
func (c *client) drain() {
	for {
		select {
		case payload := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}
