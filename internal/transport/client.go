package transport

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10 // ping at 90% of the pong deadline
	sendBufSize = 64
)

var (
	errClientClosed = errors.New("client closed")
	errSendBufFull  = errors.New("send buffer full")
)

// client is the write side of one websocket. Send only enqueues; writePump
// owns the socket's writer.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, logger *slog.Logger) *client {
	return &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *client) ID() string { return c.id }

// Send queues msg without blocking. A slow reader whose buffer is full gets
// an error instead of stalling the broadcaster.
func (c *client) Send(msg []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendBufFull
	}
}

// Close asks writePump to flush what is queued and close the socket.
func (c *client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// writePump drains the send queue and pings the peer. Runs in its own
// goroutine per client and is the only writer on conn.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Debug("Write failed, closing client", "subscriber_id", c.id, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) //nolint:errcheck
			return
		}
	}
}

func (c *client) write(msg []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// flush writes whatever was queued before Close, so a final ERROR still
// reaches the peer.
func (c *client) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
