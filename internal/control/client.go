package control

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	clientQueueSize    = 64
	clientWriteTimeout = 5 * time.Second
)

// client is one presentation-layer WebSocket session. Frames leave through
// a single writer goroutine so responses and events never interleave on the
// wire.
type client struct {
	id   uint64
	conn *websocket.Conn
	out  chan Frame

	closed    chan struct{}
	closeOnce sync.Once
}

func newClient(id uint64, conn *websocket.Conn) *client {
	return &client{
		id:     id,
		conn:   conn,
		out:    make(chan Frame, clientQueueSize),
		closed: make(chan struct{}),
	}
}

// offer queues an event frame, dropping it if the client is behind.
func (c *client) offer(f Frame) bool {
	select {
	case c.out <- f:
		return true
	default:
		return false
	}
}

// respond queues a response frame, waiting for room until the session ends.
// A response is never dropped while the client is connected.
func (c *client) respond(f Frame) bool {
	select {
	case c.out <- f:
		return true
	case <-c.closed:
		return false
	}
}

// pump writes queued frames until the session ends or a write fails.
func (c *client) pump() {
	defer c.close(websocket.StatusInternalError, "write failed")
	for {
		select {
		case <-c.closed:
			return
		case f := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), clientWriteTimeout)
			err := wsjson.Write(ctx, c.conn, f)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// close ends the session once; later calls are no-ops.
func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close(code, reason)
	})
}
