package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	// writeWait bounds a single frame write to a client.
	writeWait = 5 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// deadline kills it. Clients answer our pings well within this.
	pongWait = 30 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufferSize is the per-client outbound queue. A client that
	// cannot drain this is too slow to keep.
	sendBufferSize = 256
)

// Client is one attached WebSocket connection. The write side goes through
// the send channel so the fan-out path never blocks on a slow socket.
type Client struct {
	id          string
	conn        net.Conn
	remoteAddr  string
	send        chan []byte
	connectedAt time.Time

	closeOnce   sync.Once
	closeReason atomic.Value // string
	done        chan struct{}
}

func newClient(id string, conn net.Conn, remoteAddr string) *Client {
	return &Client{
		id:          id,
		conn:        conn,
		remoteAddr:  remoteAddr,
		send:        make(chan []byte, sendBufferSize),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// Send queues a payload for delivery. Returns false when the client's
// buffer is full or the client is closing; the payload is dropped.
func (c *Client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// CloseWithReason marks the connection for teardown. The pumps observe the
// done channel and unwind; the actual socket close happens in writePump.
func (c *Client) CloseWithReason(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)
		close(c.done)
		c.conn.SetReadDeadline(time.Now())
	})
}

func (c *Client) reason() string {
	if r, ok := c.closeReason.Load().(string); ok {
		return r
	}
	return "read_error"
}

// writePump drains the send channel to the socket and emits keepalive
// pings. It owns the socket close.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			body := ws.NewCloseFrameBody(ws.StatusNormalClosure, c.reason())
			ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
			return

		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, payload); err != nil {
				c.CloseWithReason("write_error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				c.CloseWithReason("ping_failed")
				return
			}
		}
	}
}
