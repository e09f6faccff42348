package ws

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/docrelay/internal/protocol"
	"github.com/manpreetbhatti/docrelay/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
	maxViolations     = 1000
	connectsPerMinute = 60
	sendBufferSize    = 256
)

// Client is one websocket connection. It implements room.Peer.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	codec       protocol.Codec
	send        chan []byte
	rateLimiter *ratelimit.Limiter
	id          string
	addr        string

	// roomID is only touched by the hub's dispatch loop.
	roomID string

	closeOnce sync.Once
	slowOnce  sync.Once
}

func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	host := remoteHost(r)
	if !hub.connects.Allow(host) {
		hub.logger.Warn("rejecting websocket upgrade, too many connections", "host", host)
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(hub, conn, sendBufferSize)

	select {
	case hub.register <- client:
	case <-hub.ctx.Done():
		conn.Close()
	}
}

func newClient(hub *Hub, conn *websocket.Conn, bufferSize int) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		codec:       protocol.ForSubprotocol(conn.Subprotocol()),
		send:        make(chan []byte, bufferSize),
		rateLimiter: ratelimit.NewLimiter(hub.cfg.MessagesPerSecond, hub.cfg.Burst),
		id:          uuid.NewString(),
		addr:        conn.RemoteAddr().String(),
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (c *Client) ID() string { return c.id }

// Send encodes msg with the connection's codec and queues it. A client
// whose buffer is full is too slow to keep up and gets disconnected.
func (c *Client) Send(msg protocol.Outbound) bool {
	frame, err := c.codec.Encode(msg)
	if err != nil {
		c.hub.logger.Error("failed to encode message", "conn", c.id, "event", msg.Event(), "error", err)
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.slowOnce.Do(func() {
			c.hub.logger.Warn("send buffer full, disconnecting slow client", "conn", c.id)
			c.closeConn()
		})
		return false
	}
}

func (c *Client) joined(roomID string) bool {
	return c.roomID != "" && c.roomID == roomID
}

// closeConn closes the socket; the read pump then reports the disconnect.
func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.closeConn()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "conn", c.id, "error", err)
			}
			return
		}

		if !c.rateLimiter.Allow() {
			violations++
			if violations%100 == 1 {
				c.hub.logger.Warn("rate limit exceeded", "conn", c.id, "violations", violations)
			}
			if violations > c.hub.cfg.MaxViolations {
				c.hub.logger.Warn("disconnecting client for excessive rate limit violations", "conn", c.id)
				return
			}
			continue
		}

		msg, err := c.codec.Decode(frame)
		if err != nil {
			c.hub.logger.Debug("ignoring invalid message", "conn", c.id, "error", err)
			continue
		}

		if !c.hub.submit(&Command{Client: c, Message: msg}) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(c.codec.MessageType(), frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.hub.ctx.Done():
			return
		}
	}
}
