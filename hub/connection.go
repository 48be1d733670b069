package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/feedgate/credential"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong; a silent peer is dead.
	pongWait = 60 * time.Second
	// Ping cadence. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum inbound message size. Bind messages carry credentials, so this
	// is larger than a bare control frame needs.
	maxMessageSize = 64 * 1024
	// Outbound buffer per connection. A peer that can't drain this is
	// dropped rather than allowed to stall fan-out.
	sendBufferSize = 64
	// Protocol errors tolerated before the connection is closed.
	maxProtocolStrikes = 3
)

// Conn is one live client connection and its binding state.
type Conn struct {
	id  string
	ws  *websocket.Conn
	hub *Hub
	log *logrus.Entry

	send chan []byte
	done chan struct{}
	once sync.Once

	mu             sync.Mutex
	identity       string // credential-store key; the bound principal
	feedID         string
	entitlementRef string
	supplied       *credential.Credential // fresh credential from this session's bind
	strikes        int
}

func newConn(ws *websocket.Conn, h *Hub) *Conn {
	c := &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		hub:  h,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	c.log = h.log.WithField("conn", c.id)
	return c
}

// binding returns the current binding under the connection's lock.
func (c *Conn) binding() (identity, feedID, entitlementRef string, supplied *credential.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.feedID, c.entitlementRef, c.supplied
}

// rebind atomically replaces the previous binding and returns the feed it
// displaced ("" if none).
func (c *Conn) rebind(identity, feedID, entitlementRef string, supplied *credential.Credential) (previous string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous = c.feedID
	c.identity = identity
	c.feedID = feedID
	c.entitlementRef = entitlementRef
	if supplied != nil {
		c.supplied = supplied
	}
	return previous
}

// clearBinding drops the binding and returns the feed it was bound to.
func (c *Conn) clearBinding() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.feedID
	c.feedID = ""
	c.entitlementRef = ""
	return prev
}

// dropSupplied forgets the in-session credential; called when an attempted
// use reported it expired.
func (c *Conn) dropSupplied() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supplied = nil
}

// trySend queues a frame without blocking. A connection whose buffer is full
// is closed: one slow reader must never hold up delivery to others.
func (c *Conn) trySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("send buffer full, dropping connection")
		c.hub.unregister(c)
		return false
	}
}

// close makes the connection permanently dead. Safe to call more than once.
func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// readPump consumes client messages until the transport dies or the peer
// stops answering pings. It owns the read side of the socket.
func (c *Conn) readPump() {
	defer c.hub.unregister(c)
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("read failed")
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			if c.protocolStrike("malformed message") {
				return
			}
			continue
		}
		switch msg.Type {
		case msgBind:
			c.hub.handleBind(c, msg)
		case msgUnbind:
			c.hub.handleUnbind(c)
		default:
			if c.protocolStrike("unknown message type") {
				return
			}
		}
	}
}

// protocolStrike reports a protocol error to the client. Returns true when
// the strike budget is exhausted and the connection should close.
func (c *Conn) protocolStrike(detail string) bool {
	c.mu.Lock()
	c.strikes++
	exhausted := c.strikes >= maxProtocolStrikes
	c.mu.Unlock()
	c.trySend(marshalMessage(serverMessage{Type: msgError, Error: detail}))
	if exhausted {
		c.log.WithField("detail", detail).Info("closing after repeated protocol errors")
	}
	return exhausted
}

// writePump owns the write side of the socket: queued frames plus the
// periodic liveness ping.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.unregister(c)
	}()
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
