package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// connState tracks the lifecycle of a single connection:
// Unbound -> Joined -> Closed. A connection is Unbound until its first
// join event binds a user identity to it.
type connState int

const (
	stateUnbound connState = iota
	stateJoined
	stateClosed
)

type Client struct {
	conn    *websocket.Conn
	gateway *ChatServer
	log     *log.Logger
	// username is the bound identity. Written once by the read pump on
	// the first join, before the client is visible to any room.
	username  string
	state     connState
	send      chan *ServerEvent
	rooms     map[string]*Room
	roomsLock sync.RWMutex
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		conn:    conn,
		gateway: cs,
		log:     l,
		state:   stateUnbound,
		send:    make(chan *ServerEvent, 256),
		rooms:   make(map[string]*Room),
		stop:    make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(ev)
			if err != nil {
				c.log.Println("failed to serialize event:", err)
				continue
			}

			if !c.writeFrame(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.writeFrame(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var ev ClientEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.log.Println("error parsing event:", err)
			c.queueEvent(ErrInvalidEvent())
			continue
		}

		ev.client = c
		c.dispatch(&ev)
	}
}

// dispatch routes one client event according to the connection state.
// It runs only on the read pump goroutine, so state transitions need
// no locking.
func (c *Client) dispatch(ev *ClientEvent) {
	switch {
	case ev.Join != nil:
		if ev.Join.SelfId == "" || ev.Join.PeerId == "" {
			c.queueEvent(ErrInvalidEvent())
			return
		}

		switch c.state {
		case stateUnbound:
			c.username = ev.Join.SelfId
			c.state = stateJoined
			c.gateway.markOnline(c.username)
		case stateJoined:
			// re-entrant join is fine, rebinding to another user is not
			if ev.Join.SelfId != c.username {
				c.queueEvent(ErrIdentityBound())
				return
			}
		}

		c.forward(ev)
	case ev.SendMessage != nil:
		if c.state != stateJoined {
			c.queueEvent(ErrNotJoined())
			return
		}
		if ev.SendMessage.PeerId == "" || ev.SendMessage.Message.Text == "" {
			c.queueEvent(ErrInvalidEvent())
			return
		}

		ev.SendMessage.SelfId = c.username
		c.forward(ev)
	case ev.Typing != nil, ev.StopTyping != nil:
		if c.state != stateJoined {
			c.queueEvent(ErrNotJoined())
			return
		}

		if ev.Typing != nil {
			ev.Typing.SelfId = c.username
		} else {
			ev.StopTyping.SelfId = c.username
		}
		c.forward(ev)
	default:
		c.queueEvent(ErrInvalidEvent())
	}
}

func (c *Client) forward(ev *ClientEvent) {
	select {
	case c.gateway.eventChan <- ev:
	default:
		c.log.Println("gateway event channel full")
		c.queueEvent(ErrServiceUnavailable())
	}
}

func (c *Client) queueEvent(ev *ServerEvent) bool {
	select {
	case c.send <- ev:
	default:
		c.log.Println("failed to queue event for client, channel is full")
		return false
	}

	return true
}

func (c *Client) writeFrame(msgType int, data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, data); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write frame: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.state = stateClosed
	c.leaveAllRooms()
	c.gateway.deRegisterChan <- c
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	for _, room := range c.rooms {
		room.leaveChan <- c
	}
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.id] = r
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}
