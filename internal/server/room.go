package server

import (
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sparknet-dev/sparknet/internal/database"
)

const idleRoomTimeout = time.Minute

// Room is the fan-out scope for one unordered participant pair. All
// events for a conversation flow through its single room goroutine, so
// store mutations for a conversation are never in flight concurrently.
type Room struct {
	id         string
	gateway    *ChatServer
	eventChan  chan *ClientEvent
	leaveChan  chan *Client
	clients    map[*Client]struct{}
	userMap    map[string]map[*Client]struct{}
	clientLock sync.RWMutex
	log        *log.Logger
	// killTimer unloads the room once it has been empty for a while
	killTimer *time.Timer
	exit      chan struct{}
	done      chan struct{}
}

func newRoom(id string, cs *ChatServer) *Room {
	r := &Room{
		id:        id,
		gateway:   cs,
		eventChan: make(chan *ClientEvent, 256),
		leaveChan: make(chan *Client, 256),
		clients:   make(map[*Client]struct{}),
		userMap:   make(map[string]map[*Client]struct{}),
		log:       cs.log,
		exit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	return r
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.id)

	for {
		select {
		case ev := <-r.eventChan:
			switch {
			case ev.Join != nil:
				r.handleJoin(ev)
			case ev.SendMessage != nil:
				r.handleSendMessage(ev)
			case ev.Typing != nil:
				r.broadcast(&ServerEvent{
					Typing:     &TypingNotice{Username: ev.Typing.SelfId},
					skipClient: ev.client,
				})
			case ev.StopTyping != nil:
				r.broadcast(&ServerEvent{
					StopTyping: &TypingNotice{Username: ev.StopTyping.SelfId},
					skipClient: ev.client,
				})
			}
		case c := <-r.leaveChan:
			r.removeClient(c)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case <-r.exit:
			r.handleRoomExit()
			return
		}
	}
}

// handleJoin is re-entrant: every join re-subscribes the client,
// re-announces presence and reconciles unread state against the store.
func (r *Room) handleJoin(ev *ClientEvent) {
	r.killTimer.Stop()

	c := ev.client
	r.addClient(c)

	// the deriver is symmetric, so both orderings of (self, peer) name
	// this one room and a single emit reaches both sides
	r.broadcast(&ServerEvent{
		Timestamp: Now(),
		OnlineStatus: &OnlineStatus{
			Username: ev.Join.SelfId,
			Online:   true,
		},
	})

	r.reconcileUnread(ev.Join.SelfId, ev.Join.PeerId, c)
}

// reconcileUnread adds the joining user to the readBy set of every
// message they have not seen yet. Store failures are logged and
// surfaced to the joining client only; the connection stays up.
func (r *Room) reconcileUnread(selfName, peerName string, c *Client) {
	self, err := r.gateway.db.GetAccountByUsername(selfName)
	if err != nil {
		r.log.Printf("unread reconciliation: lookup %q: %v", selfName, err)
		c.queueEvent(ErrUnknownUser(selfName))
		return
	}

	peer, err := r.gateway.db.GetAccountByUsername(peerName)
	if err != nil {
		r.log.Printf("unread reconciliation: lookup %q: %v", peerName, err)
		c.queueEvent(ErrUnknownUser(peerName))
		return
	}

	conv, err := r.gateway.db.GetConversation(self.Id, peer.Id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			r.log.Println("unread reconciliation: get conversation:", err)
			c.queueEvent(ErrConversationWriteFailed())
		}
		// no conversation yet means nothing to reconcile
		return
	}

	changed, err := r.gateway.db.MarkConversationRead(conv.Id, self.Id)
	if err != nil {
		r.log.Println("unread reconciliation: mark read:", err)
		c.queueEvent(ErrConversationWriteFailed())
		return
	}

	if changed > 0 {
		r.broadcast(&ServerEvent{
			Timestamp:     Now(),
			UnreadUpdated: &UnreadUpdated{UserId: selfName},
		})
		r.broadcast(&ServerEvent{
			Timestamp:     Now(),
			UnreadUpdated: &UnreadUpdated{UserId: peerName},
		})
	}
}

// handleSendMessage persists the message encrypted and fans the
// plaintext payload out to the room. Failures abort the operation with
// a typed error event to the sender; no retry is attempted.
func (r *Room) handleSendMessage(ev *ClientEvent) {
	send := ev.SendMessage

	self, err := r.gateway.db.GetAccountByUsername(send.SelfId)
	if err != nil {
		r.log.Printf("send message: lookup %q: %v", send.SelfId, err)
		ev.client.queueEvent(ErrUnknownUser(send.SelfId))
		return
	}

	peer, err := r.gateway.db.GetAccountByUsername(send.PeerId)
	if err != nil {
		r.log.Printf("send message: lookup %q: %v", send.PeerId, err)
		ev.client.queueEvent(ErrUnknownUser(send.PeerId))
		return
	}

	conv, err := r.gateway.db.GetConversation(self.Id, peer.Id)
	if errors.Is(err, sql.ErrNoRows) {
		conv, err = r.gateway.db.CreateConversation(self.Id, peer.Id)
	}
	if err != nil {
		r.log.Println("send message: get or create conversation:", err)
		ev.client.queueEvent(ErrConversationWriteFailed())
		return
	}

	envelope, err := r.gateway.codec.Encrypt(send.Message.Text)
	if err != nil {
		r.log.Println("send message: encrypt:", err)
		ev.client.queueEvent(ErrConversationWriteFailed())
		return
	}

	externalId, err := r.gateway.generateMessageId()
	if err != nil {
		r.log.Println("send message: generate id:", err)
		ev.client.queueEvent(ErrConversationWriteFailed())
		return
	}

	// appends the message, marks it read by its sender and caches it as
	// the conversation's last message in one atomic store operation
	if _, err := r.gateway.db.AppendMessage(database.Message{
		ExternalId:     externalId,
		ConversationId: conv.Id,
		SenderId:       self.Id,
		Content:        envelope,
		CreatedAt:      Now(),
	}); err != nil {
		r.log.Println("send message: append:", err)
		ev.client.queueEvent(ErrConversationWriteFailed())
		return
	}

	r.gateway.stats.Incr("NumMessages")

	r.broadcast(&ServerEvent{
		Timestamp: Now(),
		MessageReceived: &MessageReceived{
			NewMessage: NewMessage{
				Id:     externalId,
				Sender: send.SelfId,
				Text:   send.Message.Text,
				Time:   send.Message.Time,
			},
		},
	})
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.id)
	select {
	case r.gateway.unloadRoomChan <- r.id:
	default:
		// gateway busy, try again on the next timeout
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit() {
	r.log.Printf("room %q is exiting", r.id)

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.id)
	}
	r.clientLock.Unlock()

	close(r.done)
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.username] == nil {
		r.userMap[c.username] = make(map[*Client]struct{})
	}
	r.userMap[c.username][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.id)

	if userClients, ok := r.userMap[c.username]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.username)
		}
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.id)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) broadcast(ev *ServerEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = Now()
	}

	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == ev.skipClient {
			continue
		}

		client.queueEvent(ev)
	}
}
