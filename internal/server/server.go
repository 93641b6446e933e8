package server

import (
	"context"
	"log"
	"sync"

	"github.com/teris-io/shortid"

	"github.com/sparknet-dev/sparknet/internal/database"
	"github.com/sparknet-dev/sparknet/internal/security"
	"github.com/sparknet-dev/sparknet/internal/stats"
)

type stopReq struct {
	done chan struct{}
}

// ChatServer is the realtime gateway. It owns the set of live
// connections, routes client events into per-conversation rooms and
// tracks user presence. Broadcasts are fire-and-forget: at most once,
// no delivery guarantee.
type ChatServer struct {
	log            *log.Logger
	db             database.ChatRepository
	codec          *security.Codec
	presence       PresenceTracker
	stats          stats.StatsProvider
	sid            *shortid.Shortid
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	eventChan      chan *ClientEvent
	deRegisterChan chan *Client
	registerChan   chan *Client
	unloadRoomChan chan string
	rooms          map[string]*Room
	stop           chan stopReq
	done           chan struct{}
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, codec *security.Codec,
	presence PresenceTracker, su stats.StatsProvider) (*ChatServer, error) {
	sid, err := shortid.New(1, shortid.DefaultABC, 2342)
	if err != nil {
		return nil, err
	}

	for _, metric := range []string{"NumActiveClients", "NumActiveRooms", "NumOnlineUsers", "NumMessages"} {
		su.RegisterMetric(metric)
	}

	presence.Reset()

	return &ChatServer{
		log:            logger,
		db:             db,
		codec:          codec,
		presence:       presence,
		stats:          su,
		sid:            sid,
		clients:        make(map[*Client]struct{}),
		eventChan:      make(chan *ClientEvent, 256),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		unloadRoomChan: make(chan string, 16),
		rooms:          make(map[string]*Room),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case ev := <-cs.eventChan:
			cs.routeEvent(ev)
		case client := <-cs.registerChan:
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.removeClient(client)
		case id := <-cs.unloadRoomChan:
			if r, ok := cs.rooms[id]; ok {
				cs.log.Printf("unloading room %q", id)
				delete(cs.rooms, id)
				close(r.exit)
				<-r.done
				cs.stats.Decr("NumActiveRooms")
			}
		case req := <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				close(r.exit)
				<-r.done
			}

			cs.presence.Reset()
			close(cs.done)
			close(req.done)
			return
		}
	}
}

// routeEvent resolves the room for a client event's participant pair
// and forwards the event to its goroutine. Rooms are created lazily on
// join and sendMessage; typing indicators for an unloaded room have no
// audience and are dropped.
func (cs *ChatServer) routeEvent(ev *ClientEvent) {
	var self, peer string
	switch {
	case ev.Join != nil:
		self, peer = ev.Join.SelfId, ev.Join.PeerId
	case ev.SendMessage != nil:
		self, peer = ev.SendMessage.SelfId, ev.SendMessage.PeerId
	case ev.Typing != nil:
		self, peer = ev.Typing.SelfId, ev.Typing.PeerId
	case ev.StopTyping != nil:
		self, peer = ev.StopTyping.SelfId, ev.StopTyping.PeerId
	default:
		return
	}

	roomId := DeriveRoomID(self, peer)
	room, ok := cs.rooms[roomId]
	if !ok {
		if ev.Typing != nil || ev.StopTyping != nil {
			return
		}

		room = newRoom(roomId, cs)
		cs.rooms[roomId] = room
		go room.start()
		cs.stats.Incr("NumActiveRooms")
	}

	select {
	case room.eventChan <- ev:
	default:
		cs.log.Printf("event channel full for room %q", roomId)
		if ev.client != nil {
			ev.client.queueEvent(ErrServiceUnavailable())
		}
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.registerChan <- c
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	cs.clients[c] = struct{}{}
	cs.clientsLock.Unlock()

	cs.stats.Incr("NumActiveClients")
}

// removeClient finalizes a disconnecting connection. A connection that
// never bound an identity leaves silently; a bound one releases its
// presence slot and, once its user's last connection is gone, the
// offline status is announced to every connected client. The gateway
// does not track which rooms a user was in, hence the global broadcast.
func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	delete(cs.clients, c)
	cs.clientsLock.Unlock()

	cs.stats.Decr("NumActiveClients")

	if c.username == "" {
		return
	}

	if cs.presence.MarkOffline(c.username) {
		cs.stats.Decr("NumOnlineUsers")
		cs.broadcastAll(&ServerEvent{
			Timestamp: Now(),
			OnlineStatus: &OnlineStatus{
				Username: c.username,
				Online:   false,
			},
		})
	}
}

func (cs *ChatServer) markOnline(username string) {
	if cs.presence.MarkOnline(username) {
		cs.stats.Incr("NumOnlineUsers")
	}
}

func (cs *ChatServer) broadcastAll(ev *ServerEvent) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	for client := range cs.clients {
		client.queueEvent(ev)
	}
}

func (cs *ChatServer) generateMessageId() (string, error) {
	return cs.sid.Generate()
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
