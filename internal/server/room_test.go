package server

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/sparknet-dev/sparknet/internal/database"
	"github.com/sparknet-dev/sparknet/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestClient(cs *ChatServer, username string) *Client {
	c := NewClient(nil, cs, cs.log)
	c.username = username
	c.state = stateJoined
	return c
}

func TestRoom_handleJoin(t *testing.T) {
	alice := database.User{Id: 1, Username: "alice"}
	bob := database.User{Id: 2, Username: "bob"}
	conv := database.Conversation{Id: 10, ParticipantA: 1, ParticipantB: 2}

	t.Run("announces presence and reconciles unread", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountByUsername", "alice").Return(alice, nil).Once()
		db.On("GetAccountByUsername", "bob").Return(bob, nil).Once()
		db.On("GetConversation", alice.Id, bob.Id).Return(conv, nil).Once()
		db.On("MarkConversationRead", conv.Id, alice.Id).Return(3, nil).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		r := newRoom(DeriveRoomID("alice", "bob"), cs)

		peer := newTestClient(cs, "bob")
		r.addClient(peer)

		c := newTestClient(cs, "alice")
		r.handleJoin(&ClientEvent{
			Join:   &Join{SelfId: "alice", PeerId: "bob"},
			client: c,
		})

		assert.Contains(t, r.clients, c, "expected joining client to be subscribed")
		assert.Contains(t, c.rooms, r.id, "expected client to track the room")

		// everyone in the room sees the online announcement
		for _, member := range []*Client{c, peer} {
			ev := recvEvent(t, member)
			require.NotNil(t, ev.OnlineStatus, "expected an online status event")
			assert.Equal(t, "alice", ev.OnlineStatus.Username)
			assert.True(t, ev.OnlineStatus.Online)
		}

		// messages were newly marked read, both sides get notified
		for _, member := range []*Client{c, peer} {
			first := recvEvent(t, member)
			require.NotNil(t, first.UnreadUpdated, "expected an unread update")
			assert.Equal(t, "alice", first.UnreadUpdated.UserId)

			second := recvEvent(t, member)
			require.NotNil(t, second.UnreadUpdated, "expected an unread update")
			assert.Equal(t, "bob", second.UnreadUpdated.UserId)
		}
	})

	t.Run("no unread updates when nothing changed", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountByUsername", "alice").Return(alice, nil).Once()
		db.On("GetAccountByUsername", "bob").Return(bob, nil).Once()
		db.On("GetConversation", alice.Id, bob.Id).Return(conv, nil).Once()
		db.On("MarkConversationRead", conv.Id, alice.Id).Return(0, nil).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		r := newRoom(DeriveRoomID("alice", "bob"), cs)

		c := newTestClient(cs, "alice")
		r.handleJoin(&ClientEvent{
			Join:   &Join{SelfId: "alice", PeerId: "bob"},
			client: c,
		})

		ev := recvEvent(t, c)
		require.NotNil(t, ev.OnlineStatus)
		assert.Empty(t, c.send, "expected no further events")
	})

	t.Run("no conversation yet means nothing to reconcile", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountByUsername", "alice").Return(alice, nil).Once()
		db.On("GetAccountByUsername", "bob").Return(bob, nil).Once()
		db.On("GetConversation", alice.Id, bob.Id).Return(database.Conversation{}, sql.ErrNoRows).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		r := newRoom(DeriveRoomID("alice", "bob"), cs)

		c := newTestClient(cs, "alice")
		r.handleJoin(&ClientEvent{
			Join:   &Join{SelfId: "alice", PeerId: "bob"},
			client: c,
		})

		ev := recvEvent(t, c)
		require.NotNil(t, ev.OnlineStatus)
		assert.Empty(t, c.send, "expected no further events")
	})

	t.Run("unknown peer surfaces to the joining client only", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountByUsername", "alice").Return(alice, nil).Once()
		db.On("GetAccountByUsername", "ghost").Return(database.User{}, sql.ErrNoRows).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		r := newRoom(DeriveRoomID("alice", "ghost"), cs)

		c := newTestClient(cs, "alice")
		r.handleJoin(&ClientEvent{
			Join:   &Join{SelfId: "alice", PeerId: "ghost"},
			client: c,
		})

		ev := recvEvent(t, c)
		require.NotNil(t, ev.OnlineStatus)

		ev = recvEvent(t, c)
		require.NotNil(t, ev.Error, "expected an error event")
		assert.Equal(t, ErrUnknownUser("ghost").Error, ev.Error)
	})

	t.Run("mark read failure keeps the connection up", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountByUsername", "alice").Return(alice, nil).Once()
		db.On("GetAccountByUsername", "bob").Return(bob, nil).Once()
		db.On("GetConversation", alice.Id, bob.Id).Return(conv, nil).Once()
		db.On("MarkConversationRead", conv.Id, alice.Id).Return(0, errors.New("db error")).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		r := newRoom(DeriveRoomID("alice", "bob"), cs)

		c := newTestClient(cs, "alice")
		r.handleJoin(&ClientEvent{
			Join:   &Join{SelfId: "alice", PeerId: "bob"},
			client: c,
		})

		ev := recvEvent(t, c)
		require.NotNil(t, ev.OnlineStatus)

		ev = recvEvent(t, c)
		require.NotNil(t, ev.Error, "expected an error event")
		assert.Equal(t, ErrConversationWriteFailed().Error, ev.Error)
		assert.Contains(t, r.clients, c, "expected client to stay subscribed")
	})
}

func TestRoom_handleSendMessage(t *testing.T) {
	alice := database.User{Id: 1, Username: "alice"}
	bob := database.User{Id: 2, Username: "bob"}
	conv := database.Conversation{Id: 10, ParticipantA: 1, ParticipantB: 2}

	t.Run("persists encrypted and broadcasts plaintext", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		var appended database.Message
		db.On("GetAccountByUsername", "alice").Return(alice, nil).Once()
		db.On("GetAccountByUsername", "bob").Return(bob, nil).Once()
		db.On("GetConversation", alice.Id, bob.Id).Return(conv, nil).Once()
		db.On("AppendMessage", mock.AnythingOfType("database.Message")).
			Run(func(args mock.Arguments) { appended = args.Get(0).(database.Message) }).
			Return(database.Message{}, nil).Once()

		su := &stats.MockStatsUpdater{}
		su.On("Incr", "NumMessages").Once()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		r := newRoom(DeriveRoomID("alice", "bob"), cs)

		sender := newTestClient(cs, "alice")
		receiver := newTestClient(cs, "bob")
		r.addClient(sender)
		r.addClient(receiver)

		r.handleSendMessage(&ClientEvent{
			SendMessage: &SendMessage{
				SelfId:  "alice",
				PeerId:  "bob",
				Message: MessagePayload{Text: "hello bob", Time: "10:42 AM"},
			},
			client: sender,
		})

		assert.Equal(t, conv.Id, appended.ConversationId)
		assert.Equal(t, alice.Id, appended.SenderId)
		assert.NotEmpty(t, appended.ExternalId, "expected a generated message id")
		assert.NotEqual(t, "hello bob", appended.Content, "expected stored content to be encrypted")

		plaintext, err := cs.codec.Decrypt(appended.Content)
		require.NoError(t, err, "expected stored envelope to decrypt")
		assert.Equal(t, "hello bob", plaintext)

		// both sides of the room get the plaintext broadcast
		for _, member := range []*Client{sender, receiver} {
			ev := recvEvent(t, member)
			require.NotNil(t, ev.MessageReceived, "expected a message event")
			assert.Equal(t, appended.ExternalId, ev.MessageReceived.NewMessage.Id)
			assert.Equal(t, "alice", ev.MessageReceived.NewMessage.Sender)
			assert.Equal(t, "hello bob", ev.MessageReceived.NewMessage.Text)
			assert.Equal(t, "10:42 AM", ev.MessageReceived.NewMessage.Time)
		}
	})

	t.Run("creates the conversation on first message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountByUsername", "alice").Return(alice, nil).Once()
		db.On("GetAccountByUsername", "bob").Return(bob, nil).Once()
		db.On("GetConversation", alice.Id, bob.Id).Return(database.Conversation{}, sql.ErrNoRows).Once()
		db.On("CreateConversation", alice.Id, bob.Id).Return(conv, nil).Once()
		db.On("AppendMessage", mock.AnythingOfType("database.Message")).
			Return(database.Message{}, nil).Once()

		su := &stats.MockStatsUpdater{}
		su.On("Incr", "NumMessages").Once()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		r := newRoom(DeriveRoomID("alice", "bob"), cs)

		sender := newTestClient(cs, "alice")
		r.addClient(sender)

		r.handleSendMessage(&ClientEvent{
			SendMessage: &SendMessage{
				SelfId:  "alice",
				PeerId:  "bob",
				Message: MessagePayload{Text: "hello"},
			},
			client: sender,
		})

		ev := recvEvent(t, sender)
		require.NotNil(t, ev.MessageReceived, "expected a message event")
	})

	t.Run("unknown recipient", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountByUsername", "alice").Return(alice, nil).Once()
		db.On("GetAccountByUsername", "ghost").Return(database.User{}, sql.ErrNoRows).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		r := newRoom(DeriveRoomID("alice", "ghost"), cs)

		sender := newTestClient(cs, "alice")
		r.addClient(sender)

		r.handleSendMessage(&ClientEvent{
			SendMessage: &SendMessage{
				SelfId:  "alice",
				PeerId:  "ghost",
				Message: MessagePayload{Text: "hello"},
			},
			client: sender,
		})

		ev := recvEvent(t, sender)
		require.NotNil(t, ev.Error, "expected an error event")
		assert.Equal(t, ErrUnknownUser("ghost").Error, ev.Error)
	})

	t.Run("append failure aborts without broadcast", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountByUsername", "alice").Return(alice, nil).Once()
		db.On("GetAccountByUsername", "bob").Return(bob, nil).Once()
		db.On("GetConversation", alice.Id, bob.Id).Return(conv, nil).Once()
		db.On("AppendMessage", mock.AnythingOfType("database.Message")).
			Return(database.Message{}, errors.New("db error")).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		r := newRoom(DeriveRoomID("alice", "bob"), cs)

		sender := newTestClient(cs, "alice")
		receiver := newTestClient(cs, "bob")
		r.addClient(sender)
		r.addClient(receiver)

		r.handleSendMessage(&ClientEvent{
			SendMessage: &SendMessage{
				SelfId:  "alice",
				PeerId:  "bob",
				Message: MessagePayload{Text: "hello"},
			},
			client: sender,
		})

		ev := recvEvent(t, sender)
		require.NotNil(t, ev.Error, "expected an error event")
		assert.Equal(t, ErrConversationWriteFailed().Error, ev.Error)
		assert.Empty(t, receiver.send, "expected no broadcast on failure")
	})
}

func TestRoom_broadcast(t *testing.T) {
	t.Run("skips the originating client", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		r := newRoom(DeriveRoomID("alice", "bob"), cs)

		sender := newTestClient(cs, "alice")
		receiver := newTestClient(cs, "bob")
		r.addClient(sender)
		r.addClient(receiver)

		r.broadcast(&ServerEvent{
			Typing:     &TypingNotice{Username: "alice"},
			skipClient: sender,
		})

		ev := recvEvent(t, receiver)
		require.NotNil(t, ev.Typing, "expected a typing event")
		assert.Equal(t, "alice", ev.Typing.Username)
		assert.Empty(t, sender.send, "expected the sender to be skipped")
	})

	t.Run("stamps a timestamp", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		r := newRoom(DeriveRoomID("alice", "bob"), cs)

		c := newTestClient(cs, "alice")
		r.addClient(c)

		r.broadcast(&ServerEvent{Typing: &TypingNotice{Username: "bob"}})

		ev := recvEvent(t, c)
		assert.False(t, ev.Timestamp.IsZero(), "expected a timestamp on the event")
	})
}

func TestRoom_removeClient(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
	r := newRoom(DeriveRoomID("alice", "bob"), cs)

	first := newTestClient(cs, "alice")
	second := newTestClient(cs, "alice")
	r.addClient(first)
	r.addClient(second)

	r.removeClient(first)
	assert.NotContains(t, r.clients, first, "expected client to be removed")
	assert.NotContains(t, first.rooms, r.id, "expected client to drop the room")
	assert.Contains(t, r.userMap["alice"], second, "expected the user's other connection to remain")
	assert.False(t, r.killTimer.Stop(), "expected no idle timer while clients remain")

	r.removeClient(second)
	assert.Empty(t, r.clients, "expected no clients left")
	assert.Empty(t, r.userMap, "expected no users left")
	assert.True(t, r.killTimer.Stop(), "expected the idle timer to be armed once the room is empty")

	// removing an unknown client is a no-op
	r.removeClient(first)
}

func TestRoom_handleRoomTimeout(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
	r := newRoom(DeriveRoomID("alice", "bob"), cs)

	r.handleRoomTimeout()

	select {
	case id := <-cs.unloadRoomChan:
		assert.Equal(t, r.id, id, "expected the room to request its own unload")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for unload request")
	}
}

func TestRoom_handleRoomExit(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
	r := newRoom(DeriveRoomID("alice", "bob"), cs)

	c := newTestClient(cs, "alice")
	r.addClient(c)

	r.handleRoomExit()

	assert.NotContains(t, c.rooms, r.id, "expected client to drop the room on exit")

	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatal("expected done channel to be closed")
	}
}
