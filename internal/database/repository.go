package database

import "time"

// ChatRepository is the conversation store and user directory boundary
// used by the gateway and the HTTP surface. Not-found is reported as
// sql.ErrNoRows.
type ChatRepository interface {
	Ping() error
	GetAccountByUsername(username string) (User, error)
	GetAccountById(id int) (User, error)
	GetConversation(aId, bId int) (Conversation, error)
	CreateConversation(aId, bId int) (Conversation, error)
	// AppendMessage inserts the message, records the sender in its
	// readBy set and caches it as the conversation's last message, all
	// in a single transaction.
	AppendMessage(msg Message) (Message, error)
	// MarkConversationRead adds the account to the readBy set of every
	// message in the conversation it has not read yet and returns the
	// number of messages affected. Idempotent.
	MarkConversationRead(conversationId, accountId int) (int, error)
	UnreadCount(conversationId, accountId int) (int, error)
	ListConversationSummaries(accountId int) ([]ConversationSummary, error)
	GetMessages(conversationId int, before time.Time, limit int) ([]Message, error)
	ConnectionAccepted(aId, bId int) (bool, error)
	IsBlocked(aId, bId int) (bool, error)
}
