package database

import (
	"database/sql"
	"time"
)

type User struct {
	Id           int
	Username     string
	FirstName    string
	LastName     string
	Avatar       string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Conversation is the persisted chat between exactly two participants.
// The pair is stored normalized (ParticipantA < ParticipantB) so each
// unordered pair maps to exactly one row.
type Conversation struct {
	Id            int
	ParticipantA  int
	ParticipantB  int
	LastMessageId sql.NullInt64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message content holds the encrypted envelope, never plaintext.
type Message struct {
	Id             int
	ExternalId     string
	ConversationId int
	SenderId       int
	SenderUsername string
	Content        string
	CreatedAt      time.Time
}

// ConversationSummary is one row of a user's chat list as read from
// the store. LastMessageContent is still encrypted at this layer.
type ConversationSummary struct {
	PeerUsername       string
	PeerFirstName      string
	PeerLastName       string
	PeerAvatar         string
	LastMessageContent sql.NullString
	LastMessageAt      sql.NullTime
	UpdatedAt          time.Time
	Unread             int
}
