package types

import (
	"time"
)

type User struct {
	Id        int       `json:"id"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Avatar    string    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// DisplayName is the user's full name, falling back to the username
// when no name fields are set.
func (u User) DisplayName() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		return u.Username
	}
	return name
}

type Message struct {
	Id        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Time      string    `json:"time,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatSummary is one row of a user's conversation list. LastMessage
// holds plaintext, decrypted before it leaves the store boundary.
type ChatSummary struct {
	UserId      string `json:"userId"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar"`
	LastMessage string `json:"lastMessage"`
	Time        string `json:"time"`
	Unread      int    `json:"unread"`
}
