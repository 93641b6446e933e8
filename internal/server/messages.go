package server

import (
	"net/http"
	"time"
)

// ClientEvent is the envelope for client-to-server events. Exactly one
// of the event fields is set.
type ClientEvent struct {
	Join        *Join        `json:"join,omitempty"`
	SendMessage *SendMessage `json:"sendMessage,omitempty"`
	Typing      *Typing      `json:"typing,omitempty"`
	StopTyping  *Typing      `json:"stopTyping,omitempty"`

	client *Client
}

type Join struct {
	SelfId string `json:"selfId"`
	PeerId string `json:"peerId"`
}

type SendMessage struct {
	SelfId  string         `json:"selfId"`
	PeerId  string         `json:"peerId"`
	Message MessagePayload `json:"message"`
}

// MessagePayload carries the plaintext body and the client's display
// time, which is echoed back verbatim on the broadcast.
type MessagePayload struct {
	Text string `json:"text"`
	Time string `json:"time"`
}

type Typing struct {
	SelfId string `json:"selfId"`
	PeerId string `json:"peerId"`
}

// ServerEvent is the envelope for server-to-client events. Exactly one
// of the event fields is set.
type ServerEvent struct {
	Timestamp       time.Time        `json:"timestamp"`
	OnlineStatus    *OnlineStatus    `json:"userOnlineStatus,omitempty"`
	UnreadUpdated   *UnreadUpdated   `json:"unreadUpdated,omitempty"`
	MessageReceived *MessageReceived `json:"messageReceived,omitempty"`
	Typing          *TypingNotice    `json:"typing,omitempty"`
	StopTyping      *TypingNotice    `json:"stopTyping,omitempty"`
	Error           *ErrorEvent      `json:"error,omitempty"`

	skipClient *Client
}

type OnlineStatus struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

type UnreadUpdated struct {
	UserId string `json:"userId"`
}

type MessageReceived struct {
	NewMessage NewMessage `json:"newMessage"`
}

// NewMessage is the wire form of a delivered message. Text is
// plaintext; only storage is encrypted.
type NewMessage struct {
	Id     string `json:"id,omitempty"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Time   string `json:"time"`
}

type TypingNotice struct {
	Username string `json:"username"`
}

type ErrorEvent struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newErrorEvent(code int, message string) *ServerEvent {
	return &ServerEvent{
		Timestamp: Now(),
		Error: &ErrorEvent{
			Code:    code,
			Message: message,
		},
	}
}

func ErrInvalidEvent() *ServerEvent {
	return newErrorEvent(http.StatusBadRequest, "invalid event format")
}

func ErrNotJoined() *ServerEvent {
	return newErrorEvent(http.StatusConflict, "no identity bound, join first")
}

func ErrIdentityBound() *ServerEvent {
	return newErrorEvent(http.StatusConflict, "connection already bound to another identity")
}

func ErrUnknownUser(username string) *ServerEvent {
	return newErrorEvent(http.StatusNotFound, "unknown user "+username)
}

func ErrConversationWriteFailed() *ServerEvent {
	return newErrorEvent(http.StatusInternalServerError, "failed to write conversation")
}

func ErrServiceUnavailable() *ServerEvent {
	return newErrorEvent(http.StatusServiceUnavailable, "service unavailable")
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
