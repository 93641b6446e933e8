package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/sparknet-dev/sparknet/internal/database"
	"github.com/sparknet-dev/sparknet/internal/server"
	"github.com/sparknet-dev/sparknet/internal/types"
)

const (
	defaultMessageLimit = 20

	// shown in place of a message whose envelope no longer decrypts,
	// so one bad row never fails the whole fetch
	unreadableMessage = "[message unavailable]"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ChatsResponse struct {
	Success bool                `json:"success"`
	Chats   []types.ChatSummary `json:"chats"`
}

type ChatHeader struct {
	UserId string `json:"userId"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Online bool   `json:"online"`
}

type ChatMessagesResponse struct {
	Success  bool            `json:"success"`
	Messages []types.Message `json:"messages"`
	Header   ChatHeader      `json:"header"`
	HasMore  bool            `json:"hasMore"`
}

func (s *SparknetApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *SparknetApp) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("health check:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *SparknetApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if lr.Username == "" || lr.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.GetAccountByUsername(lr.Username)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.createJwtForSession(dbUser.Id, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, types.User{
		Id:        dbUser.Id,
		Username:  dbUser.Username,
		FirstName: dbUser.FirstName,
		LastName:  dbUser.LastName,
		Avatar:    dbUser.Avatar,
		CreatedAt: dbUser.CreatedAt,
		UpdatedAt: dbUser.UpdatedAt,
	})
}

func (s *SparknetApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *SparknetApp) getChats(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	summaries, err := s.db.ListConversationSummaries(userId)
	if err != nil {
		s.log.Println("list conversation summaries:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	chats := lo.Map(summaries, func(sum database.ConversationSummary, _ int) types.ChatSummary {
		peer := types.User{
			Username:  sum.PeerUsername,
			FirstName: sum.PeerFirstName,
			LastName:  sum.PeerLastName,
			Avatar:    sum.PeerAvatar,
		}

		chat := types.ChatSummary{
			UserId: sum.PeerUsername,
			Name:   peer.DisplayName(),
			Avatar: avatarOrDefault(peer),
			Unread: sum.Unread,
		}

		if sum.LastMessageContent.Valid {
			text, err := s.codec.Decrypt(sum.LastMessageContent.String)
			if err != nil {
				s.log.Printf("decrypt last message for %s: %v", sum.PeerUsername, err)
				text = unreadableMessage
			}
			chat.LastMessage = text
		}

		when := sum.UpdatedAt
		if sum.LastMessageAt.Valid {
			when = sum.LastMessageAt.Time
		}
		chat.Time = humanize.Time(when)

		return chat
	})

	s.writeJson(w, http.StatusOK, ChatsResponse{
		Success: true,
		Chats:   chats,
	})
}

func (s *SparknetApp) getChatMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	self, err := s.db.GetAccountById(userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	peer, err := s.db.GetAccountByUsername(r.PathValue("username"))
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	blocked, err := s.db.IsBlocked(self.Id, peer.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if blocked {
		errResp := NewForbiddenError("conversation unavailable")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	accepted, err := s.db.ConnectionAccepted(self.Id, peer.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !accepted {
		errResp := NewForbiddenError("users are not connected")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var before time.Time
	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		before, err = time.Parse(time.RFC3339, beforeStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	limit := defaultMessageLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	header := ChatHeader{
		UserId: peer.Username,
		Name: types.User{
			Username:  peer.Username,
			FirstName: peer.FirstName,
			LastName:  peer.LastName,
		}.DisplayName(),
		Avatar: avatarOrDefault(types.User{Username: peer.Username, Avatar: peer.Avatar}),
		Online: s.presence.IsOnline(peer.Username),
	}

	conv, err := s.db.GetConversation(self.Id, peer.Id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// no conversation yet, nothing to page through
			s.writeJson(w, http.StatusOK, ChatMessagesResponse{
				Success:  true,
				Messages: []types.Message{},
				Header:   header,
			})
			return
		}
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbMessages, err := s.db.GetMessages(conv.Id, before, limit)
	if err != nil {
		s.log.Println("get messages:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages := lo.Map(dbMessages, func(msg database.Message, _ int) types.Message {
		text, err := s.codec.Decrypt(msg.Content)
		if err != nil {
			s.log.Printf("decrypt message %s: %v", msg.ExternalId, err)
			text = unreadableMessage
		}

		return types.Message{
			Id:        msg.ExternalId,
			Sender:    msg.SenderUsername,
			Text:      text,
			CreatedAt: msg.CreatedAt,
		}
	})

	// store returns newest first; the client renders oldest first
	lo.Reverse(messages)

	s.writeJson(w, http.StatusOK, ChatMessagesResponse{
		Success:  true,
		Messages: messages,
		Header:   header,
		HasMore:  len(dbMessages) == limit,
	})
}

func (s *SparknetApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}

func avatarOrDefault(u types.User) string {
	if u.Avatar != "" {
		return u.Avatar
	}
	return fmt.Sprintf("https://ui-avatars.com/api/?name=%s", u.Username)
}
