package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) GetAccountByUsername(username string) (User, error) {
	args := m.Called(username)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountById(id int) (User, error) {
	args := m.Called(id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetConversation(aId, bId int) (Conversation, error) {
	args := m.Called(aId, bId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) CreateConversation(aId, bId int) (Conversation, error) {
	args := m.Called(aId, bId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) AppendMessage(msg Message) (Message, error) {
	args := m.Called(msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) MarkConversationRead(conversationId, accountId int) (int, error) {
	args := m.Called(conversationId, accountId)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) UnreadCount(conversationId, accountId int) (int, error) {
	args := m.Called(conversationId, accountId)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) ListConversationSummaries(accountId int) ([]ConversationSummary, error) {
	args := m.Called(accountId)
	return args.Get(0).([]ConversationSummary), args.Error(1)
}
func (m *MockChatRepository) GetMessages(conversationId int, before time.Time, limit int) ([]Message, error) {
	args := m.Called(conversationId, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) ConnectionAccepted(aId, bId int) (bool, error) {
	args := m.Called(aId, bId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) IsBlocked(aId, bId int) (bool, error) {
	args := m.Called(aId, bId)
	return args.Bool(0), args.Error(1)
}
