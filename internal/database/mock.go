package database

import (
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateUser(params CreateUserParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetUserById(userId int) (User, error) {
	args := m.Called(userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetUserByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) UpdateUser(params UpdateUserParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAllUsers() ([]User, error) {
	args := m.Called()
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockChatRepository) AdminUpdateUser(params AdminUpdateUserParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) DeleteUser(userId int) error {
	args := m.Called(userId)
	return args.Error(0)
}
func (m *MockChatRepository) SearchUsersByEmail(pattern string, excludeId int) ([]User, error) {
	args := m.Called(pattern, excludeId)
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockChatRepository) GetRooms() ([]Room, error) {
	args := m.Called()
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockChatRepository) GetRoomById(roomId int) (Room, error) {
	args := m.Called(roomId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) GetMessages(roomId, limit int) ([]Message, error) {
	args := m.Called(roomId, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) SaveMessage(userId, roomId int, message string) (Message, error) {
	args := m.Called(userId, roomId, message)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetOrCreateDmConversation(userAId, userBId int) (Conversation, error) {
	args := m.Called(userAId, userBId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) GetDmConversationById(conversationId int) (Conversation, error) {
	args := m.Called(conversationId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) GetDmConversations(userId int) ([]Conversation, error) {
	args := m.Called(userId)
	return args.Get(0).([]Conversation), args.Error(1)
}
func (m *MockChatRepository) GetDmMessages(conversationId, userId, limit int) ([]DmMessage, error) {
	args := m.Called(conversationId, userId, limit)
	if msgs, ok := args.Get(0).([]DmMessage); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) SaveDmMessage(conversationId, senderId int, message string) (DmMessage, error) {
	args := m.Called(conversationId, senderId, message)
	return args.Get(0).(DmMessage), args.Error(1)
}
