package database

import "errors"

var (
	// ErrNotParticipant is returned when a user requests data from a
	// conversation they are not a member of. It is distinct from an empty
	// result, which means the conversation simply has no messages.
	ErrNotParticipant = errors.New("user is not a participant of this conversation")
	// ErrDuplicateEmail is returned when an insert would violate the unique
	// constraint on users.email.
	ErrDuplicateEmail = errors.New("email address is already registered")
)

type ChatRepository interface {
	Ping() error
	CreateUser(params CreateUserParams) (User, error)
	GetUserById(userId int) (User, error)
	GetUserByEmail(email string) (User, error)
	UpdateUser(params UpdateUserParams) (User, error)
	GetAllUsers() ([]User, error)
	AdminUpdateUser(params AdminUpdateUserParams) (User, error)
	DeleteUser(userId int) error
	SearchUsersByEmail(pattern string, excludeId int) ([]User, error)
	GetRooms() ([]Room, error)
	GetRoomById(roomId int) (Room, error)
	GetMessages(roomId, limit int) ([]Message, error)
	SaveMessage(userId, roomId int, message string) (Message, error)
	GetOrCreateDmConversation(userAId, userBId int) (Conversation, error)
	GetDmConversationById(conversationId int) (Conversation, error)
	GetDmConversations(userId int) ([]Conversation, error)
	GetDmMessages(conversationId, userId, limit int) ([]DmMessage, error)
	SaveDmMessage(conversationId, senderId int, message string) (DmMessage, error)
}
