package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const uniqueViolation = pq.ErrorCode("23505")

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// canonicalPair orders an unordered pair of user ids so that every
// conversation between the same two users maps to a single row.
func canonicalPair(userAId, userBId int) (int, int) {
	if userAId > userBId {
		return userBId, userAId
	}
	return userAId, userBId
}

func (db *PgChatRepository) CreateUser(params CreateUserParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO users (name, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, name, email, role, created_at, updated_at",
		params.Name,
		params.Email,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Name,
		&u.Email,
		&u.Role,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return User{}, ErrDuplicateEmail
	}

	return u, err
}

func (db *PgChatRepository) GetUserById(userId int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, email, role, created_at, updated_at FROM users "+
			"WHERE id = $1 LIMIT 1",
		userId,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Name,
		&u.Email,
		&u.Role,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgChatRepository) GetUserByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, email, password_hash, role, created_at, updated_at FROM users "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Name,
		&u.Email,
		&u.PasswordHash,
		&u.Role,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgChatRepository) UpdateUser(params UpdateUserParams) (User, error) {
	res := db.conn.QueryRow(
		"UPDATE users SET name = $2, email = $3, updated_at = $4 "+
			"WHERE id = $1 RETURNING id, name, email, role, created_at, updated_at",
		params.UserId,
		params.Name,
		params.Email,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Name,
		&u.Email,
		&u.Role,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return User{}, ErrDuplicateEmail
	}

	return u, err
}

func (db *PgChatRepository) GetAllUsers() ([]User, error) {
	rows, err := db.conn.Query(
		"SELECT id, name, email, role, created_at, updated_at FROM users ORDER BY created_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users = make([]User, 0)
	for rows.Next() {
		var u User
		if err = rows.Scan(&u.Id, &u.Name, &u.Email, &u.Role, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}

		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *PgChatRepository) AdminUpdateUser(params AdminUpdateUserParams) (User, error) {
	res := db.conn.QueryRow(
		"UPDATE users SET name = $2, email = $3, role = $4, updated_at = $5 "+
			"WHERE id = $1 RETURNING id, name, email, role, created_at, updated_at",
		params.UserId,
		params.Name,
		params.Email,
		params.Role,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Name,
		&u.Email,
		&u.Role,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return User{}, ErrDuplicateEmail
	}

	return u, err
}

func (db *PgChatRepository) DeleteUser(userId int) error {
	// authored messages, conversations and DM messages go with the user
	// via ON DELETE CASCADE
	_, err := db.conn.Exec("DELETE FROM users WHERE id = $1", userId)
	return err
}

func (db *PgChatRepository) SearchUsersByEmail(pattern string, excludeId int) ([]User, error) {
	rows, err := db.conn.Query(
		"SELECT id, name, email FROM users WHERE email LIKE $1 AND id != $2 LIMIT 10",
		"%"+pattern+"%",
		excludeId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users = make([]User, 0)
	for rows.Next() {
		var u User
		if err = rows.Scan(&u.Id, &u.Name, &u.Email); err != nil {
			return nil, err
		}

		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *PgChatRepository) GetRooms() ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT r.id, r.name, r.description, r.created_at, " +
			"(SELECT COUNT(*) FROM messages m WHERE m.room_id = r.id) AS message_count " +
			"FROM rooms r ORDER BY r.id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms = make([]Room, 0)
	for rows.Next() {
		var r Room
		if err = rows.Scan(&r.Id, &r.Name, &r.Description, &r.CreatedAt, &r.MessageCount); err != nil {
			return nil, err
		}

		rooms = append(rooms, r)
	}

	return rooms, rows.Err()
}

func (db *PgChatRepository) GetRoomById(roomId int) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, description, created_at FROM rooms WHERE id = $1 LIMIT 1",
		roomId,
	)

	var r Room
	err := row.Scan(&r.Id, &r.Name, &r.Description, &r.CreatedAt)

	return r, err
}

// GetMessages returns the most recent limit messages for a room in
// oldest-first order. The scan runs newest-first so the limit bounds it,
// then the result is reversed for display.
func (db *PgChatRepository) GetMessages(roomId, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.Query(
		"SELECT m.id, m.user_id, u.name, m.room_id, m.message, m.created_at "+
			"FROM messages m JOIN users u ON m.user_id = u.id "+
			"WHERE m.room_id = $1 ORDER BY m.created_at DESC, m.id DESC LIMIT $2",
		roomId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err = rows.Scan(&m.Id, &m.UserId, &m.UserName, &m.RoomId, &m.Message, &m.CreatedAt); err != nil {
			return nil, err
		}

		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reverseMessages(messages)
	return messages, nil
}

func reverseMessages[T any](msgs []T) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func (db *PgChatRepository) SaveMessage(userId, roomId int, message string) (Message, error) {
	res := db.conn.QueryRow(
		"INSERT INTO messages (user_id, room_id, message, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, created_at",
		userId,
		roomId,
		message,
		time.Now().UTC(),
	)

	m := Message{
		UserId:  userId,
		RoomId:  roomId,
		Message: message,
	}
	err := res.Scan(&m.Id, &m.CreatedAt)

	return m, err
}

func (db *PgChatRepository) GetOrCreateDmConversation(userAId, userBId int) (Conversation, error) {
	first, second := canonicalPair(userAId, userBId)

	conv, err := db.getDmConversationByPair(first, second)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, err
	}

	res := db.conn.QueryRow(
		"INSERT INTO dm_conversations (user_a_id, user_b_id, created_at) "+
			"VALUES ($1, $2, $3) RETURNING id, user_a_id, user_b_id, created_at",
		first,
		second,
		time.Now().UTC(),
	)

	err = res.Scan(&conv.Id, &conv.UserAId, &conv.UserBId, &conv.CreatedAt)
	if isUniqueViolation(err) {
		// both participants raced to create the conversation; the unique
		// constraint on the canonical pair means the other insert won
		return db.getDmConversationByPair(first, second)
	}

	return conv, err
}

func (db *PgChatRepository) getDmConversationByPair(userAId, userBId int) (Conversation, error) {
	row := db.conn.QueryRow(
		"SELECT id, user_a_id, user_b_id, created_at FROM dm_conversations "+
			"WHERE user_a_id = $1 AND user_b_id = $2 LIMIT 1",
		userAId,
		userBId,
	)

	var conv Conversation
	err := row.Scan(&conv.Id, &conv.UserAId, &conv.UserBId, &conv.CreatedAt)

	return conv, err
}

func (db *PgChatRepository) GetDmConversationById(conversationId int) (Conversation, error) {
	row := db.conn.QueryRow(
		"SELECT id, user_a_id, user_b_id, created_at FROM dm_conversations "+
			"WHERE id = $1 LIMIT 1",
		conversationId,
	)

	var conv Conversation
	err := row.Scan(&conv.Id, &conv.UserAId, &conv.UserBId, &conv.CreatedAt)

	return conv, err
}

func (db *PgChatRepository) GetDmConversations(userId int) ([]Conversation, error) {
	query := `
		SELECT c.id, c.user_a_id, c.user_b_id, c.created_at,
			CASE WHEN c.user_a_id = $1 THEN c.user_b_id ELSE c.user_a_id END AS partner_id,
			CASE WHEN c.user_a_id = $1 THEN ub.name ELSE ua.name END AS partner_name,
			(SELECT dm.message FROM dm_messages dm WHERE dm.conversation_id = c.id
				ORDER BY dm.created_at DESC, dm.id DESC LIMIT 1) AS last_message,
			(SELECT dm.created_at FROM dm_messages dm WHERE dm.conversation_id = c.id
				ORDER BY dm.created_at DESC, dm.id DESC LIMIT 1) AS last_message_at
		FROM dm_conversations c
		JOIN users ua ON c.user_a_id = ua.id
		JOIN users ub ON c.user_b_id = ub.id
		WHERE c.user_a_id = $1 OR c.user_b_id = $1
		ORDER BY last_message_at DESC NULLS LAST
`

	rows, err := db.conn.Query(query, userId)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs = make([]Conversation, 0)
	for rows.Next() {
		var (
			conv          Conversation
			lastMessage   sql.NullString
			lastMessageAt sql.NullTime
		)

		err := rows.Scan(
			&conv.Id,
			&conv.UserAId,
			&conv.UserBId,
			&conv.CreatedAt,
			&conv.PartnerId,
			&conv.PartnerName,
			&lastMessage,
			&lastMessageAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if lastMessage.Valid {
			conv.LastMessage = lastMessage.String
		}
		if lastMessageAt.Valid {
			t := lastMessageAt.Time
			conv.LastMessageAt = &t
		}

		convs = append(convs, conv)
	}

	return convs, rows.Err()
}

// GetDmMessages verifies the requester is a participant of the conversation
// before returning any rows. A non-participant gets ErrNotParticipant, never
// an empty list.
func (db *PgChatRepository) GetDmMessages(conversationId, userId, limit int) ([]DmMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	conv, err := db.GetDmConversationById(conversationId)
	if err != nil {
		return nil, err
	}

	if conv.UserAId != userId && conv.UserBId != userId {
		return nil, ErrNotParticipant
	}

	rows, err := db.conn.Query(
		"SELECT m.id, m.conversation_id, m.sender_id, u.name, m.message, m.created_at "+
			"FROM dm_messages m JOIN users u ON m.sender_id = u.id "+
			"WHERE m.conversation_id = $1 ORDER BY m.created_at DESC, m.id DESC LIMIT $2",
		conversationId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]DmMessage, 0, limit)
	for rows.Next() {
		var m DmMessage
		if err = rows.Scan(&m.Id, &m.ConversationId, &m.SenderId, &m.SenderName, &m.Message, &m.CreatedAt); err != nil {
			return nil, err
		}

		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reverseMessages(messages)
	return messages, nil
}

func (db *PgChatRepository) SaveDmMessage(conversationId, senderId int, message string) (DmMessage, error) {
	res := db.conn.QueryRow(
		"INSERT INTO dm_messages (conversation_id, sender_id, message, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, created_at",
		conversationId,
		senderId,
		message,
		time.Now().UTC(),
	)

	m := DmMessage{
		ConversationId: conversationId,
		SenderId:       senderId,
		Message:        message,
	}
	err := res.Scan(&m.Id, &m.CreatedAt)

	return m, err
}
