package database

import "time"

type User struct {
	Id           int
	Name         string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	Id           int
	Name         string
	Description  string
	MessageCount int
	CreatedAt    time.Time
}

type Message struct {
	Id        int
	UserId    int
	UserName  string
	RoomId    int
	Message   string
	CreatedAt time.Time
}

type Conversation struct {
	Id            int
	UserAId       int
	UserBId       int
	PartnerId     int
	PartnerName   string
	LastMessage   string
	LastMessageAt *time.Time
	CreatedAt     time.Time
}

type DmMessage struct {
	Id             int
	ConversationId int
	SenderId       int
	SenderName     string
	Message        string
	CreatedAt      time.Time
}

type CreateUserParams struct {
	Name         string
	Email        string
	PasswordHash string
}

type UpdateUserParams struct {
	UserId int
	Name   string
	Email  string
}

type AdminUpdateUserParams struct {
	UserId int
	Name   string
	Email  string
	Role   string
}
