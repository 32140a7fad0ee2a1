package types

import (
	"time"
)

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

type User struct {
	Id        int       `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role,omitempty"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type Room struct {
	Id           int       `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

type Message struct {
	Id        int       `json:"id"`
	UserId    int       `json:"user_id"`
	UserName  string    `json:"user_name"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	Id            int        `json:"id"`
	PartnerId     int        `json:"partner_id"`
	PartnerName   string     `json:"partner_name"`
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

type DmMessage struct {
	Id             int       `json:"id"`
	ConversationId int       `json:"conversation_id"`
	UserId         int       `json:"user_id"`
	UserName       string    `json:"user_name"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}
