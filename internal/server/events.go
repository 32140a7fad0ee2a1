package server

import (
	"encoding/json"
	"time"

	"github.com/mkobayashi/go-chatapp/internal/types"
)

// Inbound event names.
const (
	EventRoomJoin    = "room:join"
	EventChatMessage = "chat:message"
	EventChatTyping  = "chat:typing"
	EventDmJoin      = "dm:join"
	EventDmMessage   = "dm:message"
	EventDmTyping    = "dm:typing"
)

// Outbound-only event names. chat:message, chat:typing, dm:message and
// dm:typing are reused in both directions with different payloads.
const (
	EventDmUpdate      = "dm:update"
	EventUsersOnline   = "users:online"
	EventSystemMessage = "system:message"
)

// ClientEvent is a single inbound frame. Data is decoded lazily per event
// type since the payload shape depends on the event name.
type ClientEvent struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	client *Client
}

type ChatMessagePayload struct {
	RoomId  int    `json:"roomId"`
	Message string `json:"message"`
}

type ChatTypingPayload struct {
	RoomId int `json:"roomId"`
}

type DmMessagePayload struct {
	ConversationId int    `json:"conversationId"`
	PartnerId      int    `json:"partnerId"`
	Message        string `json:"message"`
}

type DmTypingPayload struct {
	ConversationId int `json:"conversationId"`
}

// ServerEvent is a single outbound frame.
type ServerEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type TypingNotice struct {
	Name string `json:"name"`
}

type OnlineUser struct {
	Id   int    `json:"id"`
	Name string `json:"name"`
}

type SystemNotice struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func NewChatMessageEvent(msg types.Message) *ServerEvent {
	return &ServerEvent{
		Event: EventChatMessage,
		Data:  msg,
	}
}

func NewDmMessageEvent(msg types.DmMessage) *ServerEvent {
	return &ServerEvent{
		Event: EventDmMessage,
		Data:  msg,
	}
}

// NewDmUpdateEvent signals a recipient that one of their conversations
// changed. It deliberately carries no payload; the client refetches its
// conversation list.
func NewDmUpdateEvent() *ServerEvent {
	return &ServerEvent{
		Event: EventDmUpdate,
	}
}

func NewTypingEvent(event, userName string) *ServerEvent {
	return &ServerEvent{
		Event: event,
		Data:  TypingNotice{Name: userName},
	}
}

func NewUsersOnlineEvent(users []OnlineUser) *ServerEvent {
	return &ServerEvent{
		Event: EventUsersOnline,
		Data:  users,
	}
}

func NewSystemMessageEvent(text string) *ServerEvent {
	return &ServerEvent{
		Event: EventSystemMessage,
		Data: SystemNotice{
			Text:      text,
			Timestamp: Now(),
		},
	}
}

func serializeEvent(ev *ServerEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
