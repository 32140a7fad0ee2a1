package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/mkobayashi/go-chatapp/internal/database"
	"github.com/mkobayashi/go-chatapp/internal/stats"
	"github.com/mkobayashi/go-chatapp/internal/types"
)

type stopReq struct {
	done chan struct{}
}

// ChatServer is the realtime dispatcher. All inbound events, registrations
// and deregistrations are processed one at a time by Run, so the presence
// registry and topic table never see concurrent writers.
type ChatServer struct {
	log            *log.Logger
	db             database.ChatRepository
	stats          stats.StatsProvider
	presence       *presenceRegistry
	topics         *topicTable
	RegisterChan   chan *Client
	deregisterChan chan *Client
	eventChan      chan *ClientEvent
	stop           chan stopReq
	done           chan struct{}
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, su stats.StatsProvider) (*ChatServer, error) {
	cs := &ChatServer{
		log:            logger,
		db:             db,
		stats:          su,
		presence:       newPresenceRegistry(),
		topics:         newTopicTable(),
		RegisterChan:   make(chan *Client),
		deregisterChan: make(chan *Client),
		eventChan:      make(chan *ClientEvent, 256),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}

	su.RegisterMetric(stats.NumConnections)
	su.RegisterMetric(stats.NumOnlineUsers)
	su.RegisterMetric(stats.NumTopics)
	su.RegisterMetric(stats.NumMessagesPublished)

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case client := <-cs.RegisterChan:
			cs.handleRegister(client)
		case client := <-cs.deregisterChan:
			cs.handleDeregister(client)
		case ev := <-cs.eventChan:
			cs.handleEvent(ev)
		case req := <-cs.stop:
			cs.log.Println("closing connections")
			for _, c := range cs.presence.all() {
				c.stopClient()
			}

			close(cs.done)
			close(req.done)
			return
		}
	}
}

// RegisterClient hands a freshly authenticated connection to the dispatcher.
func (cs *ChatServer) RegisterClient(c *Client) {
	cs.RegisterChan <- c
}

// OnlineUsers returns the current online set deduplicated by user id.
func (cs *ChatServer) OnlineUsers() []OnlineUser {
	return cs.presence.listOnline()
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	req := stopReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) handleRegister(c *Client) {
	cs.log.Printf("adding connection %s for %q", c.connId, c.user.Name)

	first := cs.presence.register(c)
	// every identity listens on its private channel for the lifetime of
	// the connection
	if cs.topics.subscribe(c, UserTopic(c.user.Id)) {
		cs.stats.Incr(stats.NumTopics)
	}

	cs.stats.Incr(stats.NumConnections)
	if first {
		cs.stats.Incr(stats.NumOnlineUsers)
	}

	cs.broadcastOnline()
	cs.broadcastAll(NewSystemMessageEvent(fmt.Sprintf("%s さんが参加しました", c.user.Name)))
}

func (cs *ChatServer) handleDeregister(c *Client) {
	known, last := cs.presence.deregister(c)
	if !known {
		// already removed, e.g. a duplicate cleanup after shutdown
		return
	}

	cs.log.Printf("removing connection %s for %q", c.connId, c.user.Name)

	emptied := cs.topics.dropClient(c)
	for i := 0; i < emptied; i++ {
		cs.stats.Decr(stats.NumTopics)
	}

	cs.stats.Decr(stats.NumConnections)
	if last {
		cs.stats.Decr(stats.NumOnlineUsers)
	}

	cs.broadcastOnline()
	cs.broadcastAll(NewSystemMessageEvent(fmt.Sprintf("%s さんが退出しました", c.user.Name)))
}

func (cs *ChatServer) handleEvent(ev *ClientEvent) {
	switch ev.Event {
	case EventRoomJoin:
		cs.handleRoomJoin(ev)
	case EventChatMessage:
		cs.handleChatMessage(ev)
	case EventChatTyping:
		cs.handleChatTyping(ev)
	case EventDmJoin:
		cs.handleDmJoin(ev)
	case EventDmMessage:
		cs.handleDmMessage(ev)
	case EventDmTyping:
		cs.handleDmTyping(ev)
	default:
		cs.log.Printf("dropping unknown event %q from %q", ev.Event, ev.client.user.Name)
	}
}

func (cs *ChatServer) handleRoomJoin(ev *ClientEvent) {
	var roomId int
	if err := json.Unmarshal(ev.Data, &roomId); err != nil || roomId <= 0 {
		cs.log.Printf("invalid room:join payload from %q", ev.client.user.Name)
		return
	}

	cs.switchView(ev.client, RoomTopic(roomId))
}

func (cs *ChatServer) handleDmJoin(ev *ClientEvent) {
	var conversationId int
	if err := json.Unmarshal(ev.Data, &conversationId); err != nil || conversationId <= 0 {
		cs.log.Printf("invalid dm:join payload from %q", ev.client.user.Name)
		return
	}

	conv, err := cs.db.GetDmConversationById(conversationId)
	if err != nil {
		cs.log.Printf("dm:join: conversation %d: %v", conversationId, err)
		return
	}

	if !isParticipant(conv, ev.client.user.Id) {
		// silent refusal, a non-participant learns nothing
		cs.log.Printf("dm:join: user %d is not a participant of conversation %d", ev.client.user.Id, conv.Id)
		return
	}

	cs.switchView(ev.client, DmTopic(conv.Id))
}

func (cs *ChatServer) handleChatMessage(ev *ClientEvent) {
	var payload ChatMessagePayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		cs.log.Printf("invalid chat:message payload from %q: %v", ev.client.user.Name, err)
		return
	}

	if payload.RoomId <= 0 || payload.Message == "" {
		cs.log.Printf("dropping invalid chat:message from %q", ev.client.user.Name)
		return
	}

	// durability point: nothing is broadcast unless the write succeeded
	saved, err := cs.db.SaveMessage(ev.client.user.Id, payload.RoomId, payload.Message)
	if err != nil {
		cs.log.Printf("save message: %v", err)
		return
	}

	cs.publish(RoomTopic(payload.RoomId), NewChatMessageEvent(types.Message{
		Id:        saved.Id,
		UserId:    ev.client.user.Id,
		UserName:  ev.client.user.Name,
		Message:   payload.Message,
		CreatedAt: saved.CreatedAt,
	}), nil)

	cs.stats.Incr(stats.NumMessagesPublished)
}

func (cs *ChatServer) handleChatTyping(ev *ClientEvent) {
	var payload ChatTypingPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.RoomId <= 0 {
		return
	}

	topic := RoomTopic(payload.RoomId)
	if !cs.topics.isSubscribed(ev.client, topic) {
		return
	}

	// best effort: not persisted, never echoed back to the sender
	cs.publish(topic, NewTypingEvent(EventChatTyping, ev.client.user.Name), ev.client)
}

func (cs *ChatServer) handleDmMessage(ev *ClientEvent) {
	var payload DmMessagePayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		cs.log.Printf("invalid dm:message payload from %q: %v", ev.client.user.Name, err)
		return
	}

	if payload.ConversationId <= 0 || payload.PartnerId <= 0 || payload.Message == "" {
		cs.log.Printf("dropping invalid dm:message from %q", ev.client.user.Name)
		return
	}

	conv, err := cs.db.GetDmConversationById(payload.ConversationId)
	if err != nil {
		cs.log.Printf("dm:message: conversation %d: %v", payload.ConversationId, err)
		return
	}

	if !isParticipant(conv, ev.client.user.Id) {
		cs.log.Printf("dm:message: user %d is not a participant of conversation %d", ev.client.user.Id, conv.Id)
		return
	}

	saved, err := cs.db.SaveDmMessage(conv.Id, ev.client.user.Id, payload.Message)
	if err != nil {
		cs.log.Printf("save dm message: %v", err)
		return
	}

	cs.publish(DmTopic(conv.Id), NewDmMessageEvent(types.DmMessage{
		Id:             saved.Id,
		ConversationId: conv.Id,
		UserId:         ev.client.user.Id,
		UserName:       ev.client.user.Name,
		Message:        payload.Message,
		CreatedAt:      saved.CreatedAt,
	}), nil)

	// the recipient is derived from the conversation row, not the client
	// supplied partner id, so the update signal cannot be redirected
	recipient := conv.UserAId
	if recipient == ev.client.user.Id {
		recipient = conv.UserBId
	}
	cs.publish(UserTopic(recipient), NewDmUpdateEvent(), nil)

	cs.stats.Incr(stats.NumMessagesPublished)
}

func (cs *ChatServer) handleDmTyping(ev *ClientEvent) {
	var payload DmTypingPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.ConversationId <= 0 {
		return
	}

	topic := DmTopic(payload.ConversationId)
	if !cs.topics.isSubscribed(ev.client, topic) {
		return
	}

	cs.publish(topic, NewTypingEvent(EventDmTyping, ev.client.user.Name), ev.client)
}

// switchView moves the connection to a new room or conversation topic,
// leaving any previous view so a client never receives two views at once.
func (cs *ChatServer) switchView(c *Client, topic string) {
	for _, view := range cs.topics.viewTopics(c) {
		if view == topic {
			continue
		}
		if cs.topics.unsubscribe(c, view) {
			cs.stats.Decr(stats.NumTopics)
		}
	}

	if cs.topics.subscribe(c, topic) {
		cs.stats.Incr(stats.NumTopics)
	}
}

func (cs *ChatServer) publish(topic string, ev *ServerEvent, skip *Client) {
	for client := range cs.topics.subscribers(topic) {
		if client == skip {
			continue
		}

		client.queueEvent(ev)
	}
}

func (cs *ChatServer) broadcastAll(ev *ServerEvent) {
	for _, client := range cs.presence.all() {
		client.queueEvent(ev)
	}
}

func (cs *ChatServer) broadcastOnline() {
	cs.broadcastAll(NewUsersOnlineEvent(cs.presence.listOnline()))
}

func isParticipant(conv database.Conversation, userId int) bool {
	return conv.UserAId == userId || conv.UserBId == userId
}
