package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mkobayashi/go-chatapp/internal/database"
	"github.com/mkobayashi/go-chatapp/internal/stats"
	"github.com/mkobayashi/go-chatapp/internal/testutil"
	"github.com/mkobayashi/go-chatapp/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// newTestChatServer creates a ChatServer for testing. Stats calls besides
// metric registration are allowed but not required.
func newTestChatServer(t *testing.T, db database.ChatRepository) *ChatServer {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, su)
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

func newTestClient(t *testing.T, cs *ChatServer, user types.User) *Client {
	return &Client{
		connId:     uuid.New(),
		chatServer: cs,
		log:        testutil.TestLogger(t),
		user:       user,
		send:       make(chan *ServerEvent, 16),
		stop:       make(chan struct{}),
	}
}

// drainEvents empties a client's send buffer.
func drainEvents(c *Client) []*ServerEvent {
	var events []*ServerEvent
	for {
		select {
		case ev := <-c.send:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func eventNames(events []*ServerEvent) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Event
	}
	return names
}

func rawEvent(t *testing.T, c *Client, event string, data string) *ClientEvent {
	t.Helper()
	return &ClientEvent{
		Event:  event,
		Data:   json.RawMessage(data),
		client: c,
	}
}

func TestNewChatServer(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, su)
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, db, cs.db, "expected database repository to be set")
	assert.NotNil(t, cs.RegisterChan, "expected RegisterChan to be initialized")
	assert.NotNil(t, cs.deregisterChan, "expected deregisterChan to be initialized")
	assert.NotNil(t, cs.eventChan, "expected eventChan to be initialized")
	assert.NotNil(t, cs.presence, "expected presence registry to be initialized")
	assert.NotNil(t, cs.topics, "expected topic table to be initialized")
}

func TestHandleRegister(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db)
	alice := newTestClient(t, cs, types.User{Id: 1, Name: "Alice"})

	cs.handleRegister(alice)

	assert.True(t, cs.topics.isSubscribed(alice, UserTopic(1)),
		"expected client to be auto-subscribed to its private channel")

	events := drainEvents(alice)
	assert.Equal(t, []string{EventUsersOnline, EventSystemMessage}, eventNames(events),
		"expected online list then join notice")
	assert.Equal(t, []OnlineUser{{Id: 1, Name: "Alice"}}, events[0].Data,
		"expected online list to contain the new user")
	assert.Equal(t, "Alice さんが参加しました", events[1].Data.(SystemNotice).Text,
		"expected a join notice")
}

func TestHandleRegisterDeduplicatesOnlineList(t *testing.T) {
	db := &database.MockChatRepository{}
	cs := newTestChatServer(t, db)

	alice1 := newTestClient(t, cs, types.User{Id: 1, Name: "Alice"})
	alice2 := newTestClient(t, cs, types.User{Id: 1, Name: "Alice"})
	cs.handleRegister(alice1)
	cs.handleRegister(alice2)

	events := drainEvents(alice2)
	assert.Equal(t, []OnlineUser{{Id: 1, Name: "Alice"}}, events[0].Data,
		"expected a single entry for a user with two connections")
}

func TestHandleDeregister(t *testing.T) {
	db := &database.MockChatRepository{}
	cs := newTestChatServer(t, db)

	alice := newTestClient(t, cs, types.User{Id: 1, Name: "Alice"})
	bob := newTestClient(t, cs, types.User{Id: 2, Name: "Bob"})
	cs.handleRegister(alice)
	cs.handleRegister(bob)
	cs.handleEvent(rawEvent(t, alice, EventRoomJoin, `1`))
	drainEvents(alice)
	drainEvents(bob)

	cs.handleDeregister(alice)

	assert.False(t, cs.topics.isSubscribed(alice, RoomTopic(1)),
		"expected disconnect to clean up room membership")
	assert.False(t, cs.topics.isSubscribed(alice, UserTopic(1)),
		"expected disconnect to clean up the private channel")

	events := drainEvents(bob)
	assert.Equal(t, []string{EventUsersOnline, EventSystemMessage}, eventNames(events))
	assert.Equal(t, []OnlineUser{{Id: 2, Name: "Bob"}}, events[0].Data,
		"expected the departed user to be removed from the online list")
	assert.Equal(t, "Alice さんが退出しました", events[1].Data.(SystemNotice).Text,
		"expected a leave notice")

	assert.Empty(t, drainEvents(alice), "expected no delivery to the departed connection")
}

func TestHandleDeregisterUnknownClient(t *testing.T) {
	db := &database.MockChatRepository{}
	cs := newTestChatServer(t, db)

	bob := newTestClient(t, cs, types.User{Id: 2, Name: "Bob"})
	cs.handleRegister(bob)
	drainEvents(bob)

	stranger := newTestClient(t, cs, types.User{Id: 9, Name: "Mallory"})
	cs.handleDeregister(stranger)

	assert.Empty(t, drainEvents(bob), "expected no broadcast for an unknown connection")
}

func TestHandleChatMessage(t *testing.T) {
	createdAt := Now()

	db := &database.MockChatRepository{}
	db.On("SaveMessage", 1, 1, "hi").
		Return(database.Message{Id: 1, UserId: 1, RoomId: 1, Message: "hi", CreatedAt: createdAt}, nil).
		Once()
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db)
	alice := newTestClient(t, cs, types.User{Id: 1, Name: "Alice"})
	bob := newTestClient(t, cs, types.User{Id: 2, Name: "Bob"})
	cs.handleRegister(alice)
	cs.handleRegister(bob)
	cs.handleEvent(rawEvent(t, alice, EventRoomJoin, `1`))
	cs.handleEvent(rawEvent(t, bob, EventRoomJoin, `1`))
	drainEvents(alice)
	drainEvents(bob)

	cs.handleEvent(rawEvent(t, alice, EventChatMessage, `{"roomId":1,"message":"hi"}`))

	expected := types.Message{
		Id:        1,
		UserId:    1,
		UserName:  "Alice",
		Message:   "hi",
		CreatedAt: createdAt,
	}

	for _, c := range []*Client{alice, bob} {
		events := drainEvents(c)
		assert.Len(t, events, 1, "expected every room subscriber to receive the message")
		assert.Equal(t, EventChatMessage, events[0].Event)
		assert.Equal(t, expected, events[0].Data,
			"expected the materialized message with server id and timestamp")
	}
}

func TestHandleChatMessageValidation(t *testing.T) {
	tcases := []struct {
		name string
		data string
	}{
		{name: "empty message", data: `{"roomId":1,"message":""}`},
		{name: "missing room", data: `{"message":"hi"}`},
		{name: "malformed payload", data: `"not an object"`},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			// no SaveMessage expectation: a validation failure must not persist
			db := &database.MockChatRepository{}
			defer db.AssertExpectations(t)

			cs := newTestChatServer(t, db)
			alice := newTestClient(t, cs, types.User{Id: 1, Name: "Alice"})
			cs.handleRegister(alice)
			cs.handleEvent(rawEvent(t, alice, EventRoomJoin, `1`))
			drainEvents(alice)

			cs.handleEvent(rawEvent(t, alice, EventChatMessage, tc.data))

			assert.Empty(t, drainEvents(alice), "expected no broadcast for an invalid event")
		})
	}
}

func TestHandleChatMessageFailClosed(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("SaveMessage", 1, 1, "hi").
		Return(database.Message{}, sql.ErrConnDone).
		Once()
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db)
	alice := newTestClient(t, cs, types.User{Id: 1, Name: "Alice"})
	cs.handleRegister(alice)
	cs.handleEvent(rawEvent(t, alice, EventRoomJoin, `1`))
	drainEvents(alice)

	cs.handleEvent(rawEvent(t, alice, EventChatMessage, `{"roomId":1,"message":"hi"}`))

	assert.Empty(t, drainEvents(alice),
		"expected no broadcast when the write failed: never fan out unpersisted data")
}

func TestHandleChatTypingNoSelfEcho(t *testing.T) {
	db := &database.MockChatRepository{}
	// no expectations: typing notices never touch the database
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db)
	alice := newTestClient(t, cs, types.User{Id: 1, Name: "Alice"})
	bob := newTestClient(t, cs, types.User{Id: 2, Name: "Bob"})
	cs.handleRegister(alice)
	cs.handleRegister(bob)
	cs.handleEvent(rawEvent(t, alice, EventRoomJoin, `1`))
	cs.handleEvent(rawEvent(t, bob, EventRoomJoin, `1`))
	drainEvents(alice)
	drainEvents(bob)

	cs.handleEvent(rawEvent(t, alice, EventChatTyping, `{"roomId":1}`))

	assert.Empty(t, drainEvents(alice), "expected no self-echo for typing notices")

	events := drainEvents(bob)
	assert.Len(t, events, 1, "expected the other subscriber to receive the notice")
	assert.Equal(t, EventChatTyping, events[0].Event)
	assert.Equal(t, TypingNotice{Name: "Alice"}, events[0].Data)
}

func TestHandleChatTypingRequiresMembership(t *testing.T) {
	db := &database.MockChatRepository{}
	cs := newTestChatServer(t, db)

	alice := newTestClient(t, cs, types.User{Id: 1, Name: "Alice"})
	bob := newTestClient(t, cs, types.User{Id: 2, Name: "Bob"})
	cs.handleRegister(alice)
	cs.handleRegister(bob)
	cs.handleEvent(rawEvent(t, bob, EventRoomJoin, `1`))
	drainEvents(alice)
	drainEvents(bob)

	// alice never joined room 1
	cs.handleEvent(rawEvent(t, alice, EventChatTyping, `{"roomId":1}`))

	assert.Empty(t, drainEvents(bob), "expected no fan-out from a non-member")
}

func TestHandleDmMessage(t *testing.T) {
	conv := database.Conversation{Id: 1, UserAId: 1, UserBId: 2}
	createdAt := Now()

	db := &database.MockChatRepository{}
	db.On("GetDmConversationById", 1).Return(conv, nil).Once()
	db.On("SaveDmMessage", 1, 2, "hello").
		Return(database.DmMessage{Id: 3, ConversationId: 1, SenderId: 2, Message: "hello", CreatedAt: createdAt}, nil).
		Once()
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db)
	alice := newTestClient(t, cs, types.User{Id: 1, Name: "Alice"})
	bob := newTestClient(t, cs, types.User{Id: 2, Name: "Bob"})
	cs.handleRegister(alice)
	cs.handleRegister(bob)
	// bob is viewing the conversation, alice is not
	cs.handleEvent(rawEvent(t, bob, EventDmJoin, `1`))
	drainEvents(alice)
	drainEvents(bob)

	cs.handleEvent(rawEvent(t, bob, EventDmMessage, `{"conversationId":1,"partnerId":1,"message":"hello"}`))

	bobEvents := drainEvents(bob)
	assert.Equal(t, []string{EventDmMessage}, eventNames(bobEvents),
		"expected the conversation topic to receive the message")
	assert.Equal(t, types.DmMessage{
		Id:             3,
		ConversationId: 1,
		UserId:         2,
		UserName:       "Bob",
		Message:        "hello",
		CreatedAt:      createdAt,
	}, bobEvents[0].Data)

	aliceEvents := drainEvents(alice)
	assert.Equal(t, []string{EventDmUpdate}, eventNames(aliceEvents),
		"expected the recipient's private channel to be signalled even while not viewing the conversation")
}

func TestHandleDmMessageNonParticipant(t *testing.T) {
	conv := database.Conversation{Id: 1, UserAId: 1, UserBId: 2}

	db := &database.MockChatRepository{}
	db.On("GetDmConversationById", 1).Return(conv, nil).Once()
	// no SaveDmMessage expectation: the message must not be persisted
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db)
	alice := newTestClient(t, cs, types.User{Id: 1, Name: "Alice"})
	mallory := newTestClient(t, cs, types.User{Id: 3, Name: "Mallory"})
	cs.handleRegister(alice)
	cs.handleRegister(mallory)
	cs.handleEvent(rawEvent(t, alice, EventDmJoin, `1`))
	drainEvents(alice)
	drainEvents(mallory)

	cs.handleEvent(rawEvent(t, mallory, EventDmMessage, `{"conversationId":1,"partnerId":1,"message":"intruding"}`))

	assert.Empty(t, drainEvents(alice), "expected no broadcast from a non-participant")
	assert.Empty(t, drainEvents(mallory), "expected the rejection to be silent")
}

func TestHandleDmJoinNonParticipant(t *testing.T) {
	conv := database.Conversation{Id: 1, UserAId: 1, UserBId: 2}

	db := &database.MockChatRepository{}
	db.On("GetDmConversationById", 1).Return(conv, nil).Once()
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db)
	mallory := newTestClient(t, cs, types.User{Id: 3, Name: "Mallory"})
	cs.handleRegister(mallory)
	drainEvents(mallory)

	cs.handleEvent(rawEvent(t, mallory, EventDmJoin, `1`))

	assert.False(t, cs.topics.isSubscribed(mallory, DmTopic(1)),
		"expected a non-participant to be refused subscription")
	assert.Empty(t, drainEvents(mallory), "expected the refusal to be silent")
}

func TestSwitchViewLeavesPreviousTopic(t *testing.T) {
	conv := database.Conversation{Id: 2, UserAId: 1, UserBId: 2}

	db := &database.MockChatRepository{}
	db.On("GetDmConversationById", 2).Return(conv, nil).Once()
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db)
	alice := newTestClient(t, cs, types.User{Id: 1, Name: "Alice"})
	cs.handleRegister(alice)

	cs.handleEvent(rawEvent(t, alice, EventRoomJoin, `1`))
	assert.True(t, cs.topics.isSubscribed(alice, RoomTopic(1)))

	cs.handleEvent(rawEvent(t, alice, EventDmJoin, `2`))
	assert.False(t, cs.topics.isSubscribed(alice, RoomTopic(1)),
		"expected the previous view to be unsubscribed on switch")
	assert.True(t, cs.topics.isSubscribed(alice, DmTopic(2)))
	assert.True(t, cs.topics.isSubscribed(alice, UserTopic(1)),
		"expected the private channel to survive view switches")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{})
		go cs.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{})
		// Run is never started, so the stop request is never consumed

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})
}

func TestRunProcessesEventsInOrder(t *testing.T) {
	createdAt := Now()

	db := &database.MockChatRepository{}
	for i, message := range []string{"a", "ab", "abc"} {
		db.On("SaveMessage", 1, 1, message).
			Return(database.Message{Id: i + 1, UserId: 1, RoomId: 1, Message: message, CreatedAt: createdAt}, nil).
			Once()
	}
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db)
	go cs.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, cs.Shutdown(ctx))
	}()

	alice := newTestClient(t, cs, types.User{Id: 1, Name: "Alice"})
	bob := newTestClient(t, cs, types.User{Id: 2, Name: "Bob"})
	cs.RegisterClient(alice)
	cs.RegisterClient(bob)
	cs.eventChan <- rawEvent(t, alice, EventRoomJoin, `1`)
	cs.eventChan <- rawEvent(t, bob, EventRoomJoin, `1`)

	cs.eventChan <- rawEvent(t, alice, EventChatMessage, `{"roomId":1,"message":"a"}`)
	cs.eventChan <- rawEvent(t, alice, EventChatMessage, `{"roomId":1,"message":"ab"}`)
	cs.eventChan <- rawEvent(t, alice, EventChatMessage, `{"roomId":1,"message":"abc"}`)

	// bob sees his own registration broadcasts plus the three messages
	assert.Eventually(t, func() bool {
		return len(bob.send) >= 5
	}, time.Second, 10*time.Millisecond, "expected all events to be delivered")

	var messages []string
	for _, ev := range drainEvents(bob) {
		if ev.Event == EventChatMessage {
			messages = append(messages, ev.Data.(types.Message).Message)
		}
	}

	assert.Equal(t, []string{"a", "ab", "abc"}, messages,
		"expected same-topic events to be delivered in processing order")
}
