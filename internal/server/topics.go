package server

import (
	"strconv"
	"strings"
)

const (
	roomTopicPrefix = "room:"
	dmTopicPrefix   = "dm:"
	userTopicPrefix = "user:"
)

func RoomTopic(roomId int) string {
	return roomTopicPrefix + strconv.Itoa(roomId)
}

func DmTopic(conversationId int) string {
	return dmTopicPrefix + strconv.Itoa(conversationId)
}

func UserTopic(userId int) string {
	return userTopicPrefix + strconv.Itoa(userId)
}

// isViewTopic reports whether a topic represents a room or conversation
// view. Private user channels are not views and survive view switches.
func isViewTopic(topic string) bool {
	return strings.HasPrefix(topic, roomTopicPrefix) || strings.HasPrefix(topic, dmTopicPrefix)
}

// topicTable maps broadcast topics to their subscriber sets. It is owned by
// the dispatcher loop and must never be touched from transport goroutines.
type topicTable struct {
	topics   map[string]map[*Client]struct{}
	byClient map[*Client]map[string]struct{}
}

func newTopicTable() *topicTable {
	return &topicTable{
		topics:   make(map[string]map[*Client]struct{}),
		byClient: make(map[*Client]map[string]struct{}),
	}
}

// subscribe adds the connection to the topic and reports whether the topic
// was newly created.
func (t *topicTable) subscribe(c *Client, topic string) bool {
	created := t.topics[topic] == nil
	if created {
		t.topics[topic] = make(map[*Client]struct{})
	}
	t.topics[topic][c] = struct{}{}

	if t.byClient[c] == nil {
		t.byClient[c] = make(map[string]struct{})
	}
	t.byClient[c][topic] = struct{}{}

	return created
}

// unsubscribe removes the connection from the topic and reports whether the
// topic became empty and was dropped.
func (t *topicTable) unsubscribe(c *Client, topic string) bool {
	subs, ok := t.topics[topic]
	if !ok {
		return false
	}

	delete(subs, c)
	if clientTopics, ok := t.byClient[c]; ok {
		delete(clientTopics, topic)
		if len(clientTopics) == 0 {
			delete(t.byClient, c)
		}
	}

	if len(subs) == 0 {
		delete(t.topics, topic)
		return true
	}
	return false
}

// dropClient removes the connection from every topic it is subscribed to,
// returning the number of topics that became empty.
func (t *topicTable) dropClient(c *Client) int {
	var emptied int
	for topic := range t.byClient[c] {
		if t.unsubscribe(c, topic) {
			emptied++
		}
	}

	return emptied
}

func (t *topicTable) subscribers(topic string) map[*Client]struct{} {
	return t.topics[topic]
}

func (t *topicTable) isSubscribed(c *Client, topic string) bool {
	_, ok := t.byClient[c][topic]
	return ok
}

// viewTopics returns the room/dm topics the connection currently views.
func (t *topicTable) viewTopics(c *Client) []string {
	var views []string
	for topic := range t.byClient[c] {
		if isViewTopic(topic) {
			views = append(views, topic)
		}
	}

	return views
}
