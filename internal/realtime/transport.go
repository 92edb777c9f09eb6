package realtime

import (
	"context"

	"chat_sync/internal/domain"
)

type EventKind int

const (
	EventInsert EventKind = iota
	EventUpdate
	EventDelete
	EventBroadcast
	EventPresenceState
	EventPresenceDiff
)

// Event is what a channel delivers: a change-feed row image, a broadcast
// payload, or a presence snapshot/diff, depending on Kind.
type Event struct {
	Kind    EventKind
	Table   string
	Record  map[string]interface{}
	Old     map[string]interface{}
	Name    string
	Payload map[string]interface{}
	State   []string
	Joins   []string
	Leaves  []string
}

// Channel is a single named topic on the realtime backend. Subscribe
// blocks until the backend confirms the subscription or ctx is done;
// the event stream is closed when the channel dies, which the consumer
// treats as a channel error.
type Channel interface {
	Subscribe(ctx context.Context) error
	Events() <-chan Event
	Broadcast(ctx context.Context, event string, payload map[string]interface{}) error
	Track(ctx context.Context, payload map[string]interface{}) error
	Close() error
}

// Transport hands out channels. Implementations: the websocket gateway
// client and the redis pub/sub provider.
type Transport interface {
	Channel(topic string) Channel
	Close() error
}

func MessagesTopic(id domain.ConversationID) string {
	return "messages:" + id.String()
}

func TypingTopic(id domain.ConversationID) string {
	return "typing:" + id.String()
}

// GlobalPresenceTopic is the single presence channel every authenticated
// session joins.
const GlobalPresenceTopic = "presence:global"
