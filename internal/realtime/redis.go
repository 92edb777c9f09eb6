package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	pkgerrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

// redisEnvelope is the wire format on pub/sub topics. Change-feed
// events are published by the server-side bridge with the row image in
// Record; broadcast and presence events are peer-published.
type redisEnvelope struct {
	Event   string                 `json:"event"`
	Table   string                 `json:"table,omitempty"`
	Record  map[string]interface{} `json:"record,omitempty"`
	Old     map[string]interface{} `json:"old_record,omitempty"`
	Name    string                 `json:"name,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Key     string                 `json:"key,omitempty"`
}

// RedisTransport maps the channel primitives onto redis: pub/sub for
// the change feed and broadcasts, TTL'd keys plus join/leave messages
// for presence.
type RedisTransport struct {
	client      *redis.Client
	log         logger.Logger
	presenceTTL time.Duration
}

func NewRedisTransport(client *redis.Client, presenceTTL time.Duration, log logger.Logger) *RedisTransport {
	if presenceTTL <= 0 {
		presenceTTL = 30 * time.Second
	}
	return &RedisTransport{client: client, log: log, presenceTTL: presenceTTL}
}

func (t *RedisTransport) Channel(topic string) Channel {
	return &redisChannel{
		transport: t,
		topic:     topic,
		events:    make(chan Event, 32),
		done:      make(chan struct{}),
	}
}

func (t *RedisTransport) Close() error {
	return nil
}

type redisChannel struct {
	transport *RedisTransport
	topic     string
	events    chan Event
	done      chan struct{}

	mu           sync.Mutex
	pubsub       *redis.PubSub
	trackKey     string
	closed       bool
	eventsClosed bool

	closeOnce sync.Once
}

func (c *redisChannel) Subscribe(ctx context.Context) error {
	ps := c.transport.client.Subscribe(ctx, c.topic)
	// Receive blocks until redis acknowledges the subscription; that
	// acknowledgement is the confirmed-subscribed signal.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", pkgerrors.ErrSubscribeTimeout, c.topic)
		}
		return fmt.Errorf("%w: subscribe %s: %v", pkgerrors.ErrBackendUnavailable, c.topic, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ps.Close()
		return pkgerrors.ErrChannelClosed
	}
	c.pubsub = ps
	c.mu.Unlock()

	if strings.HasPrefix(c.topic, "presence:") {
		c.deliver(Event{Kind: EventPresenceState, State: c.snapshotPresence(ctx)})
	}

	go c.readLoop(ps)
	return nil
}

func (c *redisChannel) readLoop(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var env redisEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			c.transport.log.Debug("Dropping malformed envelope", "topic", c.topic, "error", err)
			continue
		}
		if ev, ok := translateEnvelope(env); ok {
			c.deliver(ev)
		}
	}
	// Subscription dropped: surface as a closed event stream.
	c.closeEvents()
}

func translateEnvelope(env redisEnvelope) (Event, bool) {
	switch env.Event {
	case "INSERT":
		return Event{Kind: EventInsert, Table: env.Table, Record: env.Record, Old: env.Old}, true
	case "UPDATE":
		return Event{Kind: EventUpdate, Table: env.Table, Record: env.Record, Old: env.Old}, true
	case "DELETE":
		return Event{Kind: EventDelete, Table: env.Table, Record: env.Record, Old: env.Old}, true
	case "broadcast":
		return Event{Kind: EventBroadcast, Name: env.Name, Payload: env.Payload}, true
	case "presence_join":
		return Event{Kind: EventPresenceDiff, Joins: []string{env.Key}}, true
	case "presence_leave":
		return Event{Kind: EventPresenceDiff, Leaves: []string{env.Key}}, true
	default:
		return Event{}, false
	}
}

func (c *redisChannel) snapshotPresence(ctx context.Context) []string {
	prefix := c.topic + ":"
	var keys []string
	iter := c.transport.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		c.transport.log.Debug("Presence snapshot scan failed", "topic", c.topic, "error", err)
	}
	return keys
}

func (c *redisChannel) Events() <-chan Event {
	return c.events
}

func (c *redisChannel) Broadcast(ctx context.Context, event string, payload map[string]interface{}) error {
	raw, err := json.Marshal(redisEnvelope{Event: "broadcast", Name: event, Payload: payload})
	if err != nil {
		return err
	}
	return c.transport.client.Publish(ctx, c.topic, raw).Err()
}

// Track registers this connection's presence key: a TTL'd redis key
// refreshed by a heartbeat goroutine, plus a join message so peers see
// it without rescanning.
func (c *redisChannel) Track(ctx context.Context, payload map[string]interface{}) error {
	key, _ := payload["key"].(string)
	if key == "" {
		return pkgerrors.Validationf("presence payload missing key")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ttl := c.transport.presenceTTL
	redisKey := c.topic + ":" + key
	if err := c.transport.client.Set(ctx, redisKey, raw, ttl).Err(); err != nil {
		return err
	}

	join, _ := json.Marshal(redisEnvelope{Event: "presence_join", Key: key, Payload: payload})
	if err := c.transport.client.Publish(ctx, c.topic, join).Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.trackKey = key
	c.mu.Unlock()

	go c.heartbeat(redisKey, ttl)
	return nil
}

func (c *redisChannel) heartbeat(redisKey string, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.transport.client.Expire(ctx, redisKey, ttl).Err()
			cancel()
			if err != nil {
				c.transport.log.Debug("Presence heartbeat failed", "key", redisKey, "error", err)
			}
		}
	}
}

func (c *redisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ps := c.pubsub
	trackKey := c.trackKey
	c.mu.Unlock()

	close(c.done)

	if trackKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.transport.client.Del(ctx, c.topic+":"+trackKey)
		leave, _ := json.Marshal(redisEnvelope{Event: "presence_leave", Key: trackKey})
		c.transport.client.Publish(ctx, c.topic, leave)
		cancel()
	}

	if ps != nil {
		// Closing the pubsub ends readLoop, which closes the events chan.
		return ps.Close()
	}
	c.closeEvents()
	return nil
}

func (c *redisChannel) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Consumer stalled; polling and the dedup rule self-heal, so
		// drop rather than block the pub/sub reader.
		c.transport.log.Debug("Dropping realtime event", "topic", c.topic)
	}
}

func (c *redisChannel) closeEvents() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.eventsClosed = true
		close(c.events)
		c.mu.Unlock()
	})
}
