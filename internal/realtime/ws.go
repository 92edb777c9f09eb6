package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	pkgerrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

const (
	heartbeatInterval = 25 * time.Second
	writeTimeout      = 10 * time.Second

	phxJoin      = "phx_join"
	phxLeave     = "phx_leave"
	phxReply     = "phx_reply"
	phxHeartbeat = "heartbeat"
	phxTopic     = "phoenix"
)

type wsFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// WSTransport multiplexes topics over a single websocket to the
// realtime gateway, phoenix-style: channels join with a ref and wait
// for the matching phx_reply. A topic may hold several channels at once
// (a long-lived listener plus a short-lived broadcast channel); frames
// fan out to all of them.
type WSTransport struct {
	conn *websocket.Conn
	log  logger.Logger

	writeMu sync.Mutex
	refSeq  atomic.Int64

	mu       sync.Mutex
	channels map[string][]*wsChannel
	acks     map[string]chan error
	closed   bool

	done chan struct{}
}

// MintToken signs the HS256 access token the gateway expects on dial.
func MintToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func NewWSTransport(ctx context.Context, gatewayURL, token string, log logger.Logger) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, gatewayURL+"?token="+token, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial realtime gateway: %v", pkgerrors.ErrBackendUnavailable, err)
	}

	t := &WSTransport{
		conn:     conn,
		log:      log,
		channels: make(map[string][]*wsChannel),
		acks:     make(map[string]chan error),
		done:     make(chan struct{}),
	}

	go t.readLoop()
	go t.heartbeatLoop()

	return t, nil
}

func (t *WSTransport) Channel(topic string) Channel {
	return &wsChannel{
		transport: t,
		topic:     topic,
		events:    make(chan Event, 32),
	}
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var channels []*wsChannel
	for _, list := range t.channels {
		channels = append(channels, list...)
	}
	t.channels = make(map[string][]*wsChannel)
	t.mu.Unlock()

	close(t.done)
	for _, ch := range channels {
		ch.closeEvents()
	}
	return t.conn.Close()
}

// removeChannelLocked unregisters c from its topic. Reports whether c
// was registered and whether it was the topic's last channel. Caller
// holds t.mu.
func (t *WSTransport) removeChannelLocked(c *wsChannel) (registered, last bool) {
	list := t.channels[c.topic]
	for i, ch := range list {
		if ch == c {
			list = append(list[:i], list[i+1:]...)
			registered = true
			break
		}
	}
	if !registered {
		return false, false
	}
	if len(list) == 0 {
		delete(t.channels, c.topic)
		return true, true
	}
	t.channels[c.topic] = list
	return true, false
}

func (t *WSTransport) nextRef() string {
	return strconv.FormatInt(t.refSeq.Add(1), 10)
}

func (t *WSTransport) writeFrame(topic, event string, payload interface{}, ref string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame := wsFrame{Topic: topic, Event: event, Payload: raw, Ref: ref}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(frame)
}

func (t *WSTransport) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.writeFrame(phxTopic, phxHeartbeat, map[string]interface{}{}, t.nextRef()); err != nil {
				t.log.Debug("Heartbeat write failed", "error", err)
				return
			}
		}
	}
}

func (t *WSTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.teardown(err)
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.log.Debug("Dropping malformed frame", "error", err)
			continue
		}

		if frame.Event == phxReply {
			t.handleReply(frame)
			continue
		}
		if frame.Topic == phxTopic {
			continue
		}

		t.mu.Lock()
		targets := append([]*wsChannel(nil), t.channels[frame.Topic]...)
		t.mu.Unlock()
		if len(targets) == 0 {
			continue
		}
		if ev, ok := translateFrame(frame); ok {
			for _, ch := range targets {
				ch.deliver(ev)
			}
		}
	}
}

// teardown closes every channel's event stream so consumers observe a
// channel error and fall back to polling.
func (t *WSTransport) teardown(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	var channels []*wsChannel
	for _, list := range t.channels {
		channels = append(channels, list...)
	}
	t.channels = make(map[string][]*wsChannel)
	for _, ack := range t.acks {
		select {
		case ack <- pkgerrors.ErrChannelClosed:
		default:
		}
	}
	t.acks = make(map[string]chan error)
	t.mu.Unlock()

	t.log.Debug("Realtime socket closed", "error", err)
	close(t.done)
	for _, ch := range channels {
		ch.closeEvents()
	}
}

func (t *WSTransport) handleReply(frame wsFrame) {
	var payload struct {
		Status   string                 `json:"status"`
		Response map[string]interface{} `json:"response"`
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}

	t.mu.Lock()
	ack := t.acks[frame.Ref]
	delete(t.acks, frame.Ref)
	t.mu.Unlock()
	if ack == nil {
		return
	}

	if payload.Status == "ok" {
		ack <- nil
		return
	}
	ack <- fmt.Errorf("channel join rejected: %v", payload.Response)
}

func translateFrame(frame wsFrame) (Event, bool) {
	switch frame.Event {
	case "postgres_changes":
		var payload struct {
			Type      string                 `json:"type"`
			Table     string                 `json:"table"`
			Record    map[string]interface{} `json:"record"`
			OldRecord map[string]interface{} `json:"old_record"`
		}
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return Event{}, false
		}
		ev := Event{Table: payload.Table, Record: payload.Record, Old: payload.OldRecord}
		switch payload.Type {
		case "INSERT":
			ev.Kind = EventInsert
		case "UPDATE":
			ev.Kind = EventUpdate
		case "DELETE":
			ev.Kind = EventDelete
		default:
			return Event{}, false
		}
		return ev, true

	case "presence_state":
		var state map[string]json.RawMessage
		if err := json.Unmarshal(frame.Payload, &state); err != nil {
			return Event{}, false
		}
		keys := make([]string, 0, len(state))
		for k := range state {
			keys = append(keys, k)
		}
		return Event{Kind: EventPresenceState, State: keys}, true

	case "presence_diff":
		var diff struct {
			Joins  map[string]json.RawMessage `json:"joins"`
			Leaves map[string]json.RawMessage `json:"leaves"`
		}
		if err := json.Unmarshal(frame.Payload, &diff); err != nil {
			return Event{}, false
		}
		ev := Event{Kind: EventPresenceDiff}
		for k := range diff.Joins {
			ev.Joins = append(ev.Joins, k)
		}
		for k := range diff.Leaves {
			ev.Leaves = append(ev.Leaves, k)
		}
		return ev, true

	default:
		var payload map[string]interface{}
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return Event{}, false
		}
		return Event{Kind: EventBroadcast, Name: frame.Event, Payload: payload}, true
	}
}

type wsChannel struct {
	transport *WSTransport
	topic     string
	events    chan Event
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
}

func (c *wsChannel) Subscribe(ctx context.Context) error {
	t := c.transport
	ref := t.nextRef()
	ack := make(chan error, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return pkgerrors.ErrChannelClosed
	}
	t.channels[c.topic] = append(t.channels[c.topic], c)
	t.acks[ref] = ack
	t.mu.Unlock()

	if err := t.writeFrame(c.topic, phxJoin, map[string]interface{}{}, ref); err != nil {
		t.mu.Lock()
		delete(t.acks, ref)
		t.removeChannelLocked(c)
		t.mu.Unlock()
		return err
	}

	select {
	case err := <-ack:
		if err != nil {
			t.mu.Lock()
			t.removeChannelLocked(c)
			t.mu.Unlock()
		}
		return err
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.acks, ref)
		t.removeChannelLocked(c)
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", pkgerrors.ErrSubscribeTimeout, c.topic)
	}
}

func (c *wsChannel) Events() <-chan Event {
	return c.events
}

func (c *wsChannel) Broadcast(ctx context.Context, event string, payload map[string]interface{}) error {
	return c.transport.writeFrame(c.topic, event, payload, c.transport.nextRef())
}

func (c *wsChannel) Track(ctx context.Context, payload map[string]interface{}) error {
	return c.transport.writeFrame(c.topic, "presence_track", payload, c.transport.nextRef())
}

func (c *wsChannel) Close() error {
	t := c.transport
	t.mu.Lock()
	registered, last := t.removeChannelLocked(c)
	closed := t.closed
	t.mu.Unlock()

	// Leave the gateway topic only when no other channel still listens
	// on it.
	if registered && last && !closed {
		_ = t.writeFrame(c.topic, phxLeave, map[string]interface{}{}, t.nextRef())
	}
	c.closeEvents()
	return nil
}

func (c *wsChannel) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Buffer full means the consumer stalled; the polling fallback
		// or the next event self-heals, so drop rather than block the
		// socket read loop.
		c.transport.log.Debug("Dropping realtime event", "topic", c.topic)
	}
}

func (c *wsChannel) closeEvents() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
}
