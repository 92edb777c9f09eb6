package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chat_sync/internal/domain"
	pkgerrors "chat_sync/pkg/errors"
)

type fakeTransport struct {
	mu            sync.Mutex
	hangSubscribe bool
	subscribeErr  error
	channelCount  int
	subscribed    map[string][]*fakeChannel
	broadcasts    []fakeBroadcast
	tracked       []map[string]interface{}
}

type fakeBroadcast struct {
	topic   string
	event   string
	payload map[string]interface{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subscribed: make(map[string][]*fakeChannel)}
}

func (t *fakeTransport) Channel(topic string) Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channelCount++
	return &fakeChannel{transport: t, topic: topic, events: make(chan Event, 32)}
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) channels(topic string) []*fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeChannel(nil), t.subscribed[topic]...)
}

func (t *fakeTransport) channelsOpened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channelCount
}

func (t *fakeTransport) broadcastCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.broadcasts)
}

type fakeChannel struct {
	transport *fakeTransport
	topic     string
	events    chan Event

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
}

func (c *fakeChannel) Subscribe(ctx context.Context) error {
	t := c.transport
	if t.hangSubscribe {
		<-ctx.Done()
		return fmt.Errorf("%w: %s", pkgerrors.ErrSubscribeTimeout, c.topic)
	}
	if t.subscribeErr != nil {
		return t.subscribeErr
	}

	t.mu.Lock()
	t.subscribed[c.topic] = append(t.subscribed[c.topic], c)
	t.mu.Unlock()
	return nil
}

func (c *fakeChannel) Events() <-chan Event { return c.events }

// Broadcast records the publish and loops it back to every subscribed
// channel on the topic, sender included, like a real broadcast channel.
func (c *fakeChannel) Broadcast(ctx context.Context, event string, payload map[string]interface{}) error {
	t := c.transport
	t.mu.Lock()
	t.broadcasts = append(t.broadcasts, fakeBroadcast{topic: c.topic, event: event, payload: payload})
	peers := append([]*fakeChannel(nil), t.subscribed[c.topic]...)
	t.mu.Unlock()

	for _, peer := range peers {
		peer.inject(Event{Kind: EventBroadcast, Name: event, Payload: payload})
	}
	return nil
}

func (c *fakeChannel) Track(ctx context.Context, payload map[string]interface{}) error {
	t := c.transport
	t.mu.Lock()
	t.tracked = append(t.tracked, payload)
	t.mu.Unlock()
	return nil
}

func (c *fakeChannel) Close() error {
	t := c.transport
	t.mu.Lock()
	list := t.subscribed[c.topic]
	for i, ch := range list {
		if ch == c {
			t.subscribed[c.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeChannel) inject(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

type fakeMessageRepo struct {
	mu        sync.Mutex
	rows      []*domain.Message // newest-first, as the backend returns
	listErr   error
	listCalls int
}

func (f *fakeMessageRepo) ListRecent(ctx context.Context, id domain.ConversationID, limit int) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*domain.Message, len(f.rows))
	for i, msg := range f.rows {
		out[i] = msg.Clone()
	}
	return out, nil
}

func (f *fakeMessageRepo) Insert(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	return nil, errors.New("not supported")
}

func (f *fakeMessageRepo) Unsend(ctx context.Context, messageID, actorID string, at time.Time) (*domain.Message, error) {
	return nil, errors.New("not supported")
}

func (f *fakeMessageRepo) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeMessageRepo) setRows(rows []*domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = rows
}

type fakeProfileRepo struct {
	mu       sync.Mutex
	getCalls int
	profiles map[string]*domain.Profile
}

func (f *fakeProfileRepo) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if p, ok := f.profiles[userID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, pkgerrors.ErrNotFound
}

func (f *fakeProfileRepo) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

type fakeSink struct {
	mu       sync.Mutex
	applied  []*domain.Message
	merged   []*domain.Message
	replaced [][]*domain.Message
	known    map[string]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{known: make(map[string]bool)}
}

func (s *fakeSink) Apply(id domain.ConversationID, msg *domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known[msg.ID] {
		return false
	}
	s.known[msg.ID] = true
	s.applied = append(s.applied, msg)
	return true
}

func (s *fakeSink) MergeUpdate(id domain.ConversationID, msg *domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.known[msg.ID] {
		return false
	}
	s.merged = append(s.merged, msg)
	return true
}

func (s *fakeSink) Replace(id domain.ConversationID, msgs []*domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		s.known[msg.ID] = true
	}
	s.replaced = append(s.replaced, msgs)
}

func (s *fakeSink) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func (s *fakeSink) mergedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.merged)
}

func (s *fakeSink) replaceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replaced)
}

func (s *fakeSink) lastApplied() *domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.applied) == 0 {
		return nil
	}
	return s.applied[len(s.applied)-1]
}

func (s *fakeSink) lastReplaced() []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replaced) == 0 {
		return nil
	}
	return s.replaced[len(s.replaced)-1]
}
