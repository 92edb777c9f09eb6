package realtime

import (
	"context"
	"sync"
	"time"

	"chat_sync/internal/domain"
	"chat_sync/internal/metrics"
	"chat_sync/pkg/logger"
)

const (
	defaultTypingTTL = 3 * time.Second
	typingEvent      = "typing"
)

// TypingTracker sends and receives the ephemeral typing signal. Nothing
// here is persisted or retried; a signal not refreshed within the TTL
// simply disappears from the active set.
type TypingTracker struct {
	transport Transport
	log       logger.Logger
	metrics   *metrics.Metrics
	ttl       time.Duration

	mu     sync.Mutex
	subs   map[string]*typingSub
	active map[string]map[string]*time.Timer
}

type typingSub struct {
	cancel context.CancelFunc
}

func NewTypingTracker(transport Transport, ttl time.Duration, log logger.Logger, m *metrics.Metrics) *TypingTracker {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &TypingTracker{
		transport: transport,
		log:       log,
		metrics:   m,
		ttl:       ttl,
		subs:      make(map[string]*typingSub),
		active:    make(map[string]map[string]*time.Timer),
	}
}

// Send publishes one typing signal for userID, fire-and-forget: a
// short-lived channel is opened, the event broadcast on confirmation,
// and the channel torn down. No retry, no delivery guarantee.
func (t *TypingTracker) Send(id domain.ConversationID, userID string) {
	if id.IsZero() || userID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		ch := t.transport.Channel(TypingTopic(id))
		defer ch.Close()

		if err := ch.Subscribe(ctx); err != nil {
			t.log.Debug("Typing broadcast skipped", "conversation_id", id.String(), "error", err)
			return
		}
		err := ch.Broadcast(ctx, typingEvent, map[string]interface{}{
			"user_id": userID,
			"at":      time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			t.log.Debug("Typing broadcast failed", "conversation_id", id.String(), "error", err)
			return
		}
		t.metrics.TypingSignals.Inc()
	}()
}

// Subscribe starts listening for typing signals in a conversation.
// Duplicate calls for the same conversation are no-ops. Signals from
// selfID are ignored.
func (t *TypingTracker) Subscribe(id domain.ConversationID, selfID string) {
	if id.IsZero() {
		return
	}
	key := id.String()

	t.mu.Lock()
	if _, ok := t.subs[key]; ok {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.subs[key] = &typingSub{cancel: cancel}
	t.mu.Unlock()

	go t.listen(ctx, id, selfID)
}

func (t *TypingTracker) listen(ctx context.Context, id domain.ConversationID, selfID string) {
	key := id.String()
	ch := t.transport.Channel(TypingTopic(id))
	go func() {
		<-ctx.Done()
		_ = ch.Close()
	}()

	if err := ch.Subscribe(ctx); err != nil {
		t.log.Debug("Typing subscribe failed", "conversation_id", key, "error", err)
		return
	}

	for ev := range ch.Events() {
		if ev.Kind != EventBroadcast || ev.Name != typingEvent {
			continue
		}
		sender, _ := ev.Payload["user_id"].(string)
		if sender == "" || sender == selfID {
			continue
		}
		t.refresh(key, sender)
	}
}

// refresh records or extends the sender's typing signal; after the TTL
// without another signal the entry expires out of the active set.
func (t *TypingTracker) refresh(key, sender string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	senders := t.active[key]
	if senders == nil {
		senders = make(map[string]*time.Timer)
		t.active[key] = senders
	}

	if timer, ok := senders[sender]; ok {
		timer.Reset(t.ttl)
		return
	}
	senders[sender] = time.AfterFunc(t.ttl, func() {
		t.expire(key, sender)
	})
}

func (t *TypingTracker) expire(key, sender string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if senders, ok := t.active[key]; ok {
		delete(senders, sender)
		if len(senders) == 0 {
			delete(t.active, key)
		}
	}
}

// IsTyping reports whether anyone (other than the subscriber) has an
// unexpired typing signal in the conversation.
func (t *TypingTracker) IsTyping(id domain.ConversationID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active[id.String()]) > 0
}

// Typers returns the user ids with an unexpired signal.
func (t *TypingTracker) Typers(id domain.ConversationID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	senders := t.active[id.String()]
	out := make([]string, 0, len(senders))
	for sender := range senders {
		out = append(out, sender)
	}
	return out
}

func (t *TypingTracker) Unsubscribe(id domain.ConversationID) {
	key := id.String()
	t.mu.Lock()
	defer t.mu.Unlock()

	if sub, ok := t.subs[key]; ok {
		sub.cancel()
		delete(t.subs, key)
	}
	for _, timer := range t.active[key] {
		timer.Stop()
	}
	delete(t.active, key)
}

func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, sub := range t.subs {
		sub.cancel()
		delete(t.subs, key)
	}
	for key, senders := range t.active {
		for _, timer := range senders {
			timer.Stop()
		}
		delete(t.active, key)
	}
}
