package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"chat_sync/internal/domain"
	"chat_sync/internal/metrics"
	"chat_sync/internal/repository"
	pkgerrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

// Mode is the transport mode of the whole manager: once any one
// subscription fails over, every later subscription polls directly
// instead of attempting the realtime path again.
type Mode int32

const (
	ModeRealtime Mode = iota
	ModeDegraded
)

func (m Mode) String() string {
	if m == ModeDegraded {
		return "degraded"
	}
	return "realtime"
}

type SubscriptionState int

const (
	StateUnsubscribed SubscriptionState = iota
	StateSubscribing
	StateSubscribed
	StatePolling
)

// MessageSink receives decoded change-feed events. Implemented by the
// message store.
type MessageSink interface {
	// Apply inserts msg in order unless a message with the same id is
	// already present. Reports whether state changed.
	Apply(id domain.ConversationID, msg *domain.Message) bool
	// MergeUpdate shallow-merges msg's fields and deep-merges its
	// metadata into the existing entry; unknown ids are ignored.
	MergeUpdate(id domain.ConversationID, msg *domain.Message) bool
	// Replace swaps the conversation's list wholesale (polling path).
	Replace(id domain.ConversationID, msgs []*domain.Message)
}

const (
	defaultSubscribeTimeout = 6 * time.Second
	defaultPollInterval     = 6 * time.Second
	pollPageSize            = 50
	profileCacheSize        = 128
)

// Manager owns one change-feed subscription per open conversation and
// the process-wide fallback to polling.
type Manager struct {
	transport Transport
	messages  repository.MessageRepository
	profiles  repository.ProfileRepository
	sink      MessageSink
	log       logger.Logger
	metrics   *metrics.Metrics

	subscribeTimeout time.Duration
	pollInterval     time.Duration

	profileCache *lru.Cache[string, *domain.Profile]

	mode        atomic.Int32
	degradeOnce sync.Once

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	cancel context.CancelFunc
	state  SubscriptionState
}

type ManagerOptions struct {
	SubscribeTimeout time.Duration
	PollInterval     time.Duration
}

func NewManager(
	transport Transport,
	messages repository.MessageRepository,
	profiles repository.ProfileRepository,
	sink MessageSink,
	opts ManagerOptions,
	log logger.Logger,
	m *metrics.Metrics,
) *Manager {
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = defaultSubscribeTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if m == nil {
		m = metrics.NewNop()
	}
	cache, _ := lru.New[string, *domain.Profile](profileCacheSize)

	return &Manager{
		transport:        transport,
		messages:         messages,
		profiles:         profiles,
		sink:             sink,
		log:              log,
		metrics:          m,
		subscribeTimeout: opts.SubscribeTimeout,
		pollInterval:     opts.PollInterval,
		profileCache:     cache,
		subs:             make(map[string]*subscription),
	}
}

// Mode reports the manager's transport mode; the UI reads this for a
// live/delayed indicator.
func (m *Manager) Mode() Mode {
	return Mode(m.mode.Load())
}

// State reports the subscription state for one conversation.
func (m *Manager) State(id domain.ConversationID) SubscriptionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id.String()]; ok {
		return sub.state
	}
	return StateUnsubscribed
}

// Subscribe opens the change feed for a conversation. Invalid and
// local-only identifiers are no-ops; an existing subscription for the
// same id is torn down first.
func (m *Manager) Subscribe(id domain.ConversationID) {
	if id.IsZero() || id.IsLocal() {
		return
	}

	key := id.String()
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, state: StateSubscribing}

	m.mu.Lock()
	if prev, ok := m.subs[key]; ok {
		prev.cancel()
	}
	m.subs[key] = sub
	m.mu.Unlock()

	if m.Mode() == ModeDegraded {
		m.setState(key, sub, StatePolling)
		go m.poll(ctx, id)
		return
	}

	go m.run(ctx, sub, id)
}

// Unsubscribe tears down the channel or polling loop for a
// conversation. Safe to call when nothing is active.
func (m *Manager) Unsubscribe(id domain.ConversationID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id.String()]; ok {
		sub.cancel()
		delete(m.subs, id.String())
	}
}

// Close tears down every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, sub := range m.subs {
		sub.cancel()
		delete(m.subs, key)
	}
}

func (m *Manager) run(ctx context.Context, sub *subscription, id domain.ConversationID) {
	key := id.String()
	ch := m.transport.Channel(MessagesTopic(id))
	go func() {
		<-ctx.Done()
		_ = ch.Close()
	}()

	sctx, cancel := context.WithTimeout(ctx, m.subscribeTimeout)
	err := ch.Subscribe(sctx)
	cancel()
	if err != nil {
		_ = ch.Close()
		if ctx.Err() != nil {
			return
		}
		m.degrade(err)
		m.setState(key, sub, StatePolling)
		m.poll(ctx, id)
		return
	}

	m.setState(key, sub, StateSubscribed)
	m.log.Debug("Realtime subscription established", "conversation_id", key)

	for ev := range ch.Events() {
		m.handle(ctx, id, ev)
	}

	// Event stream closed underneath us: channel error.
	if ctx.Err() != nil {
		return
	}
	m.degrade(pkgerrors.ErrChannelClosed)
	m.setState(key, sub, StatePolling)
	m.poll(ctx, id)
}

func (m *Manager) handle(ctx context.Context, id domain.ConversationID, ev Event) {
	if ev.Table != "" && ev.Table != "messages" {
		return
	}

	switch ev.Kind {
	case EventInsert:
		msg, err := decodeMessageRecord(ev.Record)
		if err != nil {
			m.log.Debug("Dropping undecodable insert", "conversation_id", id.String(), "error", err)
			return
		}
		msg.Sender = m.resolveSender(ctx, msg.SenderID)
		if m.sink.Apply(id, msg) {
			m.metrics.EventsApplied.Inc()
		}

	case EventUpdate:
		msg, err := decodeMessageRecord(ev.Record)
		if err != nil {
			m.log.Debug("Dropping undecodable update", "conversation_id", id.String(), "error", err)
			return
		}
		if m.sink.MergeUpdate(id, msg) {
			m.metrics.EventsApplied.Inc()
		}
	}
}

// resolveSender looks up the sender's public profile, cached per sender
// id for the lifetime of the manager.
func (m *Manager) resolveSender(ctx context.Context, senderID string) *domain.Profile {
	if senderID == "" {
		return nil
	}
	if p, ok := m.profileCache.Get(senderID); ok {
		return p
	}

	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	p, err := m.profiles.GetProfile(rctx, senderID)
	if err != nil {
		m.log.Debug("Profile resolution failed", "user_id", senderID, "error", err)
		return nil
	}
	m.profileCache.Add(senderID, p)
	return p
}

// degrade flips the whole manager to polling. Logged once per process
// lifetime; repeated channel failures stay quiet.
func (m *Manager) degrade(err error) {
	m.mode.Store(int32(ModeDegraded))
	m.metrics.RealtimeFallbacks.Inc()
	m.degradeOnce.Do(func() {
		m.log.Warn("Realtime unavailable, falling back to polling",
			"poll_interval", m.pollInterval.String(), "error", err)
	})
}

// poll re-fetches the recent page on a fixed interval and replaces the
// in-memory list wholesale. Last-write-wins against optimistic entries;
// the next tick includes any row the races missed.
func (m *Manager) poll(ctx context.Context, id domain.ConversationID) {
	m.fetchPage(ctx, id)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.fetchPage(ctx, id)
		}
	}
}

func (m *Manager) fetchPage(ctx context.Context, id domain.ConversationID) {
	fctx, cancel := context.WithTimeout(ctx, m.pollInterval)
	defer cancel()

	rows, err := m.messages.ListRecent(fctx, id, pollPageSize)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Debug("Poll fetch failed", "conversation_id", id.String(), "error", err)
		}
		return
	}

	// Newest-first from the backend; reverse to chronological order.
	chronological := make([]*domain.Message, len(rows))
	for i, msg := range rows {
		chronological[len(rows)-1-i] = msg
	}
	m.sink.Replace(id, chronological)
	m.metrics.PollTicks.Inc()
}

func (m *Manager) setState(key string, sub *subscription, state SubscriptionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Only record the state if this subscription is still current; a
	// re-subscribe may have replaced it.
	if current, ok := m.subs[key]; ok && current == sub {
		sub.state = state
	}
}

// decodeMessageRecord converts a change-feed row image into a message.
func decodeMessageRecord(record map[string]interface{}) (*domain.Message, error) {
	if record == nil {
		return nil, fmt.Errorf("empty record")
	}

	id, _ := record["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("record missing id")
	}
	convID, _ := record["conversation_id"].(string)
	senderID, _ := record["sender_id"].(string)
	content, _ := record["content"].(string)

	msg := &domain.Message{
		ID:             id,
		ConversationID: domain.DurableID(convID),
		SenderID:       senderID,
		Content:        content,
		Metadata:       domain.NormalizeMetadata(record["metadata"]),
	}

	if raw, ok := record["created_at"].(string); ok {
		msg.CreatedAt = parseTimestamp(raw)
	}

	return msg, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
}

func parseTimestamp(raw string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
