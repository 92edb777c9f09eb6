package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat_sync/internal/domain"
	"chat_sync/internal/repository"
	pkgerrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

const (
	defaultPageSize       = 50
	attachmentPlaceholder = "[attachment]"
	touchTimeout          = 5 * time.Second
)

// MessageStore owns the per-conversation ordered message lists. All
// mutation goes through its operations; the realtime manager feeds it
// through the MessageSink methods (Apply, MergeUpdate, Replace).
type MessageStore struct {
	messages repository.MessageRepository
	convs    repository.ConversationRepository
	log      logger.Logger

	mu     sync.Mutex
	byConv map[string][]*domain.Message

	onChange func(domain.ConversationID)
	onUnsend func(domain.ConversationID)
}

func NewMessageStore(messages repository.MessageRepository, convs repository.ConversationRepository, log logger.Logger) *MessageStore {
	return &MessageStore{
		messages: messages,
		convs:    convs,
		log:      log,
		byConv:   make(map[string][]*domain.Message),
	}
}

// SetOnChange registers the UI notification hook, invoked after any
// state change for a conversation.
func (s *MessageStore) SetOnChange(fn func(domain.ConversationID)) {
	s.onChange = fn
}

// SetOnUnsend registers the hook that refreshes the conversation list
// after an unsend, so the last-message preview reflects the tombstone.
func (s *MessageStore) SetOnUnsend(fn func(domain.ConversationID)) {
	s.onUnsend = fn
}

// Load fetches the most recent page and replaces the conversation's
// list in chronological order. Local-only identifiers short-circuit
// without a network call.
func (s *MessageStore) Load(ctx context.Context, id domain.ConversationID, limit int) ([]*domain.Message, error) {
	if id.IsZero() {
		return nil, pkgerrors.Validationf("conversation id is empty")
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if id.IsLocal() {
		return s.Messages(id), nil
	}

	rows, err := s.messages.ListRecent(ctx, id, limit)
	if err != nil {
		if pkgerrors.IsDegradable(err) || pkgerrors.IsAuthz(err) {
			s.log.Debug("Message load degraded to empty", "conversation_id", id.String(), "error", err)
			return []*domain.Message{}, nil
		}
		return nil, err
	}

	chronological := make([]*domain.Message, len(rows))
	for i, msg := range rows {
		chronological[len(rows)-1-i] = msg
	}
	s.Replace(id, chronological)
	return s.Messages(id), nil
}

// Send validates, optimistically appends a pending entry, performs the
// durable insert and reconciles against any realtime echo by id. For
// local-only conversations the message never leaves the process.
func (s *MessageStore) Send(ctx context.Context, id domain.ConversationID, senderID, content string, metadata domain.Metadata) (*domain.Message, error) {
	if id.IsZero() {
		return nil, pkgerrors.Validationf("conversation id is empty")
	}
	if senderID == "" {
		return nil, pkgerrors.Validationf("sender id is empty")
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" && !metadata.HasAttachment() {
		return nil, pkgerrors.Validationf("message needs content or an attachment")
	}
	if trimmed == "" {
		trimmed = attachmentPlaceholder
	}

	if id.IsLocal() {
		msg := &domain.Message{
			ID:             uuid.NewString(),
			ConversationID: id,
			SenderID:       senderID,
			Content:        trimmed,
			Metadata:       metadata,
			CreatedAt:      time.Now(),
			Pending:        true,
		}
		s.Apply(id, msg)
		return msg, nil
	}

	pending := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: id,
		SenderID:       senderID,
		Content:        trimmed,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
		Pending:        true,
	}
	s.Apply(id, pending)

	inserted, err := s.messages.Insert(ctx, &domain.Message{
		ConversationID: id,
		SenderID:       senderID,
		Content:        trimmed,
		Metadata:       metadata,
	})
	if err != nil {
		s.remove(id, pending.ID)
		return nil, err
	}

	s.mu.Lock()
	s.removeLocked(id, pending.ID)
	s.applyLocked(id, inserted)
	s.mu.Unlock()
	s.notify(id)

	// Best-effort conversation bump for list ordering; never fails the send.
	go func() {
		tctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := s.convs.TouchUpdatedAt(tctx, id, inserted.CreatedAt); err != nil {
			s.log.Warn("Conversation touch failed after send", "conversation_id", id.String(), "error", err)
		}
	}()

	return inserted, nil
}

// Unsend clears the message's content and stamps tombstone metadata.
// Only the original sender succeeds; anyone else gets ErrForbidden and
// the message stays intact.
func (s *MessageStore) Unsend(ctx context.Context, messageID, actorID string) (*domain.Message, error) {
	if messageID == "" || actorID == "" {
		return nil, pkgerrors.Validationf("message id and actor id are required")
	}

	updated, err := s.messages.Unsend(ctx, messageID, actorID, time.Now())
	if err != nil {
		return nil, err
	}

	s.MergeUpdate(updated.ConversationID, updated)
	if s.onUnsend != nil {
		s.onUnsend(updated.ConversationID)
	}
	return updated, nil
}

// Apply inserts msg in creation order unless a message with the same
// id is already present (the optimistic-send/echo race). Reports
// whether state changed.
func (s *MessageStore) Apply(id domain.ConversationID, msg *domain.Message) bool {
	s.mu.Lock()
	changed := s.applyLocked(id, msg)
	s.mu.Unlock()
	if changed {
		s.notify(id)
	}
	return changed
}

func (s *MessageStore) applyLocked(id domain.ConversationID, msg *domain.Message) bool {
	key := id.String()
	list := s.byConv[key]
	for _, existing := range list {
		if existing.ID == msg.ID {
			return false
		}
	}

	idx := sort.Search(len(list), func(i int) bool {
		return msg.Before(list[i])
	})
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = msg
	s.byConv[key] = list
	return true
}

// MergeUpdate applies a realtime UPDATE: shallow-merge of row fields,
// deep merge of the metadata map. Ids we do not hold are ignored.
func (s *MessageStore) MergeUpdate(id domain.ConversationID, msg *domain.Message) bool {
	s.mu.Lock()
	var target *domain.Message
	for _, existing := range s.byConv[id.String()] {
		if existing.ID == msg.ID {
			target = existing
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return false
	}

	target.Content = msg.Content
	target.Metadata = target.Metadata.Merge(msg.Metadata)
	target.Pending = false
	if msg.Sender != nil {
		target.Sender = msg.Sender
	}
	s.mu.Unlock()

	s.notify(id)
	return true
}

// Replace swaps the conversation's list wholesale. Used by the polling
// fallback; last-write-wins against optimistic entries.
func (s *MessageStore) Replace(id domain.ConversationID, msgs []*domain.Message) {
	sorted := make([]*domain.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Before(sorted[j])
	})

	s.mu.Lock()
	s.byConv[id.String()] = sorted
	s.mu.Unlock()
	s.notify(id)
}

// Messages returns a snapshot of the conversation's ordered list.
func (s *MessageStore) Messages(id domain.ConversationID) []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byConv[id.String()]
	out := make([]*domain.Message, len(list))
	copy(out, list)
	return out
}

func (s *MessageStore) remove(id domain.ConversationID, messageID string) {
	s.mu.Lock()
	s.removeLocked(id, messageID)
	s.mu.Unlock()
	s.notify(id)
}

func (s *MessageStore) removeLocked(id domain.ConversationID, messageID string) {
	key := id.String()
	list := s.byConv[key]
	for i, existing := range list {
		if existing.ID == messageID {
			s.byConv[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (s *MessageStore) notify(id domain.ConversationID) {
	if s.onChange != nil {
		s.onChange(id)
	}
}
