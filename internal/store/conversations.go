package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"chat_sync/internal/domain"
	"chat_sync/internal/repository"
	pkgerrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

// ConversationStore owns the authenticated user's conversation list:
// summaries with last-message preview, unread count and the other
// participant's profile for direct conversations.
type ConversationStore struct {
	repo repository.ConversationRepository
	log  logger.Logger

	mu        sync.Mutex
	summaries []*domain.ConversationSummary

	onChange func()
}

func NewConversationStore(repo repository.ConversationRepository, log logger.Logger) *ConversationStore {
	return &ConversationStore{repo: repo, log: log}
}

func (s *ConversationStore) SetOnChange(fn func()) {
	s.onChange = fn
}

// Load fetches all conversations the user participates in, sorted by
// last activity descending. Schema-missing, policy-recursion and
// RLS-denied reads degrade to an empty list with no error: the UI
// treats that as "nothing yet", not failure.
func (s *ConversationStore) Load(ctx context.Context, userID string) ([]*domain.ConversationSummary, error) {
	if userID == "" {
		return nil, pkgerrors.Validationf("user id is empty")
	}

	rows, err := s.repo.ListForUser(ctx, userID)
	if err != nil {
		if pkgerrors.IsDegradable(err) || pkgerrors.IsAuthz(err) {
			s.log.Debug("Conversation load degraded to empty", "user_id", userID, "error", err)
			s.replace(nil)
			return []*domain.ConversationSummary{}, nil
		}
		return nil, err
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].LastActivity().After(rows[j].LastActivity())
	})
	s.replace(rows)
	return s.Summaries(), nil
}

// GetOrCreateDirect returns the existing direct conversation between
// the two users or creates one with both participant rows. When the
// backend is unreachable it hands back a local-only identifier so the
// UI keeps working in a degraded, non-persistent mode.
func (s *ConversationStore) GetOrCreateDirect(ctx context.Context, selfID, otherID string) (domain.ConversationID, error) {
	if selfID == "" || otherID == "" {
		return domain.ConversationID{}, pkgerrors.Validationf("both user ids are required")
	}
	if selfID == otherID {
		return domain.ConversationID{}, pkgerrors.Validationf("cannot open a direct conversation with yourself")
	}

	id, err := s.repo.FindDirect(ctx, selfID, otherID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pkgerrors.ErrNotFound) {
		if pkgerrors.IsUnavailable(err) {
			s.log.Warn("Backend unavailable, using local conversation", "error", err)
			return domain.NewLocalID(), nil
		}
		return domain.ConversationID{}, err
	}

	conv := &domain.Conversation{Kind: domain.KindDirect}
	err = s.repo.CreateWithParticipants(ctx, conv, []string{selfID, otherID})
	if err != nil {
		// A concurrent get-or-create may have won; the lookup is the
		// idempotent answer.
		if pkgerrors.IsUniqueViolation(err) {
			return s.repo.FindDirect(ctx, selfID, otherID)
		}
		if pkgerrors.IsUnavailable(err) {
			s.log.Warn("Backend unavailable, using local conversation", "error", err)
			return domain.NewLocalID(), nil
		}
		return domain.ConversationID{}, err
	}

	return conv.ID, nil
}

// CreateGroup creates a group conversation with the de-duplicated
// union of {selfID} and participantIDs.
func (s *ConversationStore) CreateGroup(ctx context.Context, selfID string, participantIDs []string, name string) (domain.ConversationID, error) {
	if selfID == "" {
		return domain.ConversationID{}, pkgerrors.Validationf("user id is empty")
	}

	members := map[string]bool{selfID: true}
	ordered := []string{selfID}
	for _, userID := range participantIDs {
		if userID == "" || members[userID] {
			continue
		}
		members[userID] = true
		ordered = append(ordered, userID)
	}
	if len(ordered) < 2 {
		return domain.ConversationID{}, pkgerrors.Validationf("a group needs at least one other participant")
	}

	conv := &domain.Conversation{Kind: domain.KindGroup}
	if name != "" {
		conv.Name = &name
	}
	if err := s.repo.CreateWithParticipants(ctx, conv, ordered); err != nil {
		return domain.ConversationID{}, err
	}
	return conv.ID, nil
}

// MarkRead zeroes the conversation's unread count immediately for UI
// feedback, then persists the participant's last-read timestamp.
func (s *ConversationStore) MarkRead(ctx context.Context, id domain.ConversationID, userID string) error {
	if id.IsZero() || userID == "" {
		return pkgerrors.Validationf("conversation id and user id are required")
	}

	s.mu.Lock()
	for _, summary := range s.summaries {
		if summary.ID == id {
			summary.Unread = 0
			break
		}
	}
	s.mu.Unlock()
	s.notify()

	if id.IsLocal() {
		return nil
	}

	if err := s.repo.SetLastRead(ctx, id, userID, time.Now()); err != nil {
		s.log.Warn("Failed to persist last read", "conversation_id", id.String(), "error", err)
		return err
	}
	return nil
}

// Refresh reloads the list, e.g. after an unsend changed a preview.
func (s *ConversationStore) Refresh(ctx context.Context, userID string) {
	if _, err := s.Load(ctx, userID); err != nil {
		s.log.Warn("Conversation refresh failed", "user_id", userID, "error", err)
	}
}

// Summaries returns a snapshot of the current conversation list.
func (s *ConversationStore) Summaries() []*domain.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.ConversationSummary, len(s.summaries))
	copy(out, s.summaries)
	return out
}

func (s *ConversationStore) replace(rows []*domain.ConversationSummary) {
	s.mu.Lock()
	s.summaries = rows
	s.mu.Unlock()
	s.notify()
}

func (s *ConversationStore) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}
