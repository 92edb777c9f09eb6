package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_sync/internal/domain"
	pkgerrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

func newConversationStore(t *testing.T) (*ConversationStore, *fakeConversationRepo) {
	t.Helper()
	repo := newFakeConversationRepo()
	return NewConversationStore(repo, logger.NewNop()), repo
}

func TestGetOrCreateDirectIsIdempotent(t *testing.T) {
	s, repo := newConversationStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateDirect(ctx, "user-a", "user-b")
	require.NoError(t, err)
	assert.False(t, first.IsLocal())

	// Same pair, either order, returns the same conversation.
	second, err := s.GetOrCreateDirect(ctx, "user-b", "user-a")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, repo.createCalls)
}

func TestGetOrCreateDirectValidation(t *testing.T) {
	s, _ := newConversationStore(t)

	_, err := s.GetOrCreateDirect(context.Background(), "user-a", "user-a")
	assert.True(t, errors.Is(err, pkgerrors.ErrValidation))

	_, err = s.GetOrCreateDirect(context.Background(), "", "user-b")
	assert.True(t, errors.Is(err, pkgerrors.ErrValidation))
}

func TestGetOrCreateDirectFallsBackToLocal(t *testing.T) {
	s, repo := newConversationStore(t)
	repo.findErr = fmt.Errorf("dial tcp: %w", pkgerrors.ErrBackendUnavailable)

	id, err := s.GetOrCreateDirect(context.Background(), "user-a", "user-b")
	require.NoError(t, err)
	assert.True(t, id.IsLocal(), "unreachable backend degrades to a local-only conversation")
}

func TestGetOrCreateDirectResolvesCreateRace(t *testing.T) {
	s, repo := newConversationStore(t)
	ctx := context.Background()

	// A concurrent creator wins between our lookup and our insert: the
	// first lookup misses, the insert hits the unique index, and the
	// retry lookup finds the winner.
	winner := domain.DurableID("conv-raced")
	repo.direct[directKey("user-a", "user-b")] = winner
	repo.findMisses = 1
	repo.createErr = &pgconn.PgError{Code: "23505"}

	id, err := s.GetOrCreateDirect(ctx, "user-a", "user-b")
	require.NoError(t, err)
	assert.Equal(t, winner, id)
}

func TestCreateGroupDeduplicatesParticipants(t *testing.T) {
	s, repo := newConversationStore(t)

	id, err := s.CreateGroup(context.Background(), "user-a", []string{"user-b", "user-b", "user-a", "user-c"}, "study group")
	require.NoError(t, err)
	assert.False(t, id.IsLocal())

	require.Len(t, repo.created, 1)
	assert.Equal(t, []string{"user-a", "user-b", "user-c"}, repo.created[0])
}

func TestCreateGroupNeedsAnotherParticipant(t *testing.T) {
	s, _ := newConversationStore(t)

	_, err := s.CreateGroup(context.Background(), "user-a", []string{"user-a", ""}, "just me")
	assert.True(t, errors.Is(err, pkgerrors.ErrValidation))
}

func TestLoadDegradesToEmpty(t *testing.T) {
	for _, code := range []string{"42P01", "42P17", "42501"} {
		t.Run(code, func(t *testing.T) {
			s, repo := newConversationStore(t)
			repo.listErr = &pgconn.PgError{Code: code}

			list, err := s.Load(context.Background(), "user-a")
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestLoadPropagatesHardFailures(t *testing.T) {
	s, repo := newConversationStore(t)
	repo.listErr = errors.New("connection reset mid-query")

	_, err := s.Load(context.Background(), "user-a")
	assert.Error(t, err)
}

func TestLoadSortsByLastActivity(t *testing.T) {
	s, repo := newConversationStore(t)
	base := time.Unix(1700000000, 0)
	repo.summaries = []*domain.ConversationSummary{
		summaryNamed("conv-old", "Old", 0, base),
		summaryNamed("conv-new", "New", 0, base.Add(time.Hour)),
	}
	// A conversation with no message sorts by creation time.
	empty := &domain.ConversationSummary{}
	empty.ID = domain.DurableID("conv-empty")
	empty.Kind = domain.KindDirect
	empty.CreatedAt = base.Add(30 * time.Minute)
	repo.summaries = append(repo.summaries, empty)

	list, err := s.Load(context.Background(), "user-a")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, domain.DurableID("conv-new"), list[0].ID)
	assert.Equal(t, domain.DurableID("conv-empty"), list[1].ID)
	assert.Equal(t, domain.DurableID("conv-old"), list[2].ID)
}

func TestMarkReadZeroesUnreadImmediately(t *testing.T) {
	s, repo := newConversationStore(t)
	repo.summaries = []*domain.ConversationSummary{
		summaryNamed("conv-1", "Club", 5, time.Unix(1700000000, 0)),
	}
	_, err := s.Load(context.Background(), "user-a")
	require.NoError(t, err)

	id := domain.DurableID("conv-1")
	require.NoError(t, s.MarkRead(context.Background(), id, "user-a"))

	list := s.Summaries()
	require.Len(t, list, 1)
	assert.Zero(t, list[0].Unread)
	assert.Equal(t, 1, repo.setLastReadCount())
}

func TestMarkReadLocalConversationSkipsBackend(t *testing.T) {
	s, repo := newConversationStore(t)

	require.NoError(t, s.MarkRead(context.Background(), domain.NewLocalID(), "user-a"))
	assert.Zero(t, repo.setLastReadCount())
}
