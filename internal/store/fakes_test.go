package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"chat_sync/internal/domain"
	pkgerrors "chat_sync/pkg/errors"
)

type fakeMessageRepo struct {
	mu          sync.Mutex
	seq         int
	rows        map[string]*domain.Message
	listErr     error
	insertErr   error
	listCalls   int
	insertCalls int
	// echo, when set, is invoked with the inserted row before Insert
	// returns, simulating a realtime echo racing ahead of the response.
	echo func(*domain.Message)
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{rows: make(map[string]*domain.Message)}
}

func (f *fakeMessageRepo) ListRecent(ctx context.Context, id domain.ConversationID, limit int) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}

	var out []*domain.Message
	for _, msg := range f.rows {
		if msg.ConversationID == id {
			out = append(out, msg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Before(out[i]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessageRepo) Insert(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	f.mu.Lock()
	f.insertCalls++
	if f.insertErr != nil {
		f.mu.Unlock()
		return nil, f.insertErr
	}
	f.seq++
	inserted := msg.Clone()
	inserted.ID = fmt.Sprintf("srv-%d", f.seq)
	inserted.CreatedAt = time.Now()
	f.rows[inserted.ID] = inserted
	echo := f.echo
	f.mu.Unlock()

	if echo != nil {
		echo(inserted.Clone())
	}
	return inserted.Clone(), nil
}

func (f *fakeMessageRepo) Unsend(ctx context.Context, messageID, actorID string, at time.Time) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.rows[messageID]
	if !ok || msg.SenderID != actorID {
		return nil, pkgerrors.ErrForbidden
	}
	msg.Content = ""
	msg.Metadata = msg.Metadata.Merge(domain.TombstoneMetadata(actorID, at))
	return msg.Clone(), nil
}

func (f *fakeMessageRepo) seed(msg *domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[msg.ID] = msg.Clone()
}

type fakeConversationRepo struct {
	mu          sync.Mutex
	seq         int
	summaries   []*domain.ConversationSummary
	listErr     error
	findErr     error
	createErr   error
	touchErr    error
	createCalls int
	created     [][]string
	direct      map[string]domain.ConversationID
	lastRead    map[string]time.Time
	touched     chan domain.ConversationID
	// findMisses makes the next N FindDirect calls miss even when the
	// pair exists, to exercise the lookup/create race.
	findMisses int
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{
		direct:   make(map[string]domain.ConversationID),
		lastRead: make(map[string]time.Time),
		touched:  make(chan domain.ConversationID, 8),
	}
}

func directKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (f *fakeConversationRepo) ListForUser(ctx context.Context, userID string) ([]*domain.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*domain.ConversationSummary, len(f.summaries))
	for i, s := range f.summaries {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeConversationRepo) FindDirect(ctx context.Context, userA, userB string) (domain.ConversationID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return domain.ConversationID{}, f.findErr
	}
	if f.findMisses > 0 {
		f.findMisses--
		return domain.ConversationID{}, pkgerrors.ErrNotFound
	}
	if id, ok := f.direct[directKey(userA, userB)]; ok {
		return id, nil
	}
	return domain.ConversationID{}, pkgerrors.ErrNotFound
}

func (f *fakeConversationRepo) CreateWithParticipants(ctx context.Context, conv *domain.Conversation, participantIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return f.createErr
	}
	f.seq++
	conv.ID = domain.DurableID(fmt.Sprintf("conv-%d", f.seq))
	conv.CreatedAt = time.Now()
	conv.UpdatedAt = conv.CreatedAt
	f.created = append(f.created, append([]string(nil), participantIDs...))
	if conv.Kind == domain.KindDirect && len(participantIDs) == 2 {
		f.direct[directKey(participantIDs[0], participantIDs[1])] = conv.ID
	}
	return nil
}

func (f *fakeConversationRepo) SetLastRead(ctx context.Context, id domain.ConversationID, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRead[id.String()+"|"+userID] = at
	return nil
}

func (f *fakeConversationRepo) TouchUpdatedAt(ctx context.Context, id domain.ConversationID, at time.Time) error {
	select {
	case f.touched <- id:
	default:
	}
	return f.touchErr
}

func (f *fakeConversationRepo) setLastReadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lastRead)
}

func summaryNamed(id, name string, unread int, lastAt time.Time) *domain.ConversationSummary {
	s := &domain.ConversationSummary{}
	s.ID = domain.DurableID(id)
	s.Kind = domain.KindGroup
	s.Name = &name
	s.CreatedAt = lastAt.Add(-time.Hour)
	s.Unread = unread
	s.LastMessage = &domain.LastMessage{Content: strings.ToLower(name), SenderID: "someone", CreatedAt: lastAt}
	return s
}
