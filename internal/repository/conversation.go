package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat_sync/internal/domain"
	pkgerrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

type ConversationRepository interface {
	ListForUser(ctx context.Context, userID string) ([]*domain.ConversationSummary, error)
	FindDirect(ctx context.Context, userA, userB string) (domain.ConversationID, error)
	CreateWithParticipants(ctx context.Context, conv *domain.Conversation, participantIDs []string) error
	SetLastRead(ctx context.Context, id domain.ConversationID, userID string, at time.Time) error
	TouchUpdatedAt(ctx context.Context, id domain.ConversationID, at time.Time) error
}

type conversationRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewConversationRepository(db *pgxpool.Pool, log logger.Logger) ConversationRepository {
	return &conversationRepository{db: db, log: log}
}

func (r *conversationRepository) ListForUser(ctx context.Context, userID string) ([]*domain.ConversationSummary, error) {
	query := `
		SELECT c.id, c.kind, c.name, c.class_section_id, c.organization_id, c.created_at, c.updated_at,
		       lm.sender_id, lm.content, lm.metadata, lm.created_at,
		       op.id, op.display_name, op.handle, op.avatar_url,
		       COALESCE(un.cnt, 0)
		FROM conversations c
		JOIN conversation_participants me
		  ON me.conversation_id = c.id AND me.user_id = $1
		LEFT JOIN LATERAL (
			SELECT m.sender_id, m.content, m.metadata, m.created_at
			FROM messages m
			WHERE m.conversation_id = c.id
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT 1
		) lm ON true
		LEFT JOIN LATERAL (
			SELECT p.id, p.display_name, p.handle, p.avatar_url
			FROM conversation_participants cp
			JOIN profiles p ON p.id = cp.user_id
			WHERE cp.conversation_id = c.id AND cp.user_id <> $1 AND c.kind = 'direct'
			LIMIT 1
		) op ON true
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS cnt
			FROM messages m
			WHERE m.conversation_id = c.id
			  AND m.sender_id <> $1
			  AND m.created_at > COALESCE(me.last_read_at, 'epoch'::timestamptz)
		) un ON true
		ORDER BY COALESCE(lm.created_at, c.created_at) DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		r.log.Error("Failed to list conversations", "user_id", userID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var summaries []*domain.ConversationSummary
	for rows.Next() {
		var (
			id                               string
			kind                             string
			lmSender, lmContent              *string
			lmMetadata                       []byte
			lmCreatedAt                      *time.Time
			opID, opName, opHandle, opAvatar *string
		)
		s := &domain.ConversationSummary{}
		err := rows.Scan(
			&id, &kind, &s.Name, &s.ClassSectionID, &s.OrganizationID, &s.CreatedAt, &s.UpdatedAt,
			&lmSender, &lmContent, &lmMetadata, &lmCreatedAt,
			&opID, &opName, &opHandle, &opAvatar,
			&s.Unread,
		)
		if err != nil {
			r.log.Error("Failed to scan conversation", "error", err)
			return nil, err
		}

		s.ID = domain.DurableID(id)
		s.Kind = domain.ConversationKind(kind)

		if lmSender != nil && lmCreatedAt != nil {
			content := ""
			if lmContent != nil {
				content = *lmContent
			}
			s.LastMessage = &domain.LastMessage{
				Content:   content,
				SenderID:  *lmSender,
				CreatedAt: *lmCreatedAt,
				Unsent:    domain.NormalizeMetadata(lmMetadata).Unsent(),
			}
		}
		if opID != nil {
			s.Other = &domain.Profile{ID: *opID}
			if opName != nil {
				s.Other.DisplayName = *opName
			}
			if opHandle != nil {
				s.Other.Handle = *opHandle
			}
			if opAvatar != nil {
				s.Other.AvatarURL = *opAvatar
			}
		}

		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}

func (r *conversationRepository) FindDirect(ctx context.Context, userA, userB string) (domain.ConversationID, error) {
	query := `
		SELECT c.id
		FROM conversations c
		JOIN conversation_participants pa ON pa.conversation_id = c.id AND pa.user_id = $1
		JOIN conversation_participants pb ON pb.conversation_id = c.id AND pb.user_id = $2
		WHERE c.kind = 'direct'
		LIMIT 1
	`

	var id string
	err := r.db.QueryRow(ctx, query, userA, userB).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ConversationID{}, pkgerrors.ErrNotFound
	}
	if err != nil {
		r.log.Error("Failed to find direct conversation", "error", err)
		return domain.ConversationID{}, err
	}

	return domain.DurableID(id), nil
}

func (r *conversationRepository) CreateWithParticipants(ctx context.Context, conv *domain.Conversation, participantIDs []string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin conversation create: %w", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.NewString()
	query := `
		INSERT INTO conversations (id, kind, name, class_section_id, organization_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		id, string(conv.Kind), conv.Name, conv.ClassSectionID, conv.OrganizationID,
	).Scan(&conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		r.log.Error("Failed to create conversation", "error", err)
		return err
	}

	for _, userID := range participantIDs {
		_, err := tx.Exec(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id)
			VALUES ($1, $2)
		`, id, userID)
		if err != nil {
			r.log.Error("Failed to insert participant", "user_id", userID, "error", err)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit conversation create: %w", err)
	}

	conv.ID = domain.DurableID(id)
	return nil
}

func (r *conversationRepository) SetLastRead(ctx context.Context, id domain.ConversationID, userID string, at time.Time) error {
	query := `
		UPDATE conversation_participants
		SET last_read_at = $3
		WHERE conversation_id = $1 AND user_id = $2
	`

	_, err := r.db.Exec(ctx, query, id.String(), userID, at)
	if err != nil {
		r.log.Error("Failed to set last read", "conversation_id", id.String(), "error", err)
		return err
	}

	return nil
}

func (r *conversationRepository) TouchUpdatedAt(ctx context.Context, id domain.ConversationID, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, id.String(), at)
	return err
}
