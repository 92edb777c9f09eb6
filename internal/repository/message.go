package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat_sync/internal/domain"
	pkgerrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

type MessageRepository interface {
	// ListRecent returns the most recent messages newest-first.
	ListRecent(ctx context.Context, id domain.ConversationID, limit int) ([]*domain.Message, error)
	Insert(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	// Unsend clears content and merges tombstone metadata, conditional
	// on actorID being the original sender. Zero rows affected means the
	// caller is not the sender and surfaces as ErrForbidden.
	Unsend(ctx context.Context, messageID, actorID string, at time.Time) (*domain.Message, error)
}

type messageRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewMessageRepository(db *pgxpool.Pool, log logger.Logger) MessageRepository {
	return &messageRepository{db: db, log: log}
}

func (r *messageRepository) ListRecent(ctx context.Context, id domain.ConversationID, limit int) ([]*domain.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, metadata, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, id.String(), limit)
	if err != nil {
		r.log.Error("Failed to list messages", "conversation_id", id.String(), "error", err)
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			r.log.Error("Failed to scan message", "error", err)
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (r *messageRepository) Insert(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	query := `
		INSERT INTO messages (conversation_id, sender_id, content, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, conversation_id, sender_id, content, metadata, created_at
	`

	var metadata []byte
	if msg.Metadata != nil {
		var err error
		metadata, err = json.Marshal(msg.Metadata)
		if err != nil {
			return nil, pkgerrors.Validationf("metadata is not serializable")
		}
	}

	row := r.db.QueryRow(ctx, query, msg.ConversationID.String(), msg.SenderID, msg.Content, metadata)
	inserted, err := scanMessage(row)
	if err != nil {
		r.log.Error("Failed to insert message", "conversation_id", msg.ConversationID.String(), "error", err)
		return nil, err
	}

	return inserted, nil
}

func (r *messageRepository) Unsend(ctx context.Context, messageID, actorID string, at time.Time) (*domain.Message, error) {
	query := `
		UPDATE messages
		SET content = '',
		    metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb
		WHERE id = $1 AND sender_id = $2
		RETURNING id, conversation_id, sender_id, content, metadata, created_at
	`

	tombstone, err := json.Marshal(domain.TombstoneMetadata(actorID, at))
	if err != nil {
		return nil, err
	}

	row := r.db.QueryRow(ctx, query, messageID, actorID, tombstone)
	updated, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pkgerrors.ErrForbidden
	}
	if err != nil {
		r.log.Error("Failed to unsend message", "message_id", messageID, "error", err)
		return nil, err
	}

	return updated, nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var (
		msg      domain.Message
		convID   string
		metadata []byte
	)
	err := row.Scan(&msg.ID, &convID, &msg.SenderID, &msg.Content, &metadata, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.ConversationID = domain.DurableID(convID)
	msg.Metadata = domain.NormalizeMetadata(metadata)
	return &msg, nil
}
