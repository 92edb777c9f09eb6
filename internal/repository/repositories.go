package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"chat_sync/pkg/logger"
)

type Repositories struct {
	Conversations ConversationRepository
	Messages      MessageRepository
	Profiles      ProfileRepository
}

func NewRepositories(db *pgxpool.Pool, log logger.Logger) *Repositories {
	return &Repositories{
		Conversations: NewConversationRepository(db, log),
		Messages:      NewMessageRepository(db, log),
		Profiles:      NewProfileRepository(db, log),
	}
}
