package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat_sync/internal/domain"
	pkgerrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
}

type profileRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewProfileRepository(db *pgxpool.Pool, log logger.Logger) ProfileRepository {
	return &profileRepository{db: db, log: log}
}

func (r *profileRepository) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	query := `
		SELECT id, display_name, handle, COALESCE(avatar_url, '')
		FROM profiles
		WHERE id = $1
	`

	profile := &domain.Profile{}
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&profile.ID, &profile.DisplayName, &profile.Handle, &profile.AvatarURL,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		r.log.Error("Failed to get profile", "user_id", userID, "error", err)
		return nil, err
	}

	return profile, nil
}
