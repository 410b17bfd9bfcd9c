package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/store"
)

const userColumns = `id, name, email, image_url, created_at, updated_at`

// UpsertUser creates the user or overwrites name, email and image.
func (s *Store) UpsertUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, name, email, image_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			image_url = EXCLUDED.image_url,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := s.pool.QueryRow(ctx, query,
		user.ID,
		user.Name,
		user.Email,
		user.ImageURL,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", mapPostgresError(err))
	}

	log.Debug().Str("user_id", user.ID).Msg("Upserted user")

	return nil
}

// EnsureUser inserts a placeholder user unless the id already exists.
func (s *Store) EnsureUser(ctx context.Context, id string) (bool, error) {
	query := `
		INSERT INTO users (id, name, email, image_url)
		VALUES ($1, $2, NULL, '')
		ON CONFLICT (id) DO NOTHING
	`

	result, err := s.pool.Exec(ctx, query, id, models.PendingUserName)
	if err != nil {
		return false, fmt.Errorf("failed to ensure user: %w", mapPostgresError(err))
	}

	created := result.RowsAffected() == 1
	if created {
		log.Debug().Str("user_id", id).Msg("Created pending user")
	}

	return created, nil
}

// DeleteUser deletes a user. Memberships and comments cascade, references are nulled.
func (s *Store) DeleteUser(ctx context.Context, id string) (bool, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete user: %w", mapPostgresError(err))
	}

	return result.RowsAffected() > 0, nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return s.getUser(ctx, query, id)
}

// GetUserByEmail retrieves a user by email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1 ORDER BY created_at LIMIT 1`
	return s.getUser(ctx, query, email)
}

func (s *Store) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.ImageURL,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", mapPostgresError(err))
	}

	return &u, nil
}
