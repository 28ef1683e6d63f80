// Package postgres provides PostgreSQL implementation of preferences repository.
package postgres

import (
	"context"
	"errors"

	"github.com/bissquit/digest-garden/internal/domain"
	"github.com/bissquit/digest-garden/internal/preferences"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements preferences.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Upsert inserts or replaces the user's preferences.
func (r *Repository) Upsert(ctx context.Context, pref *domain.Preference) error {
	query := `
		INSERT INTO user_preferences (user_id, categories, frequency, email, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			categories = EXCLUDED.categories,
			frequency = EXCLUDED.frequency,
			email = EXCLUDED.email,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		pref.UserID,
		pref.Categories,
		string(pref.Frequency),
		pref.Email,
		pref.IsActive,
	).Scan(&pref.CreatedAt, &pref.UpdatedAt)
	if err != nil {
		return &preferences.StoreError{Op: "upsert", Err: err}
	}
	return nil
}

// Get retrieves the user's preferences.
func (r *Repository) Get(ctx context.Context, userID string) (*domain.Preference, error) {
	query := `
		SELECT user_id, categories, frequency, email, is_active, created_at, updated_at
		FROM user_preferences
		WHERE user_id = $1
	`
	var pref domain.Preference
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&pref.UserID,
		&pref.Categories,
		&pref.Frequency,
		&pref.Email,
		&pref.IsActive,
		&pref.CreatedAt,
		&pref.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, preferences.ErrPreferenceNotFound
		}
		return nil, &preferences.StoreError{Op: "get", Err: err}
	}
	return &pref, nil
}

// SetActive updates only the is_active flag.
func (r *Repository) SetActive(ctx context.Context, userID string, active bool) error {
	query := `
		UPDATE user_preferences
		SET is_active = $2, updated_at = NOW()
		WHERE user_id = $1
	`
	result, err := r.db.Exec(ctx, query, userID, active)
	if err != nil {
		return &preferences.StoreError{Op: "set active", Err: err}
	}
	if result.RowsAffected() == 0 {
		return preferences.ErrPreferenceNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
