// Package sqlite provides SQLite implementation of preferences repository.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/digest-garden/internal/domain"
	sqlitedb "github.com/bissquit/digest-garden/internal/pkg/sqlite"
	"github.com/bissquit/digest-garden/internal/preferences"
)

// Repository implements preferences.Repository using SQLite.
// Categories are stored as a JSON array.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates a new SQLite repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Upsert inserts or replaces the user's preferences.
func (r *Repository) Upsert(ctx context.Context, pref *domain.Preference) error {
	categories, err := json.Marshal(pref.Categories)
	if err != nil {
		return &preferences.StoreError{Op: "upsert", Err: fmt.Errorf("encode categories: %w", err)}
	}

	now := sqlitedb.Millis(r.now())
	query := `
		INSERT INTO user_preferences (user_id, categories, frequency, email, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			categories = excluded.categories,
			frequency = excluded.frequency,
			email = excluded.email,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
		RETURNING created_at, updated_at
	`
	var createdAt, updatedAt int64
	err = r.db.QueryRowContext(ctx, query,
		pref.UserID,
		string(categories),
		string(pref.Frequency),
		pref.Email,
		pref.IsActive,
		now,
		now,
	).Scan(&createdAt, &updatedAt)
	if err != nil {
		return &preferences.StoreError{Op: "upsert", Err: err}
	}

	pref.CreatedAt = sqlitedb.FromMillis(createdAt)
	pref.UpdatedAt = sqlitedb.FromMillis(updatedAt)
	return nil
}

// Get retrieves the user's preferences.
func (r *Repository) Get(ctx context.Context, userID string) (*domain.Preference, error) {
	query := `
		SELECT user_id, categories, frequency, email, is_active, created_at, updated_at
		FROM user_preferences
		WHERE user_id = ?
	`
	var (
		pref                 domain.Preference
		categories           string
		frequency            string
		createdAt, updatedAt int64
	)
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&pref.UserID,
		&categories,
		&frequency,
		&pref.Email,
		&pref.IsActive,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, preferences.ErrPreferenceNotFound
		}
		return nil, &preferences.StoreError{Op: "get", Err: err}
	}

	if err := json.Unmarshal([]byte(categories), &pref.Categories); err != nil {
		return nil, &preferences.StoreError{Op: "get", Err: fmt.Errorf("decode categories: %w", err)}
	}
	pref.Frequency = domain.Frequency(frequency)
	pref.CreatedAt = sqlitedb.FromMillis(createdAt)
	pref.UpdatedAt = sqlitedb.FromMillis(updatedAt)

	return &pref, nil
}

// SetActive updates only the is_active flag.
func (r *Repository) SetActive(ctx context.Context, userID string, active bool) error {
	query := `UPDATE user_preferences SET is_active = ?, updated_at = ? WHERE user_id = ?`

	result, err := r.db.ExecContext(ctx, query, active, sqlitedb.Millis(r.now()), userID)
	if err != nil {
		return &preferences.StoreError{Op: "set active", Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &preferences.StoreError{Op: "set active", Err: err}
	}
	if affected == 0 {
		return preferences.ErrPreferenceNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
