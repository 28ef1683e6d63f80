// Package preferences manages digest subscriptions and their HTTP surface.
package preferences

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/digest-garden/internal/domain"
)

// Repository errors.
var (
	ErrPreferenceNotFound = errors.New("preference not found")
	ErrNoActiveSchedule   = errors.New("no active delivery scheduled")
)

// StoreError wraps a failure of the underlying preference store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("preference store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Repository defines the interface for preference data access.
// All methods are keyed by user id; writes are last-writer-wins.
type Repository interface {
	// Upsert inserts or fully replaces the record for pref.UserID.
	Upsert(ctx context.Context, pref *domain.Preference) error
	// Get returns ErrPreferenceNotFound when the user never subscribed.
	Get(ctx context.Context, userID string) (*domain.Preference, error)
	// SetActive updates only is_active. Returns ErrPreferenceNotFound when no row exists.
	SetActive(ctx context.Context, userID string, active bool) error
	Ping(ctx context.Context) error
}
