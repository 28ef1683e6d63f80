// Package domain contains the core types shared across the digest service.
package domain

import "time"

// Frequency is the delivery cadence selected by a subscriber.
type Frequency string

// Supported cadences.
const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly" // twice a week
)

// Valid reports whether f is one of the supported cadences.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiweekly:
		return true
	default:
		return false
	}
}

// Preference is a user's digest subscription.
type Preference struct {
	UserID     string    `json:"user_id"`
	Categories []string  `json:"categories"`
	Frequency  Frequency `json:"frequency"`
	Email      string    `json:"email"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Snapshot returns the delivery fields captured when a run is armed.
func (p *Preference) Snapshot() Snapshot {
	categories := make([]string, len(p.Categories))
	copy(categories, p.Categories)
	return Snapshot{
		Categories: categories,
		Frequency:  p.Frequency,
		Email:      p.Email,
	}
}
