// Package scheduling translates preference changes into workflow signals.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/digest-garden/internal/cadence"
	"github.com/bissquit/digest-garden/internal/domain"
	"github.com/bissquit/digest-garden/internal/workflow"
)

// ErrValidation is returned when arm arguments are unusable.
var ErrValidation = errors.New("invalid schedule request")

// Engine accepts workflow signals.
type Engine interface {
	Send(ctx context.Context, sig workflow.Signal) (*domain.Run, error)
	ActiveRun(ctx context.Context, userID string) (*domain.Run, error)
}

// PreferenceReader loads the live preference record.
type PreferenceReader interface {
	Get(ctx context.Context, userID string) (*domain.Preference, error)
}

// Gateway computes fire times and arms, disarms and re-arms delivery runs.
type Gateway struct {
	engine   Engine
	prefs    PreferenceReader
	location *time.Location
	now      func() time.Time
}

// NewGateway creates a gateway that schedules deliveries in loc.
func NewGateway(engine Engine, prefs PreferenceReader, loc *time.Location) *Gateway {
	if loc == nil {
		loc = time.UTC
	}
	return &Gateway{
		engine:   engine,
		prefs:    prefs,
		location: loc,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Arm schedules the first delivery for a subscription.
func (g *Gateway) Arm(ctx context.Context, userID string, categories []string, frequency domain.Frequency, email string) (*domain.Run, error) {
	if err := validate(userID, categories, frequency); err != nil {
		return nil, err
	}

	snapshot := domain.Snapshot{
		Categories: append([]string(nil), categories...),
		Frequency:  frequency,
		Email:      email,
	}

	return g.engine.Send(ctx, workflow.Schedule{
		UserID:   userID,
		Snapshot: snapshot,
		FireAt:   g.nextFireTime(frequency),
	})
}

// Disarm cancels the user's pending or in-flight delivery.
func (g *Gateway) Disarm(ctx context.Context, userID string) error {
	_, err := g.engine.Send(ctx, workflow.Deactivate{UserID: userID})
	return err
}

// Rearm reads the live preference and arms from it.
func (g *Gateway) Rearm(ctx context.Context, userID string) (*domain.Run, error) {
	pref, err := g.prefs.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}

	return g.Arm(ctx, userID, pref.Categories, pref.Frequency, pref.Email)
}

// ArmNext arms the successor of run from the run's own snapshot.
func (g *Gateway) ArmNext(ctx context.Context, run *domain.Run) (*domain.Run, error) {
	return g.engine.Send(ctx, workflow.Schedule{
		UserID:   run.UserID,
		Snapshot: run.Snapshot,
		FireAt:   g.nextFireTime(run.Snapshot.Frequency),
		ParentID: run.ID,
	})
}

// ActiveRun returns the user's pending or in-flight run, or nil.
func (g *Gateway) ActiveRun(ctx context.Context, userID string) (*domain.Run, error) {
	return g.engine.ActiveRun(ctx, userID)
}

func (g *Gateway) nextFireTime(f domain.Frequency) time.Time {
	return cadence.NextFireTime(f, g.now().In(g.location))
}

func validate(userID string, categories []string, frequency domain.Frequency) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if len(categories) == 0 {
		return fmt.Errorf("%w: at least one category is required", ErrValidation)
	}
	if !frequency.Valid() {
		return fmt.Errorf("%w: unknown frequency %q", ErrValidation, frequency)
	}
	return nil
}
