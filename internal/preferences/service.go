package preferences

import (
	"context"

	"github.com/bissquit/digest-garden/internal/domain"
	"github.com/bissquit/digest-garden/internal/pkg/ctxlog"
	"github.com/bissquit/digest-garden/internal/pkg/metrics"
)

// Scheduler arms and disarms delivery runs for a user.
type Scheduler interface {
	Arm(ctx context.Context, userID string, categories []string, frequency domain.Frequency, email string) (*domain.Run, error)
	Disarm(ctx context.Context, userID string) error
	Rearm(ctx context.Context, userID string) (*domain.Run, error)
	ActiveRun(ctx context.Context, userID string) (*domain.Run, error)
}

// SaveInput contains the fields a subscriber submits.
type SaveInput struct {
	Categories []string
	Frequency  domain.Frequency
	Email      string
}

// Service provides preference business logic.
// Store writes decide the outcome of every call; scheduling is a best-effort side channel.
type Service struct {
	repo      Repository
	scheduler Scheduler
}

// NewService creates a new preferences service.
func NewService(repo Repository, scheduler Scheduler) *Service {
	return &Service{
		repo:      repo,
		scheduler: scheduler,
	}
}

// Get returns the user's preferences.
func (s *Service) Get(ctx context.Context, userID string) (*domain.Preference, error) {
	return s.repo.Get(ctx, userID)
}

// Save upserts the user's preferences as active and arms the first delivery.
func (s *Service) Save(ctx context.Context, userID string, input SaveInput) (*domain.Preference, error) {
	pref := &domain.Preference{
		UserID:     userID,
		Categories: input.Categories,
		Frequency:  input.Frequency,
		Email:      input.Email,
		IsActive:   true,
	}

	if err := s.repo.Upsert(ctx, pref); err != nil {
		return nil, err
	}

	run, err := s.scheduler.Arm(ctx, userID, pref.Categories, pref.Frequency, pref.Email)
	if err != nil {
		ctxlog.FromContext(ctx).Error("failed to schedule digest",
			"user_id", userID,
			"error", err,
		)
		metrics.RecordSchedulingFailure("arm")
		return pref, nil
	}

	ctxlog.FromContext(ctx).Info("digest scheduled",
		"user_id", userID,
		"run_id", run.ID,
		"fire_at", run.FireAt,
	)

	return pref, nil
}

// SetActive pauses or resumes delivery.
func (s *Service) SetActive(ctx context.Context, userID string, active bool) error {
	if err := s.repo.SetActive(ctx, userID, active); err != nil {
		return err
	}

	logger := ctxlog.FromContext(ctx)

	if !active {
		if err := s.scheduler.Disarm(ctx, userID); err != nil {
			logger.Error("failed to cancel scheduled digest", "user_id", userID, "error", err)
			metrics.RecordSchedulingFailure("disarm")
		}
		return nil
	}

	run, err := s.scheduler.Rearm(ctx, userID)
	if err != nil {
		logger.Error("failed to reschedule digest", "user_id", userID, "error", err)
		metrics.RecordSchedulingFailure("rearm")
		return nil
	}

	logger.Info("digest rescheduled",
		"user_id", userID,
		"run_id", run.ID,
		"fire_at", run.FireAt,
	)

	return nil
}

// Schedule returns the user's pending or in-flight delivery run.
func (s *Service) Schedule(ctx context.Context, userID string) (*domain.Run, error) {
	run, err := s.scheduler.ActiveRun(ctx, userID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrNoActiveSchedule
	}
	return run, nil
}

// Ping checks store connectivity.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
