package workflow

import (
	"context"
	"time"

	"github.com/bissquit/digest-garden/internal/domain"
)

// Outcome is the terminal record written when a run finishes.
type Outcome struct {
	Status domain.RunStatus
	Step   domain.Step
	State  domain.DeliveryState
	Error  string
}

// Store persists runs, their step journal and the per-user active-run index.
type Store interface {
	// Arm inserts run as scheduled, assigns run.Generation and points the
	// user's active-run entry at it. The previous active run is cancelled if
	// scheduled or flagged cancel_requested if running, unless it is run.ParentID.
	// A run with a ParentID is rejected with ErrRunNotActive unless the parent
	// is running, has no pending cancellation and is still the active run.
	// Returns the id of the superseded run, or "".
	Arm(ctx context.Context, run *domain.Run) (superseded string, err error)

	// Start moves a scheduled run that has no pending cancellation to running.
	// Returns ErrRunNotActive otherwise.
	Start(ctx context.Context, runID string) (*domain.Run, error)

	// Checkpoint journals a completed step and its state. In the same write the
	// run becomes cancelled when cancel is true or a cancellation was requested.
	// Returns the resulting status, or ErrRunNotActive if the run is no longer running.
	Checkpoint(ctx context.Context, runID string, step domain.Step, state domain.DeliveryState, cancel bool) (domain.RunStatus, error)

	// Finish records a terminal outcome and releases the active-run entry if it still points at the run.
	Finish(ctx context.Context, runID string, out Outcome) error

	// RequestCancel clears the user's active-run entry and cancels the run it pointed at:
	// scheduled becomes cancelled, running gets cancel_requested. Returns "" when nothing was active.
	RequestCancel(ctx context.Context, userID string) (runID string, status domain.RunStatus, err error)

	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	// ActiveRun returns ErrRunNotFound when the user has no active run.
	ActiveRun(ctx context.Context, userID string) (*domain.Run, error)
	// ListScheduled returns scheduled runs firing at or before until, oldest first.
	ListScheduled(ctx context.Context, until time.Time, limit int) ([]*domain.Run, error)
	ListRunning(ctx context.Context) ([]*domain.Run, error)
}
