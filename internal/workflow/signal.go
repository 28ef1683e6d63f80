package workflow

import (
	"time"

	"github.com/bissquit/digest-garden/internal/domain"
)

// Signal is the closed set of messages the engine accepts.
type Signal interface {
	isSignal()
}

// Schedule arms a run for UserID at FireAt, superseding any earlier arm.
// ParentID names the run that armed this one; that run is not cancelled by the arm.
type Schedule struct {
	UserID   string
	Snapshot domain.Snapshot
	FireAt   time.Time
	ParentID string
}

// Deactivate cancels the user's pending run, or stops the in-flight one at its next step boundary.
type Deactivate struct {
	UserID string
}

func (Schedule) isSignal()   {}
func (Deactivate) isSignal() {}
