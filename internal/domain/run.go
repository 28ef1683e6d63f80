package domain

import "time"

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

// Run statuses.
const (
	RunStatusScheduled RunStatus = "scheduled"
	RunStatusRunning   RunStatus = "running"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCancelled || s == RunStatusCompleted || s == RunStatusFailed
}

// Step names a delivery pipeline step.
type Step string

// Delivery pipeline steps in execution order.
const (
	StepCheckStatus  Step = "check-status"
	StepFetchNews    Step = "fetch-news"
	StepSummarize    Step = "summarize"
	StepRender       Step = "render"
	StepSendEmail    Step = "send-email"
	StepScheduleNext Step = "schedule-next"
)

// Snapshot is the copy of preference fields a run carries from arm time.
type Snapshot struct {
	Categories []string  `json:"categories"`
	Frequency  Frequency `json:"frequency"`
	Email      string    `json:"email"`
}

// DeliveryState is the checkpointed output of the steps completed so far.
type DeliveryState struct {
	Active     bool       `json:"active"`
	Articles   []Article  `json:"articles,omitempty"`
	Summary    string     `json:"summary,omitempty"`
	HTML       string     `json:"html,omitempty"`
	Subject    string     `json:"subject,omitempty"`
	EmailSent  bool       `json:"email_sent"`
	SendError  string     `json:"send_error,omitempty"`
	NextRunID  string     `json:"next_run_id,omitempty"`
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
}

// Run is one scheduled-through-finished execution of the delivery pipeline.
type Run struct {
	ID              string
	UserID          string
	Snapshot        Snapshot
	FireAt          time.Time
	Status          RunStatus
	Generation      int64
	ParentID        string
	LastStep        Step
	State           DeliveryState
	CancelRequested bool
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}
