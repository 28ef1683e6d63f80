// Package workflow runs durable, resumable step sequences on a per-user schedule.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/digest-garden/internal/domain"
	"github.com/bissquit/digest-garden/internal/pkg/ctxlog"
	"github.com/google/uuid"
)

// Config contains engine configuration.
type Config struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	StepTimeout       time.Duration
	SweepSpec         string
	SweepBatchSize    int
	Location          *time.Location
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        1 * time.Minute,
		BackoffMultiplier: 2.0,
		StepTimeout:       2 * time.Minute,
		SweepSpec:         "@every 30s",
		SweepBatchSize:    100,
		Location:          time.UTC,
	}
}

// Step is one named unit of a pipeline.
type Step struct {
	Name domain.Step
	Run  func(ctx context.Context, exec *Execution) error
}

// Pipeline supplies the ordered steps every run executes.
type Pipeline interface {
	Steps() []Step
}

// Execution is the mutable view of a run handed to each step.
type Execution struct {
	Run   *domain.Run
	State *domain.DeliveryState

	attempt     int
	maxAttempts int
	halted      bool
	failure     error
}

// NewExecution returns an execution of run on the given attempt out of maxAttempts.
func NewExecution(run *domain.Run, attempt, maxAttempts int) *Execution {
	return &Execution{Run: run, State: &run.State, attempt: attempt, maxAttempts: maxAttempts}
}

// FinalAttempt reports whether the current attempt is the step's last.
func (x *Execution) FinalAttempt() bool {
	return x.attempt >= x.maxAttempts
}

// Halt ends the run successfully after the current step.
func (x *Execution) Halt() {
	x.halted = true
}

// Halted reports whether a step asked the run to end early.
func (x *Execution) Halted() bool {
	return x.halted
}

// Failure returns the error recorded with Fail, if any.
func (x *Execution) Failure() error {
	return x.failure
}

// Fail records err as the run's outcome while letting the remaining steps run.
func (x *Execution) Fail(err error) {
	x.failure = err
}

type armedTimer struct {
	runID      string
	generation int64
	timer      *time.Timer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine arms runs, fires them at their scheduled time and drives their steps.
type Engine struct {
	config Config
	store  Store
	now    func() time.Time

	mu        sync.Mutex
	steps     []Step
	armed     map[string]*armedTimer   // by user id
	executing map[string]*CancelToken // by run id
	started   bool
	stopped   bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sweeper *sweeper
}

// NewEngine creates a new workflow engine.
func NewEngine(config Config, store Store, opts ...Option) *Engine {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = 1
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		config:    config,
		store:     store,
		now:       time.Now,
		armed:     make(map[string]*armedTimer),
		executing: make(map[string]*CancelToken),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start installs the pipeline, resumes interrupted runs, re-arms timers for
// pending runs and starts the recovery sweep.
func (e *Engine) Start(ctx context.Context, pipeline Pipeline) error {
	var sw *sweeper
	if e.config.SweepSpec != "" {
		var err error
		sw, err = newSweeper(e.config.SweepSpec, e.config.Location, e.Sweep)
		if err != nil {
			return err
		}
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("workflow engine already started")
	}
	e.steps = pipeline.Steps()
	e.started = true
	e.sweeper = sw
	e.mu.Unlock()

	running, err := e.store.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}
	for _, run := range running {
		slog.Info("resuming interrupted run", "run_id", run.ID, "user_id", run.UserID, "last_step", run.LastStep)
		e.spawn(run.ID, func(token *CancelToken) {
			e.execute(run, token)
		})
	}

	pending, err := e.store.ListScheduled(ctx, e.now().AddDate(1, 0, 0), 0)
	if err != nil {
		return fmt.Errorf("list scheduled runs: %w", err)
	}
	e.mu.Lock()
	for _, run := range pending {
		e.scheduleLocked(run)
	}
	e.mu.Unlock()

	if sw != nil {
		sw.start()
	}

	slog.Info("workflow engine started",
		"steps", len(e.steps),
		"resumed", len(running),
		"pending", len(pending),
		"sweep", e.config.SweepSpec,
	)
	return nil
}

// Stop halts timers and the sweep, then waits for executing runs.
// Runs interrupted mid-step stay running in the store and resume on the next Start.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	for userID, a := range e.armed {
		a.timer.Stop()
		delete(e.armed, userID)
	}
	sw := e.sweeper
	e.mu.Unlock()

	if sw != nil {
		sw.stop(ctx)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.cancel()
		<-done
	}
	e.cancel()

	slog.Info("workflow engine stopped")
}

// Send delivers a signal. Schedule returns the armed run; Deactivate returns nil.
func (e *Engine) Send(ctx context.Context, sig Signal) (*domain.Run, error) {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return nil, ErrEngineStopped
	}

	switch s := sig.(type) {
	case Schedule:
		return e.arm(ctx, s)
	case Deactivate:
		return nil, e.deactivate(ctx, s)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownSignal, sig)
	}
}

// ActiveRun returns the user's pending or in-flight run, or nil.
func (e *Engine) ActiveRun(ctx context.Context, userID string) (*domain.Run, error) {
	run, err := e.store.ActiveRun(ctx, userID)
	if errors.Is(err, ErrRunNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Sweep dispatches due runs that have no live timer.
func (e *Engine) Sweep() {
	due, err := e.store.ListScheduled(e.ctx, e.now(), e.config.SweepBatchSize)
	if err != nil {
		slog.Error("failed to list due runs", "error", err)
		return
	}

	dispatched := 0
	for _, run := range due {
		e.mu.Lock()
		if a, ok := e.armed[run.UserID]; ok && a.runID == run.ID {
			// A live timer owns it.
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()

		e.dispatch(run.ID)
		dispatched++
	}

	if dispatched > 0 {
		recordSwept(dispatched)
		slog.Info("swept due runs", "count", dispatched)
	}
}

func (e *Engine) arm(ctx context.Context, s Schedule) (*domain.Run, error) {
	now := e.now()
	run := &domain.Run{
		ID:        uuid.NewString(),
		UserID:    s.UserID,
		Snapshot:  s.Snapshot,
		FireAt:    s.FireAt,
		Status:    domain.RunStatusScheduled,
		ParentID:  s.ParentID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	superseded, err := e.store.Arm(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("arm run: %w", err)
	}
	recordRunArmed(s.ParentID != "")

	e.mu.Lock()
	if superseded != "" && superseded != s.ParentID {
		if token, ok := e.executing[superseded]; ok {
			token.Cancel()
		}
	}
	e.scheduleLocked(run)
	e.mu.Unlock()

	slog.Info("run armed",
		"run_id", run.ID,
		"user_id", run.UserID,
		"fire_at", run.FireAt,
		"generation", run.Generation,
		"parent_id", run.ParentID,
		"superseded", superseded,
	)

	return run, nil
}

func (e *Engine) deactivate(ctx context.Context, s Deactivate) error {
	runID, status, err := e.store.RequestCancel(ctx, s.UserID)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}

	e.mu.Lock()
	if a, ok := e.armed[s.UserID]; ok {
		a.timer.Stop()
		delete(e.armed, s.UserID)
	}
	if token, ok := e.executing[runID]; ok {
		token.Cancel()
	}
	e.mu.Unlock()

	switch {
	case runID == "":
		recordDeactivation("none")
	case status == domain.RunStatusCancelled:
		recordDeactivation("scheduled")
		recordRunFinished(domain.RunStatusCancelled)
	default:
		recordDeactivation("running")
	}

	slog.Info("deactivation received", "user_id", s.UserID, "run_id", runID, "status", status)
	return nil
}

// scheduleLocked registers a timer for run unless a newer generation is armed. e.mu must be held.
func (e *Engine) scheduleLocked(run *domain.Run) {
	if !e.started || e.stopped {
		return
	}

	if cur, ok := e.armed[run.UserID]; ok {
		if cur.generation > run.Generation {
			return
		}
		cur.timer.Stop()
	}

	delay := run.FireAt.Sub(e.now())
	if delay < 0 {
		delay = 0
	}

	userID, runID := run.UserID, run.ID
	timer := time.AfterFunc(delay, func() {
		e.mu.Lock()
		if cur, ok := e.armed[userID]; ok && cur.runID == runID {
			delete(e.armed, userID)
		}
		e.mu.Unlock()

		e.dispatch(runID)
	})

	e.armed[run.UserID] = &armedTimer{
		runID:      run.ID,
		generation: run.Generation,
		timer:      timer,
	}
}

// dispatch starts a scheduled run. Store.Start decides whether it may run.
func (e *Engine) dispatch(runID string) {
	e.spawn(runID, func(token *CancelToken) {
		run, err := e.store.Start(e.ctx, runID)
		if err != nil {
			if errors.Is(err, ErrRunNotActive) {
				slog.Debug("run no longer scheduled, skipping", "run_id", runID)
				return
			}
			slog.Error("failed to start run", "run_id", runID, "error", err)
			return
		}
		e.execute(run, token)
	})
}

// spawn runs body on its own goroutine with a cancel token registered for runID.
// It is a no-op when the run is already executing or the engine is stopped.
func (e *Engine) spawn(runID string, body func(token *CancelToken)) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if _, ok := e.executing[runID]; ok {
		e.mu.Unlock()
		return
	}
	token := newCancelToken()
	e.executing[runID] = token
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.executing, runID)
			e.mu.Unlock()
		}()
		body(token)
	}()
}

func (e *Engine) execute(run *domain.Run, token *CancelToken) {
	logger := slog.With("run_id", run.ID, "user_id", run.UserID)

	e.mu.Lock()
	steps := e.steps
	e.mu.Unlock()

	exec := NewExecution(run, 0, e.config.MaxAttempts)
	last := run.LastStep

	if run.CancelRequested {
		e.finish(logger, run.ID, Outcome{Status: domain.RunStatusCancelled, Step: last, State: run.State})
		return
	}

	for i := resumeIndex(steps, run.LastStep); i < len(steps); i++ {
		step := steps[i]

		if err := e.runStep(logger, token, step, exec); err != nil {
			switch {
			case e.ctx.Err() != nil:
				logger.Warn("run interrupted by shutdown", "step", step.Name)
			case errors.Is(err, errRunCancelled):
				logger.Info("run cancelled during step", "step", step.Name)
				e.finish(logger, run.ID, Outcome{Status: domain.RunStatusCancelled, Step: last, State: *exec.State})
			default:
				logger.Error("step failed", "step", step.Name, "error", err)
				e.finish(logger, run.ID, Outcome{
					Status: domain.RunStatusFailed,
					Step:   last,
					State:  *exec.State,
					Error:  fmt.Sprintf("%s: %v", step.Name, err),
				})
			}
			return
		}
		last = step.Name

		if exec.halted {
			logger.Info("run halted", "step", step.Name)
			break
		}

		// Past the final step the run can no longer be cancelled.
		if i == len(steps)-1 {
			break
		}

		status, err := e.store.Checkpoint(e.ctx, run.ID, step.Name, *exec.State, token.Cancelled())
		if err != nil {
			if errors.Is(err, ErrRunNotActive) {
				logger.Info("run no longer active, stopping", "step", step.Name)
				return
			}
			if e.ctx.Err() != nil {
				return
			}
			logger.Error("failed to checkpoint step", "step", step.Name, "error", err)
			e.finish(logger, run.ID, Outcome{
				Status: domain.RunStatusFailed,
				Step:   last,
				State:  *exec.State,
				Error:  fmt.Sprintf("checkpoint %s: %v", step.Name, err),
			})
			return
		}

		if status == domain.RunStatusCancelled {
			recordRunFinished(domain.RunStatusCancelled)
			logger.Info("run cancelled at step boundary", "after_step", step.Name)
			return
		}
	}

	out := Outcome{Status: domain.RunStatusCompleted, Step: last, State: *exec.State}
	if exec.failure != nil {
		out.Status = domain.RunStatusFailed
		out.Error = exec.failure.Error()
	}
	e.finish(logger, run.ID, out)
}

func (e *Engine) runStep(logger *slog.Logger, token *CancelToken, step Step, exec *Execution) error {
	for attempt := 1; ; attempt++ {
		exec.attempt, exec.maxAttempts = attempt, e.config.MaxAttempts
		ctx, cancel := e.stepContext()
		ctx = ctxlog.WithLogger(ctx, logger.With("step", step.Name, "attempt", attempt))
		started := time.Now()
		err := step.Run(ctx, exec)
		cancel()

		if err == nil {
			recordStepDuration(step.Name, "success", time.Since(started))
			return nil
		}
		recordStepDuration(step.Name, "error", time.Since(started))

		if e.ctx.Err() != nil {
			return err
		}
		// The run was superseded or deactivated while the step ran.
		if errors.Is(err, ErrRunNotActive) {
			return errRunCancelled
		}
		if !IsRetryable(err) || attempt >= e.config.MaxAttempts {
			return err
		}

		backoff := e.backoff(attempt)
		logger.Warn("step failed, retrying",
			"step", step.Name,
			"attempt", attempt,
			"max_attempts", e.config.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-token.Done():
			timer.Stop()
			return errRunCancelled
		case <-e.ctx.Done():
			timer.Stop()
			return e.ctx.Err()
		}
	}
}

func (e *Engine) stepContext() (context.Context, context.CancelFunc) {
	if e.config.StepTimeout > 0 {
		return context.WithTimeout(e.ctx, e.config.StepTimeout)
	}
	return context.WithCancel(e.ctx)
}

func (e *Engine) backoff(attempt int) time.Duration {
	backoff := float64(e.config.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= e.config.BackoffMultiplier
	}

	if e.config.MaxBackoff > 0 && backoff > float64(e.config.MaxBackoff) {
		backoff = float64(e.config.MaxBackoff)
	}

	return time.Duration(backoff)
}

func (e *Engine) finish(logger *slog.Logger, runID string, out Outcome) {
	if err := e.store.Finish(e.ctx, runID, out); err != nil {
		logger.Error("failed to record run outcome", "status", out.Status, "error", err)
		return
	}
	recordRunFinished(out.Status)
	logger.Info("run finished", "status", out.Status, "last_step", out.Step, "error", out.Error)
}

// resumeIndex returns the index of the step after last, or 0 when last is empty or unknown.
func resumeIndex(steps []Step, last domain.Step) int {
	if last == "" {
		return 0
	}
	for i, s := range steps {
		if s.Name == last {
			return i + 1
		}
	}
	return 0
}
