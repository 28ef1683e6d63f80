// Package postgres provides PostgreSQL implementation of the workflow run store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/digest-garden/internal/domain"
	"github.com/bissquit/digest-garden/internal/workflow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const runColumns = `
	r.id, r.user_id, r.snapshot, r.fire_at, r.status, r.generation, COALESCE(r.parent_id::text, ''),
	r.last_step, r.state, r.cancel_requested, r.error,
	r.created_at, r.updated_at, r.started_at, r.finished_at
`

// cancelRunSQL cancels a scheduled run outright and flags a running one.
const cancelRunSQL = `
	UPDATE workflow_runs SET
		status = CASE WHEN status = 'scheduled' THEN 'cancelled' ELSE status END,
		cancel_requested = (status = 'running') OR cancel_requested,
		finished_at = CASE WHEN status = 'scheduled' THEN NOW() ELSE finished_at END,
		updated_at = NOW()
	WHERE id = $1 AND status IN ('scheduled', 'running')
`

// Store implements workflow.Store using PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new PostgreSQL run store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Arm inserts the run and makes it the user's active run.
// A transaction-scoped advisory lock on the user id serializes concurrent arms.
func (s *Store) Arm(ctx context.Context, run *domain.Run) (string, error) {
	snapshot, err := json.Marshal(run.Snapshot)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	state, err := json.Marshal(run.State)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, run.UserID); err != nil {
		return "", fmt.Errorf("lock user: %w", err)
	}

	var generation int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(generation), 0) FROM workflow_runs WHERE user_id = $1`,
		run.UserID,
	).Scan(&generation)
	if err != nil {
		return "", fmt.Errorf("read generation: %w", err)
	}
	run.Generation = generation + 1

	var previous string
	err = tx.QueryRow(ctx,
		`SELECT run_id::text FROM workflow_active WHERE user_id = $1`,
		run.UserID,
	).Scan(&previous)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("read active run: %w", err)
	}

	if run.ParentID != "" {
		if err := parentStillActive(ctx, tx, run.ParentID, previous); err != nil {
			return "", err
		}
	}

	var parentID *string
	if run.ParentID != "" {
		parentID = &run.ParentID
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO workflow_runs (id, user_id, snapshot, fire_at, status, generation, parent_id, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`,
		run.ID,
		run.UserID,
		snapshot,
		run.FireAt,
		string(domain.RunStatusScheduled),
		run.Generation,
		parentID,
		state,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_active (user_id, run_id, generation) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET run_id = EXCLUDED.run_id, generation = EXCLUDED.generation
	`, run.UserID, run.ID, run.Generation)
	if err != nil {
		return "", fmt.Errorf("update active run: %w", err)
	}

	if previous != "" && previous != run.ParentID {
		if _, err := tx.Exec(ctx, cancelRunSQL, previous); err != nil {
			return "", fmt.Errorf("cancel superseded run: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}

	run.Status = domain.RunStatusScheduled
	return previous, nil
}

// parentStillActive rejects a successor whose parent was superseded or
// deactivated while its last step ran.
func parentStillActive(ctx context.Context, tx pgx.Tx, parentID, active string) error {
	if active != parentID {
		return workflow.ErrRunNotActive
	}

	var live bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM workflow_runs
			WHERE id = $1 AND status = 'running' AND NOT cancel_requested
		)
	`, parentID).Scan(&live)
	if err != nil {
		return fmt.Errorf("read parent run: %w", err)
	}
	if !live {
		return workflow.ErrRunNotActive
	}
	return nil
}

// Start transitions a scheduled run to running.
func (s *Store) Start(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE workflow_runs r SET status = 'running', started_at = NOW(), updated_at = NOW()
		WHERE r.id = $1 AND r.status = 'scheduled' AND NOT r.cancel_requested
		RETURNING `+runColumns,
		runID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, workflow.ErrRunNotActive
		}
		return nil, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

// Checkpoint journals a step and applies any pending cancellation.
func (s *Store) Checkpoint(ctx context.Context, runID string, step domain.Step, state domain.DeliveryState, cancel bool) (domain.RunStatus, error) {
	encoded, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := journalStep(ctx, tx, runID, step); err != nil {
		return "", err
	}

	var status, userID string
	err = tx.QueryRow(ctx, `
		UPDATE workflow_runs SET
			last_step = $2,
			state = $3,
			updated_at = NOW(),
			status = CASE WHEN cancel_requested OR $4 THEN 'cancelled' ELSE status END,
			finished_at = CASE WHEN cancel_requested OR $4 THEN NOW() ELSE finished_at END
		WHERE id = $1 AND status = 'running'
		RETURNING status, user_id
	`, runID, string(step), encoded, cancel).Scan(&status, &userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", workflow.ErrRunNotActive
		}
		return "", fmt.Errorf("checkpoint run: %w", err)
	}

	if domain.RunStatus(status) == domain.RunStatusCancelled {
		if err := releaseActive(ctx, tx, userID, runID); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}

	return domain.RunStatus(status), nil
}

// Finish records the run's terminal outcome.
func (s *Store) Finish(ctx context.Context, runID string, out workflow.Outcome) error {
	encoded, err := json.Marshal(out.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if out.Step != "" {
		if err := journalStep(ctx, tx, runID, out.Step); err != nil {
			return err
		}
	}

	var userID string
	err = tx.QueryRow(ctx, `
		UPDATE workflow_runs SET
			status = $2, last_step = $3, state = $4, error = $5, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'
		RETURNING user_id
	`, runID, string(out.Status), string(out.Step), encoded, out.Error).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return workflow.ErrRunNotActive
		}
		return fmt.Errorf("finish run: %w", err)
	}

	if err := releaseActive(ctx, tx, userID, runID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RequestCancel cancels whatever run is active for the user.
func (s *Store) RequestCancel(ctx context.Context, userID string) (string, domain.RunStatus, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return "", "", fmt.Errorf("lock user: %w", err)
	}

	var runID string
	err = tx.QueryRow(ctx,
		`DELETE FROM workflow_active WHERE user_id = $1 RETURNING run_id::text`,
		userID,
	).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("clear active run: %w", err)
	}

	if _, err := tx.Exec(ctx, cancelRunSQL, runID); err != nil {
		return "", "", fmt.Errorf("cancel run: %w", err)
	}

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM workflow_runs WHERE id = $1`, runID).Scan(&status); err != nil {
		return "", "", fmt.Errorf("read run status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", "", fmt.Errorf("commit transaction: %w", err)
	}

	return runID, domain.RunStatus(status), nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs r WHERE r.id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, workflow.ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ActiveRun returns the run the user's active-run entry points at.
func (s *Store) ActiveRun(ctx context.Context, userID string) (*domain.Run, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM workflow_active a
		JOIN workflow_runs r ON r.id = a.run_id
		WHERE a.user_id = $1
	`, userID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, workflow.ErrRunNotFound
		}
		return nil, fmt.Errorf("get active run: %w", err)
	}
	return run, nil
}

// ListScheduled returns scheduled runs due by until. A non-positive limit returns all.
func (s *Store) ListScheduled(ctx context.Context, until time.Time, limit int) ([]*domain.Run, error) {
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs r
		WHERE r.status = 'scheduled' AND NOT r.cancel_requested AND r.fire_at <= $1
		ORDER BY r.fire_at
		LIMIT $2
	`, until, limitArg)
	if err != nil {
		return nil, fmt.Errorf("list scheduled runs: %w", err)
	}
	return collectRuns(rows)
}

// ListRunning returns runs left running, oldest first.
func (s *Store) ListRunning(ctx context.Context) ([]*domain.Run, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs r
		WHERE r.status = 'running'
		ORDER BY r.updated_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	return collectRuns(rows)
}

func journalStep(ctx context.Context, tx pgx.Tx, runID string, step domain.Step) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO workflow_steps (run_id, step) VALUES ($1, $2)
		ON CONFLICT (run_id, step) DO NOTHING
	`, runID, string(step))
	if err != nil {
		return fmt.Errorf("journal step: %w", err)
	}
	return nil
}

func releaseActive(ctx context.Context, tx pgx.Tx, userID, runID string) error {
	_, err := tx.Exec(ctx,
		`DELETE FROM workflow_active WHERE user_id = $1 AND run_id = $2`,
		userID, runID,
	)
	if err != nil {
		return fmt.Errorf("release active run: %w", err)
	}
	return nil
}

func scanRun(row pgx.Row) (*domain.Run, error) {
	var (
		run              domain.Run
		snapshot, state  []byte
		status, lastStep string
	)
	err := row.Scan(
		&run.ID,
		&run.UserID,
		&snapshot,
		&run.FireAt,
		&status,
		&run.Generation,
		&run.ParentID,
		&lastStep,
		&state,
		&run.CancelRequested,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(snapshot, &run.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := json.Unmarshal(state, &run.State); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}

	run.Status = domain.RunStatus(status)
	run.LastStep = domain.Step(lastStep)
	return &run, nil
}

func collectRuns(rows pgx.Rows) ([]*domain.Run, error) {
	defer rows.Close()

	runs := make([]*domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
