// Package sqlite provides SQLite implementation of the workflow run store.
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
	"github.com/bissquit/digest-garden/internal/workflow"
)

const runColumns = `
	r.id, r.user_id, r.snapshot, r.fire_at, r.status, r.generation, r.parent_id,
	r.last_step, r.state, r.cancel_requested, r.error,
	r.created_at, r.updated_at, r.started_at, r.finished_at
`

// cancelRunSQL cancels a scheduled run outright and flags a running one.
const cancelRunSQL = `
	UPDATE workflow_runs SET
		status = CASE WHEN status = 'scheduled' THEN 'cancelled' ELSE status END,
		cancel_requested = CASE WHEN status = 'running' THEN 1 ELSE cancel_requested END,
		finished_at = CASE WHEN status = 'scheduled' THEN ? ELSE finished_at END,
		updated_at = ?
	WHERE id = ? AND status IN ('scheduled', 'running')
`

// Store implements workflow.Store using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new SQLite run store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Arm inserts the run and makes it the user's active run.
func (s *Store) Arm(ctx context.Context, run *domain.Run) (string, error) {
	snapshot, err := json.Marshal(run.Snapshot)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	state, err := json.Marshal(run.State)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var generation int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(generation), 0) FROM workflow_runs WHERE user_id = ?`,
		run.UserID,
	).Scan(&generation)
	if err != nil {
		return "", fmt.Errorf("read generation: %w", err)
	}
	run.Generation = generation + 1

	var previous string
	err = tx.QueryRowContext(ctx,
		`SELECT run_id FROM workflow_active WHERE user_id = ?`,
		run.UserID,
	).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read active run: %w", err)
	}

	if run.ParentID != "" {
		if err := parentStillActive(ctx, tx, run.ParentID, previous); err != nil {
			return "", err
		}
	}

	now := s.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, user_id, snapshot, fire_at, status, generation, parent_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.UserID,
		string(snapshot),
		sqlitedb.Millis(run.FireAt),
		string(domain.RunStatusScheduled),
		run.Generation,
		run.ParentID,
		string(state),
		sqlitedb.Millis(now),
		sqlitedb.Millis(now),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_active (user_id, run_id, generation) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET run_id = excluded.run_id, generation = excluded.generation
	`, run.UserID, run.ID, run.Generation)
	if err != nil {
		return "", fmt.Errorf("update active run: %w", err)
	}

	if previous != "" && previous != run.ParentID {
		ts := sqlitedb.Millis(now)
		if _, err := tx.ExecContext(ctx, cancelRunSQL, ts, ts, previous); err != nil {
			return "", fmt.Errorf("cancel superseded run: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}

	run.Status = domain.RunStatusScheduled
	return previous, nil
}

// parentStillActive rejects a successor whose parent was superseded or
// deactivated while its last step ran.
func parentStillActive(ctx context.Context, tx *sql.Tx, parentID, active string) error {
	if active != parentID {
		return workflow.ErrRunNotActive
	}

	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workflow_runs
		WHERE id = ? AND status = 'running' AND cancel_requested = 0
	`, parentID).Scan(&n)
	if err != nil {
		return fmt.Errorf("read parent run: %w", err)
	}
	if n == 0 {
		return workflow.ErrRunNotActive
	}
	return nil
}

// Start transitions a scheduled run to running.
func (s *Store) Start(ctx context.Context, runID string) (*domain.Run, error) {
	now := sqlitedb.Millis(s.now())
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'scheduled' AND cancel_requested = 0
	`, now, now, runID)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	if affected == 0 {
		return nil, workflow.ErrRunNotActive
	}

	return s.GetRun(ctx, runID)
}

// Checkpoint journals a step and applies any pending cancellation.
func (s *Store) Checkpoint(ctx context.Context, runID string, step domain.Step, state domain.DeliveryState, cancel bool) (domain.RunStatus, error) {
	encoded, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := sqlitedb.Millis(s.now())
	if err := journalStep(ctx, tx, runID, step, now); err != nil {
		return "", err
	}

	var status, userID string
	err = tx.QueryRowContext(ctx, `
		UPDATE workflow_runs SET
			last_step = ?,
			state = ?,
			updated_at = ?,
			status = CASE WHEN cancel_requested = 1 OR ? THEN 'cancelled' ELSE status END,
			finished_at = CASE WHEN cancel_requested = 1 OR ? THEN ? ELSE finished_at END
		WHERE id = ? AND status = 'running'
		RETURNING status, user_id
	`, string(step), string(encoded), now, cancel, cancel, now, runID).Scan(&status, &userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", workflow.ErrRunNotActive
		}
		return "", fmt.Errorf("checkpoint run: %w", err)
	}

	if domain.RunStatus(status) == domain.RunStatusCancelled {
		if err := releaseActive(ctx, tx, userID, runID); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := sqlitedb.Millis(s.now())
	if out.Step != "" {
		if err := journalStep(ctx, tx, runID, out.Step, now); err != nil {
			return err
		}
	}

	var userID string
	err = tx.QueryRowContext(ctx, `
		UPDATE workflow_runs SET
			status = ?, last_step = ?, state = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
		RETURNING user_id
	`, string(out.Status), string(out.Step), string(encoded), out.Error, now, now, runID).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return workflow.ErrRunNotActive
		}
		return fmt.Errorf("finish run: %w", err)
	}

	if err := releaseActive(ctx, tx, userID, runID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RequestCancel cancels whatever run is active for the user.
func (s *Store) RequestCancel(ctx context.Context, userID string) (string, domain.RunStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var runID string
	err = tx.QueryRowContext(ctx, `SELECT run_id FROM workflow_active WHERE user_id = ?`, userID).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("read active run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_active WHERE user_id = ?`, userID); err != nil {
		return "", "", fmt.Errorf("clear active run: %w", err)
	}

	now := sqlitedb.Millis(s.now())
	if _, err := tx.ExecContext(ctx, cancelRunSQL, now, now, runID); err != nil {
		return "", "", fmt.Errorf("cancel run: %w", err)
	}

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM workflow_runs WHERE id = ?`, runID).Scan(&status); err != nil {
		return "", "", fmt.Errorf("read run status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("commit transaction: %w", err)
	}

	return runID, domain.RunStatus(status), nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs r WHERE r.id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ActiveRun returns the run the user's active-run entry points at.
func (s *Store) ActiveRun(ctx context.Context, userID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM workflow_active a
		JOIN workflow_runs r ON r.id = a.run_id
		WHERE a.user_id = ?
	`, userID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.ErrRunNotFound
		}
		return nil, fmt.Errorf("get active run: %w", err)
	}
	return run, nil
}

// ListScheduled returns scheduled runs due by until. A non-positive limit returns all.
func (s *Store) ListScheduled(ctx context.Context, until time.Time, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs r
		WHERE r.status = 'scheduled' AND r.cancel_requested = 0 AND r.fire_at <= ?
		ORDER BY r.fire_at
		LIMIT ?
	`, sqlitedb.Millis(until), limit)
	if err != nil {
		return nil, fmt.Errorf("list scheduled runs: %w", err)
	}
	return collectRuns(rows)
}

// ListRunning returns runs left running, oldest first.
func (s *Store) ListRunning(ctx context.Context) ([]*domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
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

// Steps returns the journaled step names of a run in completion order.
func (s *Store) Steps(ctx context.Context, runID string) ([]domain.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step FROM workflow_steps WHERE run_id = ? ORDER BY completed_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	steps := make([]domain.Step, 0)
	for rows.Next() {
		var step string
		if err := rows.Scan(&step); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, domain.Step(step))
	}
	return steps, rows.Err()
}

func journalStep(ctx context.Context, tx *sql.Tx, runID string, step domain.Step, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_steps (run_id, step, completed_at) VALUES (?, ?, ?)
		ON CONFLICT (run_id, step) DO NOTHING
	`, runID, string(step), now)
	if err != nil {
		return fmt.Errorf("journal step: %w", err)
	}
	return nil
}

func releaseActive(ctx context.Context, tx *sql.Tx, userID, runID string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_active WHERE user_id = ? AND run_id = ?`,
		userID, runID,
	)
	if err != nil {
		return fmt.Errorf("release active run: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var (
		run                  domain.Run
		snapshot, state      string
		status, lastStep     string
		fireAt               int64
		createdAt, updatedAt int64
		startedAt, finished  sql.NullInt64
	)
	err := row.Scan(
		&run.ID,
		&run.UserID,
		&snapshot,
		&fireAt,
		&status,
		&run.Generation,
		&run.ParentID,
		&lastStep,
		&state,
		&run.CancelRequested,
		&run.Error,
		&createdAt,
		&updatedAt,
		&startedAt,
		&finished,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(snapshot), &run.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &run.State); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}

	run.Status = domain.RunStatus(status)
	run.LastStep = domain.Step(lastStep)
	run.FireAt = sqlitedb.FromMillis(fireAt)
	run.CreatedAt = sqlitedb.FromMillis(createdAt)
	run.UpdatedAt = sqlitedb.FromMillis(updatedAt)
	run.StartedAt = sqlitedb.NullMillis(startedAt)
	run.FinishedAt = sqlitedb.NullMillis(finished)

	return &run, nil
}

func collectRuns(rows *sql.Rows) ([]*domain.Run, error) {
	defer func() { _ = rows.Close() }()

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
