package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

const runColumns = `run_id, started_at, finished_at, status, asof_date, cadence, config_hash, code_version, notes`

// runRepo implements RunRepo for PostgreSQL
type runRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunRepo creates a new PostgreSQL run repository
func NewRunRepo(db *sqlx.DB, timeout time.Duration) persistence.RunRepo {
	return &runRepo{db: db, timeout: timeout}
}

// Create inserts a new run in running state
func (r *runRepo) Create(ctx context.Context, run domain.Run) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, status, asof_date, cadence, config_hash, code_version, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.RunID, run.StartedAt, run.Status, run.AsOfDate, run.Cadence,
		run.ConfigHash, run.CodeVersion, run.Notes)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("duplicate run %s: %w", run.RunID, persistence.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}

	return nil
}

// Finish moves a running run to a terminal status
func (r *runRepo) Finish(ctx context.Context, runID string, status domain.RunStatus, finishedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, finished_at = $3
		WHERE run_id = $1 AND status = 'running'`,
		runID, status, finishedAt)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, persistence.ErrRunNotRunning)
	}

	return nil
}

// Get returns a run by id
func (r *runRepo) Get(ctx context.Context, runID string) (*domain.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var run domain.Run
	err := r.db.GetContext(ctx, &run, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return &run, nil
}

// Latest returns the most recently started non-genesis run
func (r *runRepo) Latest(ctx context.Context) (*domain.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var run domain.Run
	err := r.db.GetContext(ctx, &run, `
		SELECT `+runColumns+` FROM runs
		WHERE cadence <> 'genesis'
		ORDER BY started_at DESC
		LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}

	return &run, nil
}
