package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

// gateRepo implements GateRepo for PostgreSQL
type gateRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewGateRepo creates a new PostgreSQL gate result repository
func NewGateRepo(db *sqlx.DB, timeout time.Duration) persistence.GateRepo {
	return &gateRepo{db: db, timeout: timeout}
}

// Record inserts an immutable gate result
func (r *gateRepo) Record(ctx context.Context, result domain.GateResult) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO gate_results (run_id, check_name, passed, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		result.RunID, result.CheckName, result.Passed, jsonb(result.Details), result.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s for run %s: %w", result.CheckName, result.RunID, persistence.ErrGateResultExists)
		}
		return fmt.Errorf("failed to insert gate result: %w", err)
	}

	return nil
}

// ListByRun returns all results for a run
func (r *gateRepo) ListByRun(ctx context.Context, runID string) ([]domain.GateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var results []domain.GateResult
	err := r.db.SelectContext(ctx, &results, `
		SELECT run_id, check_name, passed, details, created_at
		FROM gate_results
		WHERE run_id = $1
		ORDER BY created_at, check_name`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list gate results: %w", err)
	}

	return results, nil
}
