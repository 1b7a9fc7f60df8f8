package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

// targetRepo implements TargetRepo for PostgreSQL
type targetRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTargetRepo creates a new PostgreSQL target repository
func NewTargetRepo(db *sqlx.DB, timeout time.Duration) persistence.TargetRepo {
	return &targetRepo{db: db, timeout: timeout}
}

// ListByRun returns targets for a run ordered by symbol
func (r *targetRepo) ListByRun(ctx context.Context, runID string) ([]domain.PortfolioTarget, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var targets []domain.PortfolioTarget
	err := r.db.SelectContext(ctx, &targets, `
		SELECT run_id, asof_date, symbol, target_weight, target_value, currency
		FROM portfolio_targets
		WHERE run_id = $1
		ORDER BY symbol`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}

	return targets, nil
}

// Replace swaps the run's targets in one transaction
func (r *targetRepo) Replace(ctx context.Context, runID string, targets []domain.PortfolioTarget) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM portfolio_targets WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to delete targets: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO portfolio_targets (run_id, asof_date, symbol, target_weight, target_value, currency)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, t := range targets {
		if _, err := stmt.ExecContext(ctx, runID, t.AsOfDate, t.Symbol, t.TargetWeight, t.TargetValue, t.Currency); err != nil {
			return fmt.Errorf("failed to insert target %s: %w", t.Symbol, err)
		}
	}

	return tx.Commit()
}

// SignalsByRun returns ranked signals ordered by rank
func (r *targetRepo) SignalsByRun(ctx context.Context, runID string) ([]domain.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var signals []domain.Signal
	err := r.db.SelectContext(ctx, &signals, `
		SELECT run_id, symbol, score, rank
		FROM signals_ranked
		WHERE run_id = $1
		ORDER BY rank, symbol`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}

	return signals, nil
}
