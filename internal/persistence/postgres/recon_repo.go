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

// reconciliationRepo implements ReconciliationRepo for PostgreSQL
type reconciliationRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewReconciliationRepo creates a new PostgreSQL reconciliation repository
func NewReconciliationRepo(db *sqlx.DB, timeout time.Duration) persistence.ReconciliationRepo {
	return &reconciliationRepo{db: db, timeout: timeout}
}

// AddSnapshot stores a snapshot and its positions atomically
func (r *reconciliationRepo) AddSnapshot(ctx context.Context, s domain.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reconciliation_snapshots (snapshot_id, snapshot_date, currency, cash, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.SnapshotID, s.SnapshotDate, s.Currency, s.Cash, s.Notes, s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("snapshot %s: %w", s.SnapshotID, persistence.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	for _, p := range s.Positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reconciliation_snapshot_positions (snapshot_id, symbol, units)
			VALUES ($1, $2, $3)`, s.SnapshotID, p.Symbol, p.Units); err != nil {
			return fmt.Errorf("failed to insert snapshot position %s: %w", p.Symbol, err)
		}
	}

	return tx.Commit()
}

// LatestSnapshot returns the newest snapshot on or before the date, nil when none
func (r *reconciliationRepo) LatestSnapshot(ctx context.Context, onOrBefore time.Time) (*domain.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var s domain.Snapshot
	err := r.db.GetContext(ctx, &s, `
		SELECT snapshot_id, snapshot_date, currency, cash, notes, created_at
		FROM reconciliation_snapshots
		WHERE snapshot_date <= $1
		ORDER BY snapshot_date DESC, created_at DESC
		LIMIT 1`, onOrBefore)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}

	err = r.db.SelectContext(ctx, &s.Positions, `
		SELECT symbol, units
		FROM reconciliation_snapshot_positions
		WHERE snapshot_id = $1
		ORDER BY symbol`, s.SnapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot positions: %w", err)
	}

	return &s, nil
}

// RecordResult appends a reconciliation result
func (r *reconciliationRepo) RecordResult(ctx context.Context, res domain.ReconciliationResult) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	unknown, err := jsonbValue(nonNil(res.UnknownSymbols))
	if err != nil {
		return fmt.Errorf("failed to marshal unknown symbols: %w", err)
	}
	missing, err := jsonbValue(nonNil(res.MissingInSnapshot))
	if err != nil {
		return fmt.Errorf("failed to marshal missing symbols: %w", err)
	}
	diffs, err := jsonbValue(res.Diffs)
	if err != nil {
		return fmt.Errorf("failed to marshal diffs: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO reconciliation_results (
			snapshot_id, run_id, evaluated_at, passed, genesis,
			ledger_cash, snapshot_cash, cash_diff, cash_diff_abs, cash_tolerance,
			max_units_diff, units_tolerance, unknown_symbols, missing_in_snapshot, diffs, report_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		res.SnapshotID, res.RunID, res.EvaluatedAt, res.Passed, res.Genesis,
		res.LedgerCash, res.SnapshotCash, res.CashDiff, res.CashDiffAbs, res.CashTolerance,
		res.MaxUnitsDiff, res.UnitsTolerance, unknown, missing, diffs, res.ReportPath)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation result: %w", err)
	}

	return nil
}

// ApplyGenesis writes the synthetic history in one transaction
func (r *reconciliationRepo) ApplyGenesis(ctx context.Context, plan persistence.GenesisPlan) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `LOCK TABLE fills IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("failed to lock fills: %w", err)
	}

	var existing int
	if err := tx.GetContext(ctx, &existing, `
		SELECT (SELECT COUNT(*) FROM fills) + (SELECT COUNT(*) FROM tickets WHERE ticket_type = 'GENESIS')`); err != nil {
		return fmt.Errorf("failed to count ledger history: %w", err)
	}
	if existing > 0 {
		return persistence.ErrGenesisAlreadyApplied
	}

	run := plan.Run
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, finished_at, status, asof_date, cadence, config_hash, code_version, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.RunID, run.StartedAt, run.FinishedAt, run.Status, run.AsOfDate, run.Cadence,
		run.ConfigHash, run.CodeVersion, run.Notes); err != nil {
		return fmt.Errorf("failed to insert genesis run: %w", err)
	}

	t := plan.Ticket
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tickets (ticket_id, run_id, ticket_type, status, rendered_md, rendered_json, material_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.TicketID, t.RunID, t.TicketType, t.Status, t.RenderedMD, jsonb(t.RenderedJSON), t.MaterialHash, t.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert genesis ticket: %w", err)
	}

	for _, f := range plan.Fills {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fills (`+fillColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			f.TicketID, f.Sequence, f.Symbol, f.Side, f.ExecutedStatus,
			f.Units, f.ExecutedValue, f.FillPrice, f.FilledAt, f.Notes); err != nil {
			return fmt.Errorf("failed to insert genesis fill %s: %w", f.Symbol, err)
		}
	}

	if m := plan.CashMovement; m != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_cash_movements (occurred_at, amount, currency, movement_type, notes)
			VALUES ($1, $2, $3, $4, $5)`,
			m.OccurredAt, m.Amount, m.Currency, m.MovementType, m.Notes); err != nil {
			return fmt.Errorf("failed to insert genesis cash movement: %w", err)
		}
	}

	if err := insertAudit(ctx, tx, plan.Audit); err != nil {
		return err
	}

	return tx.Commit()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
