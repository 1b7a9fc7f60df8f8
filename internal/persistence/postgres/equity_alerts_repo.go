package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

// equityRepo implements EquityRepo for PostgreSQL
type equityRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewEquityRepo creates a new PostgreSQL equity-mark repository
func NewEquityRepo(db *sqlx.DB, timeout time.Duration) persistence.EquityRepo {
	return &equityRepo{db: db, timeout: timeout}
}

// RecordMark upserts the mark for a run
func (r *equityRepo) RecordMark(ctx context.Context, m domain.EquityMark) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO equity_marks (run_id, asof_date, portfolio_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO UPDATE SET
			asof_date = EXCLUDED.asof_date,
			portfolio_value = EXCLUDED.portfolio_value`,
		m.RunID, m.AsOfDate, m.PortfolioValue)
	if err != nil {
		return fmt.Errorf("failed to upsert equity mark: %w", err)
	}

	return nil
}

// HighWaterMark returns the maximum recorded portfolio value
func (r *equityRepo) HighWaterMark(ctx context.Context) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var hwm decimal.NullDecimal
	if err := r.db.QueryRowxContext(ctx, `SELECT MAX(portfolio_value) FROM equity_marks`).Scan(&hwm); err != nil {
		return decimal.Zero, fmt.Errorf("failed to read high-water mark: %w", err)
	}
	if !hwm.Valid {
		return decimal.Zero, nil
	}

	return hwm.Decimal, nil
}

// alertRepo implements AlertRepo for PostgreSQL
type alertRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAlertRepo creates a new PostgreSQL alert index repository
func NewAlertRepo(db *sqlx.DB, timeout time.Duration) persistence.AlertRepo {
	return &alertRepo{db: db, timeout: timeout}
}

// Record appends an alert
func (r *alertRepo) Record(ctx context.Context, a domain.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, alert_type, severity, run_id, ticket_id, summary, details, artifact_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (alert_id) DO NOTHING`,
		a.AlertID, a.AlertType, a.Severity, a.RunID, a.TicketID, a.Summary,
		jsonb(a.Details), a.ArtifactPath, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	return nil
}

// RecordDelivery upserts the receipt for (alert, sink)
func (r *alertRepo) RecordDelivery(ctx context.Context, d domain.DeliveryReceipt) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_deliveries (alert_id, sink, dryrun, status, error_text, attempted_at, receipt_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (alert_id, sink) DO UPDATE SET
			dryrun = EXCLUDED.dryrun,
			status = EXCLUDED.status,
			error_text = EXCLUDED.error_text,
			attempted_at = EXCLUDED.attempted_at,
			receipt_path = EXCLUDED.receipt_path`,
		d.AlertID, d.Sink, d.DryRun, d.Status, d.Error, d.AttemptedAt, d.ReceiptPath)
	if err != nil {
		return fmt.Errorf("failed to upsert alert delivery: %w", err)
	}

	return nil
}
