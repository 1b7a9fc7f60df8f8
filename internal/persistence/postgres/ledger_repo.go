package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

const fillColumns = `ticket_id, sequence, symbol, side, executed_status, units, executed_value, fill_price, filled_at, notes`

// ledgerRepo reads the append-only ledger history
type ledgerRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewLedgerRepo creates a new PostgreSQL ledger repository
func NewLedgerRepo(db *sqlx.DB, timeout time.Duration) persistence.LedgerRepo {
	return &ledgerRepo{db: db, timeout: timeout}
}

// Fills returns every fill in a stable order
func (r *ledgerRepo) Fills(ctx context.Context) ([]domain.Fill, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var fills []domain.Fill
	err := r.db.SelectContext(ctx, &fills, `
		SELECT `+fillColumns+` FROM fills
		ORDER BY filled_at NULLS FIRST, ticket_id, sequence`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}

	return fills, nil
}

// FillsByTicket returns a ticket's fills ordered by sequence
func (r *ledgerRepo) FillsByTicket(ctx context.Context, ticketID string) ([]domain.Fill, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var fills []domain.Fill
	err := r.db.SelectContext(ctx, &fills, `
		SELECT `+fillColumns+` FROM fills
		WHERE ticket_id = $1
		ORDER BY sequence`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills by ticket: %w", err)
	}

	return fills, nil
}

// CashMovements returns every cash movement ordered by occurrence
func (r *ledgerRepo) CashMovements(ctx context.Context) ([]domain.CashMovement, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var movements []domain.CashMovement
	err := r.db.SelectContext(ctx, &movements, `
		SELECT movement_id, occurred_at, amount, currency, movement_type, notes
		FROM ledger_cash_movements
		ORDER BY occurred_at, movement_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cash movements: %w", err)
	}

	return movements, nil
}

// AddCashMovement appends a movement
func (r *ledgerRepo) AddCashMovement(ctx context.Context, m domain.CashMovement) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ledger_cash_movements (occurred_at, amount, currency, movement_type, notes)
		VALUES ($1, $2, $3, $4, $5)`,
		m.OccurredAt, m.Amount, m.Currency, m.MovementType, m.Notes)
	if err != nil {
		return fmt.Errorf("failed to insert cash movement: %w", err)
	}

	return nil
}

// Version changes whenever a fill or cash movement is written
func (r *ledgerRepo) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var version string
	err := r.db.QueryRowxContext(ctx, `
		SELECT
			(SELECT COUNT(*)::text || ':' || COALESCE(EXTRACT(EPOCH FROM MAX(updated_at))::text, '0') FROM fills)
			|| '|' ||
			(SELECT COUNT(*)::text || ':' || COALESCE(MAX(movement_id), 0)::text FROM ledger_cash_movements)`).
		Scan(&version)
	if err != nil {
		return "", fmt.Errorf("failed to read ledger version: %w", err)
	}

	return version, nil
}
