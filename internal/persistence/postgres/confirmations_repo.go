package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

// confirmationRepo implements ConfirmationRepo for PostgreSQL
type confirmationRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewConfirmationRepo creates a new PostgreSQL confirmation repository
func NewConfirmationRepo(db *sqlx.DB, timeout time.Duration) persistence.ConfirmationRepo {
	return &confirmationRepo{db: db, timeout: timeout}
}

// Submit writes the confirmation, upserts fills, marks the ticket confirmed and appends the audit entry
func (r *confirmationRepo) Submit(ctx context.Context, c domain.Confirmation, fills []domain.Fill, audit domain.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO confirmations (confirmation_id, ticket_id, submitted_by, submitted_at, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ConfirmationID, c.TicketID, c.SubmittedBy, c.SubmittedAt, jsonb(c.Payload))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("confirmation %s: %w", c.ConfirmationID, persistence.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert confirmation: %w", err)
	}

	if len(fills) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO fills (`+fillColumns+`, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
			ON CONFLICT (ticket_id, sequence) DO UPDATE SET
				executed_status = EXCLUDED.executed_status,
				units           = EXCLUDED.units,
				executed_value  = EXCLUDED.executed_value,
				fill_price      = EXCLUDED.fill_price,
				filled_at       = EXCLUDED.filled_at,
				notes           = EXCLUDED.notes,
				updated_at      = now()`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, f := range fills {
			_, err := stmt.ExecContext(ctx,
				f.TicketID, f.Sequence, f.Symbol, f.Side, f.ExecutedStatus,
				f.Units, f.ExecutedValue, f.FillPrice, f.FilledAt, f.Notes)
			if err != nil {
				return fmt.Errorf("failed to upsert fill %d: %w", f.Sequence, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tickets SET status = $2 WHERE ticket_id = $1`, c.TicketID, domain.TicketConfirmed); err != nil {
		return fmt.Errorf("failed to mark ticket confirmed: %w", err)
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}

	return tx.Commit()
}

// ListByTicket returns confirmations ordered by submission
func (r *confirmationRepo) ListByTicket(ctx context.Context, ticketID string) ([]domain.Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []domain.Confirmation
	err := r.db.SelectContext(ctx, &out, `
		SELECT confirmation_id, ticket_id, submitted_by, submitted_at, payload
		FROM confirmations
		WHERE ticket_id = $1
		ORDER BY submitted_at`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list confirmations: %w", err)
	}

	return out, nil
}

func insertAudit(ctx context.Context, tx *sqlx.Tx, a domain.AuditEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, object_type, object_id, ticket_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.Actor, a.Action, a.ObjectType, a.ObjectID, a.TicketID, jsonb(a.Details), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}
