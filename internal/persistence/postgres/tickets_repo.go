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

const ticketColumns = `ticket_id, run_id, ticket_type, status, rendered_md, rendered_json, material_hash, created_at, sent_at`

// ticketRepo implements TicketRepo for PostgreSQL
type ticketRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTicketRepo creates a new PostgreSQL ticket repository
func NewTicketRepo(db *sqlx.DB, timeout time.Duration) persistence.TicketRepo {
	return &ticketRepo{db: db, timeout: timeout}
}

// Upsert stores the ticket keyed by run, keeping an existing ticket id and created_at
func (r *ticketRepo) Upsert(ctx context.Context, ticket domain.Ticket) (*domain.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stored domain.Ticket
	err := r.db.GetContext(ctx, &stored, `
		INSERT INTO tickets (ticket_id, run_id, ticket_type, status, rendered_md, rendered_json, material_hash, created_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			ticket_type   = EXCLUDED.ticket_type,
			status        = EXCLUDED.status,
			rendered_md   = EXCLUDED.rendered_md,
			rendered_json = EXCLUDED.rendered_json,
			material_hash = EXCLUDED.material_hash,
			sent_at       = COALESCE(EXCLUDED.sent_at, tickets.sent_at)
		RETURNING `+ticketColumns,
		ticket.TicketID, ticket.RunID, ticket.TicketType, ticket.Status, ticket.RenderedMD,
		jsonb(ticket.RenderedJSON), ticket.MaterialHash, ticket.CreatedAt, ticket.SentAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert ticket: %w", err)
	}

	return &stored, nil
}

// Get returns a ticket by id
func (r *ticketRepo) Get(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	return r.getOne(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
}

// GetByRun returns the ticket for a run
func (r *ticketRepo) GetByRun(ctx context.Context, runID string) (*domain.Ticket, error) {
	return r.getOne(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE run_id = $1`, runID)
}

// LatestTrade returns the newest TRADE ticket outside excludeRunID
func (r *ticketRepo) LatestTrade(ctx context.Context, excludeRunID string) (*domain.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ticket domain.Ticket
	err := r.db.GetContext(ctx, &ticket, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE ticket_type = 'TRADE' AND run_id::text <> $1
		ORDER BY created_at DESC
		LIMIT 1`, excludeRunID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest trade ticket: %w", err)
	}

	return &ticket, nil
}

// MarkSent stamps sent_at unless it is already set
func (r *ticketRepo) MarkSent(ctx context.Context, ticketID string, at time.Time) (*domain.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ticket domain.Ticket
	err := r.db.GetContext(ctx, &ticket, `
		UPDATE tickets SET sent_at = COALESCE(sent_at, $2)
		WHERE ticket_id = $1
		RETURNING `+ticketColumns, ticketID, at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %s: %w", ticketID, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to mark ticket sent: %w", err)
	}

	return &ticket, nil
}

func (r *ticketRepo) getOne(ctx context.Context, query string, arg string) (*domain.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ticket domain.Ticket
	if err := r.db.GetContext(ctx, &ticket, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %s: %w", arg, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}

	return &ticket, nil
}
